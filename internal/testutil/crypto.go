package testutil

import (
	"encoding/base64"
	"testing"

	"github.com/vdavid/marketdesk/internal/crypto"
)

// TestKeyBase64 returns a deterministic 32-byte credential vault key.
func TestKeyBase64() string {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return base64.StdEncoding.EncodeToString(key)
}

// GetTestEncryptor returns a credential vault keyed with TestKeyBase64.
func GetTestEncryptor(t *testing.T) *crypto.Encryptor {
	t.Helper()

	encryptor, err := crypto.NewEncryptor(TestKeyBase64())
	if err != nil {
		t.Fatalf("Failed to create encryptor: %v", err)
	}
	return encryptor
}
