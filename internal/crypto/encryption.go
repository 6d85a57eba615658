package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

const (
	// versionLegacyCBC is AES-256-CBC with a fixed zero IV and PKCS#7 padding.
	// It is only ever decrypted, never produced.
	versionLegacyCBC byte = 0x01
	// versionGCM is AES-256-GCM with a random nonce: [0x02][nonce][ciphertext+tag].
	versionGCM byte = 0x02
)

// ErrDecrypt is wrapped by every CryptoError raised while decrypting.
var ErrDecrypt = errors.New("credential could not be decrypted")

// CryptoError reports a failure to encrypt or decrypt a stored credential.
// A decrypt failure means the value is corrupted or was written with another key;
// the credential must be re-entered, not retried.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("crypto %s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error {
	return e.Err
}

// Encryptor provides encryption and decryption of account secrets (passwords,
// OAuth access and refresh tokens, client secrets) with one process-wide key.
type Encryptor struct {
	key []byte
}

// NewEncryptor creates a new Encryptor with the given key.
func NewEncryptor(base64Key string) (*Encryptor, error) {
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}

	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes (256 bits), got %d bytes", len(key))
	}

	return &Encryptor{key: key}, nil
}

// Encrypt encrypts the given plaintext using AES-GCM.
// The returned ciphertext format is: [version][nonce][encrypted_data][auth_tag].
// Each encryption uses a random nonce, so the same plaintext produces different ciphertexts.
func (e *Encryptor) Encrypt(plaintext string) ([]byte, error) {
	gcm, err := e.gcm()
	if err != nil {
		return nil, &CryptoError{Op: "encrypt", Err: err}
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, &CryptoError{Op: "encrypt", Err: fmt.Errorf("failed to generate nonce: %w", err)}
	}

	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, versionGCM)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, []byte(plaintext), nil), nil
}

// Decrypt decrypts a value produced by Encrypt, or a legacy zero-IV CBC value.
// Returns a *CryptoError wrapping ErrDecrypt if the ciphertext is empty,
// corrupted, or was encrypted with a different key.
func (e *Encryptor) Decrypt(ciphertext []byte) (string, error) {
	if len(ciphertext) == 0 {
		return "", decryptError(fmt.Errorf("empty ciphertext"))
	}

	switch ciphertext[0] {
	case versionGCM:
		return e.decryptGCM(ciphertext[1:])
	case versionLegacyCBC:
		return e.decryptLegacyCBC(ciphertext[1:])
	default:
		return "", decryptError(fmt.Errorf("unknown ciphertext version 0x%02x", ciphertext[0]))
	}
}

// NeedsRotation reports whether a stored value uses the legacy fixed-IV format
// and should be re-encrypted on the next write.
func NeedsRotation(ciphertext []byte) bool {
	return len(ciphertext) > 0 && ciphertext[0] == versionLegacyCBC
}

func (e *Encryptor) decryptGCM(data []byte) (string, error) {
	gcm, err := e.gcm()
	if err != nil {
		return "", decryptError(err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", decryptError(fmt.Errorf("ciphertext too short"))
	}

	nonce, body := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return "", decryptError(err)
	}

	return string(plaintext), nil
}

func (e *Encryptor) decryptLegacyCBC(data []byte) (string, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", decryptError(err)
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return "", decryptError(fmt.Errorf("legacy ciphertext is not a multiple of the block size"))
	}

	iv := make([]byte, aes.BlockSize)
	plain := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, data)

	pad := int(plain[len(plain)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(plain) {
		return "", decryptError(fmt.Errorf("invalid padding"))
	}
	if !bytes.Equal(plain[len(plain)-pad:], bytes.Repeat([]byte{byte(pad)}, pad)) {
		return "", decryptError(fmt.Errorf("invalid padding"))
	}

	return string(plain[:len(plain)-pad]), nil
}

func (e *Encryptor) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

func decryptError(err error) error {
	return &CryptoError{Op: "decrypt", Err: fmt.Errorf("%w: %v", ErrDecrypt, err)}
}
