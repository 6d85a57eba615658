package mailerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProviderErrorMatchesKind(t *testing.T) {
	base := errors.New("401 Unauthorized")
	err := fmt.Errorf("fetch page: %w", New("gmail", "messages.list", ErrUnauthorized, base))

	assert.True(t, errors.Is(err, ErrUnauthorized))
	assert.True(t, errors.Is(err, base))
	assert.False(t, errors.Is(err, ErrTransient))
	assert.True(t, IsAuth(err))
	assert.False(t, RequiresReauth(err))

	var pe *ProviderError
	if assert.True(t, errors.As(err, &pe)) {
		assert.Equal(t, "gmail", pe.Provider)
		assert.Equal(t, "messages.list", pe.Op)
	}
	assert.Contains(t, err.Error(), "gmail messages.list")
}

func TestKindFromStatus(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{401, ErrUnauthorized},
		{403, ErrRateLimited},
		{404, ErrNotFound},
		{429, ErrRateLimited},
		{500, ErrTransient},
		{503, ErrTransient},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, KindFromStatus(tt.status))
		})
	}
}
