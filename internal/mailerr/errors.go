// Package mailerr classifies failures coming back from mail providers so that
// fetchers, sync drivers and the send facade can decide between retrying,
// skipping, aborting, or asking the user to re-authenticate.
package mailerr

import (
	"errors"
	"fmt"
)

var (
	// ErrTransient covers network failures, 5xx responses and timeouts.
	ErrTransient = errors.New("transient provider error")
	// ErrRateLimited is a 429 or quota response.
	ErrRateLimited = errors.New("provider rate limit exceeded")
	// ErrUnauthorized is a 401 from the provider. One refresh-and-retry is allowed.
	ErrUnauthorized = errors.New("provider rejected credentials")
	// ErrReauthRequired is terminal: the user has to link the account again.
	ErrReauthRequired = errors.New("re-authentication required")
	// ErrParse marks a single message or part that could not be decoded.
	ErrParse = errors.New("message could not be parsed")
	// ErrStorage means the database went away mid-batch.
	ErrStorage = errors.New("storage unavailable")
	// ErrNotFound is a provider 404 (including an expired history cursor).
	ErrNotFound = errors.New("provider resource not found")
	// ErrUnsupported is returned when a provider variant lacks a capability.
	ErrUnsupported = errors.New("operation not supported by provider")
)

// ProviderError wraps an underlying error with the provider and operation that failed.
type ProviderError struct {
	Provider string
	Op       string
	Kind     error
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Kind)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Provider, e.Op, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Is matches the error's Kind so errors.Is(err, ErrUnauthorized) works through wrapping.
func (e *ProviderError) Is(target error) bool {
	return e.Kind == target
}

// New builds a ProviderError.
func New(provider, op string, kind, err error) *ProviderError {
	return &ProviderError{Provider: provider, Op: op, Kind: kind, Err: err}
}

// KindFromStatus maps an HTTP status code to an error kind.
func KindFromStatus(status int) error {
	switch {
	case status == 401:
		return ErrUnauthorized
	case status == 403:
		// Gmail reports per-user rate limits as 403 rateLimitExceeded; callers with
		// a reason string should refine this.
		return ErrRateLimited
	case status == 404 || status == 410:
		return ErrNotFound
	case status == 429:
		return ErrRateLimited
	case status >= 500:
		return ErrTransient
	default:
		return ErrTransient
	}
}

// IsAuth reports whether err should trigger a token refresh or re-authentication.
func IsAuth(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrReauthRequired)
}

// RequiresReauth reports whether err is terminal for the account's credentials.
func RequiresReauth(err error) bool {
	return errors.Is(err, ErrReauthRequired)
}
