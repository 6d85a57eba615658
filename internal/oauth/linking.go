package oauth

import (
	"context"
	"errors"
	"fmt"

	"github.com/vdavid/marketdesk/internal/mailerr"
	"github.com/vdavid/marketdesk/internal/models"
	"golang.org/x/oauth2"
)

// ErrProviderNotConfigured is returned when no client id is set for a provider.
var ErrProviderNotConfigured = errors.New("OAuth provider is not configured")

// AuthCodeURL returns the consent page URL for linking a new account.
func (m *Manager) AuthCodeURL(provider models.OAuthProvider, state string) (string, error) {
	conf, ok := m.configs[provider]
	if !ok {
		return "", ErrProviderNotConfigured
	}
	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	if provider == models.OAuthGoogle {
		// Google only re-issues a refresh token when consent is shown again.
		opts = append(opts, oauth2.SetAuthURLParam("prompt", "consent"))
	}
	return conf.AuthCodeURL(state, opts...), nil
}

// Exchange trades an authorization code for tokens and returns them encrypted,
// ready to be stored on a new account.
func (m *Manager) Exchange(ctx context.Context, provider models.OAuthProvider, code string) (*models.OAuthCredential, string, error) {
	conf, ok := m.configs[provider]
	if !ok {
		return nil, "", ErrProviderNotConfigured
	}

	tok, err := conf.Exchange(m.tokenContext(ctx), code)
	if err != nil {
		return nil, "", mailerr.New(string(provider), "exchange", classifyRefreshError(err), err)
	}
	if tok.RefreshToken == "" {
		return nil, "", mailerr.New(string(provider), "exchange", mailerr.ErrReauthRequired,
			errors.New("provider did not return a refresh token"))
	}

	cred, err := m.sealToken(provider, tok, "")
	if err != nil {
		return nil, "", fmt.Errorf("failed to seal tokens: %w", err)
	}
	return cred, tok.AccessToken, nil
}
