// Package oauth keeps the OAuth2 credentials of Gmail and Outlook accounts valid.
// Tokens are stored encrypted on the account; this package decrypts them,
// refreshes them at the provider token endpoint when they expire, and flags the
// account for re-authentication when the refresh token stops working.
package oauth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vdavid/marketdesk/internal/config"
	"github.com/vdavid/marketdesk/internal/crypto"
	"github.com/vdavid/marketdesk/internal/mailerr"
	"github.com/vdavid/marketdesk/internal/models"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
	"google.golang.org/api/gmail/v1"
)

// DefaultLeeway is how long before the recorded expiry a token is treated as expired.
const DefaultLeeway = 30 * time.Second

var (
	googleScopes = []string{
		gmail.MailGoogleComScope,
		"openid",
		"email",
	}
	microsoftScopes = []string{
		"offline_access",
		"User.Read",
		"Mail.ReadWrite",
		"Mail.Send",
	}
)

// Store persists token bundles and re-authentication flags.
type Store interface {
	SaveOAuthTokens(ctx context.Context, accountID string, cred *models.OAuthCredential) error
	MarkReauthRequired(ctx context.Context, accountID, reason string) error
}

// Vault encrypts and decrypts stored credentials.
type Vault interface {
	Encrypt(plaintext string) ([]byte, error)
	Decrypt(ciphertext []byte) (string, error)
}

// Manager hands out valid access tokens for OAuth-linked accounts.
type Manager struct {
	store      Store
	vault      Vault
	configs    map[models.OAuthProvider]*oauth2.Config
	httpClient *http.Client
	leeway     time.Duration
	now        func() time.Time

	// refreshMu serializes refreshes per account. latest holds the credential
	// of the last successful refresh per account, so a caller that waited on
	// the lock adopts it instead of spending the refresh token again.
	refreshMu sync.Map
	latest    sync.Map
}

// NewManager builds a Manager with the Google and Microsoft client configurations from cfg.
func NewManager(cfg *config.Config, store Store, vault Vault) *Manager {
	m := &Manager{
		store:   store,
		vault:   vault,
		configs: make(map[models.OAuthProvider]*oauth2.Config),
		leeway:  DefaultLeeway,
		now:     time.Now,
	}

	if cfg.GoogleClientID != "" {
		m.configs[models.OAuthGoogle] = &oauth2.Config{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
			Endpoint:     google.Endpoint,
			Scopes:       googleScopes,
		}
	}
	if cfg.MicrosoftClientID != "" {
		m.configs[models.OAuthMicrosoft] = &oauth2.Config{
			ClientID:     cfg.MicrosoftClientID,
			ClientSecret: cfg.MicrosoftSecret,
			RedirectURL:  cfg.MicrosoftRedirectURL,
			Endpoint:     microsoft.AzureADEndpoint(cfg.MicrosoftTenant),
			Scopes:       microsoftScopes,
		}
	}

	return m
}

// SetConfig replaces the client configuration of one provider.
func (m *Manager) SetConfig(provider models.OAuthProvider, conf *oauth2.Config) {
	m.configs[provider] = conf
}

// SetHTTPClient sets the client used to talk to token endpoints.
func (m *Manager) SetHTTPClient(client *http.Client) {
	m.httpClient = client
}

func (m *Manager) config(acct *models.Account) (*oauth2.Config, error) {
	if acct.OAuth == nil {
		return nil, fmt.Errorf("account %s has no OAuth credentials", acct.ID)
	}
	conf, ok := m.configs[acct.OAuth.Provider]
	if !ok {
		return nil, fmt.Errorf("OAuth provider %q is not configured", acct.OAuth.Provider)
	}

	// Accounts linked with their own app registration carry the client secret.
	if len(acct.OAuth.EncryptedClientSecret) > 0 {
		secret, err := m.vault.Decrypt(acct.OAuth.EncryptedClientSecret)
		if err != nil {
			return nil, err
		}
		copied := *conf
		copied.ClientSecret = secret
		conf = &copied
	}
	return conf, nil
}

func (m *Manager) tokenContext(ctx context.Context) context.Context {
	if m.httpClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	}
	return ctx
}

// GetDecryptedAccessToken returns the stored access token without checking its expiry.
// It reports false when the account has no token or it cannot be decrypted.
func (m *Manager) GetDecryptedAccessToken(acct *models.Account) (string, bool) {
	if acct.OAuth == nil || len(acct.OAuth.EncryptedAccessToken) == 0 {
		return "", false
	}
	token, err := m.vault.Decrypt(acct.OAuth.EncryptedAccessToken)
	if err != nil {
		log.Warn().Str("account_id", acct.ID).Err(err).Msg("Failed to decrypt access token")
		return "", false
	}
	return token, true
}

func (m *Manager) tokenIsCurrent(cred *models.OAuthCredential) bool {
	if len(cred.EncryptedAccessToken) == 0 || cred.ExpiresAt == nil {
		return false
	}
	return m.now().Add(m.leeway).Before(*cred.ExpiresAt)
}

// GetValidAccessToken returns a usable access token, refreshing it first when it
// is missing or expired. Refresh failures come back as mailerr kinds:
// ErrTransient may be retried, ErrReauthRequired is terminal and already
// recorded on the account.
func (m *Manager) GetValidAccessToken(ctx context.Context, acct *models.Account) (string, error) {
	if acct.OAuth == nil {
		return "", mailerr.New(string(acct.ProviderKind()), "token", mailerr.ErrUnsupported,
			errors.New("account is not OAuth-linked"))
	}

	if m.tokenIsCurrent(acct.OAuth) {
		token, err := m.vault.Decrypt(acct.OAuth.EncryptedAccessToken)
		if err == nil {
			return token, nil
		}
		// A corrupted access token is not fatal while the refresh token still works.
		log.Warn().Str("account_id", acct.ID).Err(err).Msg("Stored access token is unreadable, refreshing")
	}

	return m.refresh(ctx, acct, acct.OAuth.EncryptedAccessToken)
}

// RefreshTokens forces a refresh and reports the outcome as a structured result.
func (m *Manager) RefreshTokens(ctx context.Context, acct *models.Account) *models.RefreshResult {
	if _, err := m.refresh(ctx, acct, m.seenAccess(acct)); err != nil {
		return &models.RefreshResult{
			Success:        false,
			Error:          err.Error(),
			RequiresReauth: mailerr.RequiresReauth(err),
		}
	}
	return &models.RefreshResult{Success: true}
}

// WithToken runs fn with a valid access token. When fn fails with
// mailerr.ErrUnauthorized the token is refreshed once and fn retried once; a
// second rejection marks the account for re-authentication.
func (m *Manager) WithToken(ctx context.Context, acct *models.Account, fn func(ctx context.Context, token string) error) error {
	token, err := m.GetValidAccessToken(ctx, acct)
	if err != nil {
		return err
	}

	err = fn(ctx, token)
	if !errors.Is(err, mailerr.ErrUnauthorized) {
		return err
	}

	log.Info().Str("account_id", acct.ID).Msg("Provider rejected access token, refreshing once")
	token, err = m.refresh(ctx, acct, acct.OAuth.EncryptedAccessToken)
	if err != nil {
		return err
	}

	err = fn(ctx, token)
	if errors.Is(err, mailerr.ErrUnauthorized) {
		m.markReauth(ctx, acct, "provider rejected a freshly refreshed token")
		return mailerr.New(string(acct.ProviderKind()), "token", mailerr.ErrReauthRequired, err)
	}
	return err
}

func (m *Manager) lockAccount(accountID string) func() {
	v, _ := m.refreshMu.LoadOrStore(accountID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (m *Manager) seenAccess(acct *models.Account) []byte {
	if acct.OAuth == nil {
		return nil
	}
	return acct.OAuth.EncryptedAccessToken
}

// adoptLatest hands out the credential another caller refreshed while this one
// waited for the lock. seen is the sealed access token the caller gave up on.
func (m *Manager) adoptLatest(acct *models.Account, seen []byte) (string, bool) {
	v, ok := m.latest.Load(acct.ID)
	if !ok {
		return "", false
	}
	cred := v.(*models.OAuthCredential)
	if bytes.Equal(cred.EncryptedAccessToken, seen) || !m.tokenIsCurrent(cred) {
		return "", false
	}
	token, err := m.vault.Decrypt(cred.EncryptedAccessToken)
	if err != nil {
		return "", false
	}
	acct.OAuth.EncryptedAccessToken = cred.EncryptedAccessToken
	acct.OAuth.EncryptedRefreshToken = cred.EncryptedRefreshToken
	acct.OAuth.ExpiresAt = cred.ExpiresAt
	return token, true
}

func (m *Manager) refresh(ctx context.Context, acct *models.Account, seen []byte) (string, error) {
	provider := string(acct.ProviderKind())
	unlock := m.lockAccount(acct.ID)
	defer unlock()

	if acct.OAuth != nil {
		if token, ok := m.adoptLatest(acct, seen); ok {
			log.Debug().Str("account_id", acct.ID).Msg("Using token refreshed by a concurrent caller")
			return token, nil
		}
	}

	conf, err := m.config(acct)
	if err != nil {
		var cryptoErr *crypto.CryptoError
		if errors.As(err, &cryptoErr) {
			m.markReauth(ctx, acct, "stored client secret cannot be decrypted")
			return "", mailerr.New(provider, "refresh", mailerr.ErrReauthRequired, err)
		}
		return "", mailerr.New(provider, "refresh", mailerr.ErrUnsupported, err)
	}

	if len(acct.OAuth.EncryptedRefreshToken) == 0 {
		m.markReauth(ctx, acct, "no refresh token stored")
		return "", mailerr.New(provider, "refresh", mailerr.ErrReauthRequired, errors.New("missing refresh token"))
	}
	refreshToken, err := m.vault.Decrypt(acct.OAuth.EncryptedRefreshToken)
	if err != nil {
		m.markReauth(ctx, acct, "stored refresh token cannot be decrypted")
		return "", mailerr.New(provider, "refresh", mailerr.ErrReauthRequired, err)
	}

	src := conf.TokenSource(m.tokenContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		kind := classifyRefreshError(err)
		if kind == mailerr.ErrReauthRequired {
			m.markReauth(ctx, acct, "refresh token rejected: "+err.Error())
		}
		return "", mailerr.New(provider, "refresh", kind, err)
	}

	previous := refreshToken
	if crypto.NeedsRotation(acct.OAuth.EncryptedRefreshToken) {
		previous = ""
	}
	cred, err := m.sealToken(acct.OAuth.Provider, tok, previous)
	if err != nil {
		return "", err
	}
	if err := m.store.SaveOAuthTokens(ctx, acct.ID, cred); err != nil {
		return "", mailerr.New(provider, "refresh", mailerr.ErrStorage, err)
	}

	acct.OAuth.EncryptedAccessToken = cred.EncryptedAccessToken
	if cred.EncryptedRefreshToken != nil {
		acct.OAuth.EncryptedRefreshToken = cred.EncryptedRefreshToken
	}
	acct.OAuth.ExpiresAt = cred.ExpiresAt
	acct.RequiresReauth = false
	acct.ConnectionStatus = models.ConnectionConnected
	m.latest.Store(acct.ID, &models.OAuthCredential{
		Provider:              acct.OAuth.Provider,
		EncryptedAccessToken:  acct.OAuth.EncryptedAccessToken,
		EncryptedRefreshToken: acct.OAuth.EncryptedRefreshToken,
		ExpiresAt:             acct.OAuth.ExpiresAt,
	})

	log.Debug().Str("account_id", acct.ID).Str("provider", provider).Msg("Refreshed access token")
	return tok.AccessToken, nil
}

// sealToken encrypts a token for storage. The refresh token is only included
// when the provider rotated it.
func (m *Manager) sealToken(provider models.OAuthProvider, tok *oauth2.Token, previousRefresh string) (*models.OAuthCredential, error) {
	access, err := m.vault.Encrypt(tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}

	cred := &models.OAuthCredential{Provider: provider, EncryptedAccessToken: access}
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry.UTC()
		cred.ExpiresAt = &expiry
	}
	if tok.RefreshToken != "" && tok.RefreshToken != previousRefresh {
		refresh, err := m.vault.Encrypt(tok.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		cred.EncryptedRefreshToken = refresh
	}
	return cred, nil
}

func (m *Manager) markReauth(ctx context.Context, acct *models.Account, reason string) {
	m.latest.Delete(acct.ID)
	acct.RequiresReauth = true
	acct.ConnectionStatus = models.ConnectionError
	acct.Status = models.AccountStatusError
	acct.Stats.LastError = reason

	log.Warn().Str("account_id", acct.ID).Str("reason", reason).Msg("Account requires re-authentication")
	if err := m.store.MarkReauthRequired(ctx, acct.ID, reason); err != nil {
		log.Error().Str("account_id", acct.ID).Err(err).Msg("Failed to flag account for re-authentication")
	}
}

func classifyRefreshError(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return mailerr.ErrTransient
	}
	switch re.ErrorCode {
	case "invalid_grant", "invalid_client", "unauthorized_client":
		return mailerr.ErrReauthRequired
	}
	if re.Response != nil {
		switch status := re.Response.StatusCode; {
		case status == http.StatusTooManyRequests:
			return mailerr.ErrRateLimited
		case status == http.StatusUnauthorized:
			return mailerr.ErrReauthRequired
		}
	}
	return mailerr.ErrTransient
}
