package api

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vdavid/marketdesk/internal/models"
	"github.com/vdavid/marketdesk/internal/oauth"
)

// linkStateTTL bounds how long a consent flow may take.
const linkStateTTL = 10 * time.Minute

// ConsentURLs builds provider consent page URLs.
type ConsentURLs interface {
	AuthCodeURL(provider models.OAuthProvider, state string) (string, error)
}

type pendingLink struct {
	userID   string
	provider models.OAuthProvider
	expires  time.Time
}

// AuthHandler runs the OAuth account-linking flow. The start call is
// authenticated; the callback is identified by the one-time state.
type AuthHandler struct {
	users   Users
	consent ConsentURLs
	mailbox Mailbox
	now     func() time.Time

	mu      sync.Mutex
	pending map[string]pendingLink
}

func NewAuthHandler(users Users, consent ConsentURLs, mb Mailbox) *AuthHandler {
	return &AuthHandler{
		users:   users,
		consent: consent,
		mailbox: mb,
		now:     time.Now,
		pending: make(map[string]pendingLink),
	}
}

func providerFromPath(r *http.Request) (models.OAuthProvider, bool) {
	switch p := models.OAuthProvider(r.PathValue("provider")); p {
	case models.OAuthGoogle, models.OAuthMicrosoft:
		return p, true
	default:
		return "", false
	}
}

type consentResponse struct {
	URL   string `json:"url"`
	State string `json:"state"`
}

// StartLink returns the consent page URL for linking a new account.
func (h *AuthHandler) StartLink(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context(), w, h.users)
	if !ok {
		return
	}
	provider, ok := providerFromPath(r)
	if !ok {
		http.Error(w, "Unknown provider", http.StatusNotFound)
		return
	}

	state := uuid.NewString()
	url, err := h.consent.AuthCodeURL(provider, state)
	if err != nil {
		if errors.Is(err, oauth.ErrProviderNotConfigured) {
			http.Error(w, "Provider is not configured", http.StatusNotFound)
			return
		}
		log.Error().Str("provider", string(provider)).Err(err).Msg("AuthHandler: Failed to build consent URL")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.mu.Lock()
	now := h.now()
	for key, p := range h.pending {
		if now.After(p.expires) {
			delete(h.pending, key)
		}
	}
	h.pending[state] = pendingLink{userID: userID, provider: provider, expires: now.Add(linkStateTTL)}
	h.mu.Unlock()

	WriteJSONResponse(w, consentResponse{URL: url, State: state})
}

func (h *AuthHandler) takeState(state string, provider models.OAuthProvider) (pendingLink, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.pending[state]
	if !ok {
		return pendingLink{}, false
	}
	delete(h.pending, state)
	if p.provider != provider || h.now().After(p.expires) {
		return pendingLink{}, false
	}
	return p, true
}

// Callback completes the consent flow and stores the linked account.
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	provider, ok := providerFromPath(r)
	if !ok {
		http.Error(w, "Unknown provider", http.StatusNotFound)
		return
	}

	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		http.Error(w, "Authorization was not granted: "+e, http.StatusBadRequest)
		return
	}
	link, ok := h.takeState(q.Get("state"), provider)
	if !ok {
		http.Error(w, "Invalid or expired state", http.StatusBadRequest)
		return
	}
	code := q.Get("code")
	if code == "" {
		http.Error(w, "code is required", http.StatusBadRequest)
		return
	}

	acct, err := h.mailbox.LinkAccount(r.Context(), link.userID, provider, code)
	if err != nil {
		log.Warn().Str("provider", string(provider)).Err(err).Msg("AuthHandler: Failed to link account")
		http.Error(w, "Failed to link account", http.StatusBadGateway)
		return
	}
	writeJSONStatus(w, http.StatusCreated, acct)
}
