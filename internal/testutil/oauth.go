package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	json "github.com/goccy/go-json"
)

// TestTokenServer is a fake OAuth2 token endpoint that answers refresh_token grants.
type TestTokenServer struct {
	Server *httptest.Server

	refreshCalls atomic.Int32

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	expiresIn    int
	errorCode    string
	status       int
	lastRefresh  string
}

// NewTestTokenServer starts a token endpoint that hands out "new-access-token"
// valid for one hour until configured otherwise.
func NewTestTokenServer(t *testing.T) *TestTokenServer {
	t.Helper()

	ts := &TestTokenServer{accessToken: "new-access-token", expiresIn: 3600}
	ts.Server = httptest.NewServer(http.HandlerFunc(ts.handle))
	t.Cleanup(ts.Server.Close)
	return ts
}

// URL returns the token endpoint URL.
func (ts *TestTokenServer) URL() string {
	return ts.Server.URL + "/token"
}

// RefreshCalls returns how many refresh grants were received.
func (ts *TestTokenServer) RefreshCalls() int {
	return int(ts.refreshCalls.Load())
}

// LastRefreshToken returns the refresh token sent with the last grant.
func (ts *TestTokenServer) LastRefreshToken() string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.lastRefresh
}

// IssueTokens sets the tokens returned by subsequent grants. An empty refresh
// token means the provider does not rotate it.
func (ts *TestTokenServer) IssueTokens(access, refresh string, expiresIn int) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.accessToken = access
	ts.refreshToken = refresh
	ts.expiresIn = expiresIn
	ts.errorCode = ""
}

// FailWith makes subsequent grants fail with the given status and OAuth error code.
func (ts *TestTokenServer) FailWith(status int, errorCode string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.status = status
	ts.errorCode = errorCode
}

func (ts *TestTokenServer) handle(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if r.Form.Get("grant_type") != "refresh_token" {
		http.Error(w, fmt.Sprintf("unexpected grant %q", r.Form.Get("grant_type")), http.StatusBadRequest)
		return
	}
	ts.refreshCalls.Add(1)

	ts.mu.Lock()
	ts.lastRefresh = r.Form.Get("refresh_token")
	access, refresh, expiresIn := ts.accessToken, ts.refreshToken, ts.expiresIn
	status, errorCode := ts.status, ts.errorCode
	ts.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if errorCode != "" {
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":             errorCode,
			"error_description": "Token has been expired or revoked.",
		})
		return
	}

	body := map[string]any{
		"access_token": access,
		"token_type":   "Bearer",
		"expires_in":   expiresIn,
	}
	if refresh != "" {
		body["refresh_token"] = refresh
	}
	_ = json.NewEncoder(w).Encode(body)
}
