package api

import (
	"fmt"
	"net/http"

	"github.com/vdavid/marketdesk/internal/auth"
)

// Handlers groups everything the router mounts.
type Handlers struct {
	Auth      *AuthHandler
	Accounts  *AccountsHandler
	Sync      *SyncHandler
	Threads   *ThreadsHandler
	Folders   *FoldersHandler
	WebSocket *WebSocketHandler
}

// NewRouter mounts the API. Everything except the root, the OAuth callback
// and the WebSocket endpoint (which authenticates itself) requires a token.
func NewRouter(h Handlers, authn *auth.Authenticator) http.Handler {
	mux := http.NewServeMux()
	protect := func(fn http.HandlerFunc) http.Handler {
		return authn.RequireAuth(fn)
	}

	mux.HandleFunc("GET /{$}", handleRoot)

	mux.Handle("GET /api/v1/oauth/{provider}/start", protect(h.Auth.StartLink))
	mux.HandleFunc("GET /api/v1/oauth/{provider}/callback", h.Auth.Callback)

	mux.Handle("GET /api/v1/accounts", protect(h.Accounts.ListAccounts))
	mux.Handle("POST /api/v1/accounts/imap", protect(h.Accounts.CreateIMAPAccount))
	mux.Handle("POST /api/v1/accounts/{id}/fetch", protect(h.Accounts.Fetch))
	mux.Handle("POST /api/v1/accounts/{id}/refresh-token", protect(h.Accounts.RefreshToken))
	mux.Handle("POST /api/v1/accounts/{id}/send", protect(h.Accounts.Send))
	mux.Handle("POST /api/v1/accounts/{id}/reply", protect(h.Accounts.Reply))
	mux.Handle("POST /api/v1/accounts/{id}/drafts", protect(h.Accounts.CreateDraft))

	mux.Handle("POST /api/v1/accounts/{id}/sync", protect(h.Sync.HistorySync))
	mux.Handle("POST /api/v1/accounts/{id}/manual-sync/start", protect(h.Sync.StartManualSync))
	mux.Handle("POST /api/v1/accounts/{id}/manual-sync/continue", protect(h.Sync.ContinueManualSync))
	mux.Handle("POST /api/v1/accounts/{id}/manual-sync/stop", protect(h.Sync.StopManualSync))
	mux.Handle("GET /api/v1/accounts/{id}/manual-sync", protect(h.Sync.GetManualSyncProgress))

	mux.Handle("GET /api/v1/accounts/{id}/threads", protect(h.Threads.GetThreads))
	mux.Handle("GET /api/v1/accounts/{id}/threads/{threadId}", protect(h.Threads.GetThread))

	mux.Handle("GET /api/v1/accounts/{id}/folders", protect(h.Folders.GetFolders))

	mux.HandleFunc("GET /api/v1/ws", h.WebSocket.Handle)

	return mux
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "MarketDesk API is running")
}
