package api

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/vdavid/marketdesk/internal/auth"
	ws "github.com/vdavid/marketdesk/internal/websocket"
)

// WebSocketHandler handles the /api/v1/ws endpoint for real-time sync and new-mail events.
type WebSocketHandler struct {
	users Users
	authn *auth.Authenticator
	hub   *ws.Hub
}

// NewWebSocketHandler creates a new WebSocketHandler instance.
func NewWebSocketHandler(users Users, authn *auth.Authenticator, hub *ws.Hub) *WebSocketHandler {
	return &WebSocketHandler{users: users, authn: authn, hub: hub}
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The server runs behind a reverse proxy in a trusted environment.
		return true
	},
}

// Handle upgrades the connection and registers it with the Hub. Browsers
// cannot set headers on WebSocket requests, so the token and user may also
// come from the ?token= and ?user= query parameters.
func (h *WebSocketHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	email, err := h.authn.Authenticate(r)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocketHandler: Authentication failed")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	userID, err := h.users.GetOrCreateUser(ctx, email)
	if err != nil {
		log.Error().Err(err).Msg("WebSocketHandler: Failed to get/create user")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Str("user_id", userID).Err(err).Msg("WebSocketHandler: Failed to upgrade connection")
		return
	}

	client := h.hub.Register(userID, conn)
	if client == nil {
		log.Warn().Str("user_id", userID).Msg("WebSocketHandler: Connection rejected, too many connections")
		return
	}
	log.Debug().Str("user_id", userID).Msg("WebSocketHandler: Connection established")

	go h.readLoop(userID, client)
}

// readLoop drains the connection until it closes, then unregisters the client.
func (h *WebSocketHandler) readLoop(userID string, client *ws.Client) {
	conn := client.Conn()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.hub.Unregister(userID, client)
}
