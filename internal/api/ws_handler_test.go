package api

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/marketdesk/internal/auth"
	ws "github.com/vdavid/marketdesk/internal/websocket"
)

func TestWebSocketHandler(t *testing.T) {
	dir := newMemDirectory()
	hub := ws.NewHub(2)
	handler := NewWebSocketHandler(dir, auth.NewAuthenticator("secret-token"), hub)

	server := httptest.NewServer(http.HandlerFunc(handler.Handle))
	defer server.Close()

	dialURL := func(token, user string) string {
		q := url.Values{"token": {token}, "user": {user}}
		return "ws" + strings.TrimPrefix(server.URL, "http") + "?" + q.Encode()
	}
	userID := "user-" + testUserEmail

	t.Run("rejects a bad token", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(dialURL("wrong", testUserEmail), nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("rejects a missing user", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(dialURL("secret-token", ""), nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("delivers published events and unregisters on close", func(t *testing.T) {
		conn, resp, err := websocket.DefaultDialer.Dial(dialURL("secret-token", testUserEmail), nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

		require.Eventually(t, func() bool { return hub.ActiveConnections(userID) == 1 }, 2*time.Second, 10*time.Millisecond)

		hub.Publish(userID, ws.Event{Type: ws.EventNewEmail, AccountID: testAccountID, Stored: 2})

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)

		var event ws.Event
		require.NoError(t, json.Unmarshal(msg, &event))
		assert.Equal(t, ws.EventNewEmail, event.Type)
		assert.Equal(t, 2, event.Stored)

		require.NoError(t, conn.Close())
		require.Eventually(t, func() bool { return hub.ActiveConnections(userID) == 0 }, 2*time.Second, 10*time.Millisecond)
	})
}
