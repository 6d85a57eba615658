package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/marketdesk/internal/models"
)

// newHubServer upgrades every request and registers it under the "user" query parameter.
func newHubServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Register(r.URL.Query().Get("user"), conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitForConnections(t *testing.T, hub *Hub, userID string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.ActiveConnections(userID) == n }, time.Second, 10*time.Millisecond)
}

func TestHubPublish(t *testing.T) {
	hub := NewHub(2)
	srv := newHubServer(t, hub)

	tab1 := dial(t, srv, "user-1")
	tab2 := dial(t, srv, "user-1")
	other := dial(t, srv, "user-2")
	waitForConnections(t, hub, "user-1", 2)
	waitForConnections(t, hub, "user-2", 1)

	hub.Publish("user-1", Event{Type: EventSyncComplete, AccountID: "acct-1", Status: models.SyncComplete, Stored: 3})

	for _, conn := range []*websocket.Conn{tab1, tab2} {
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var got Event
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, EventSyncComplete, got.Type)
		assert.Equal(t, "acct-1", got.AccountID)
		assert.Equal(t, 3, got.Stored)
	}

	_ = other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := other.ReadMessage()
	assert.Error(t, err, "user-2 must not receive user-1 events")
}

func TestHubConnectionLimit(t *testing.T) {
	hub := NewHub(1)
	srv := newHubServer(t, hub)

	dial(t, srv, "user-1")
	waitForConnections(t, hub, "user-1", 1)

	extra := dial(t, srv, "user-1")
	_ = extra.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := extra.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
	assert.Equal(t, 1, hub.ActiveConnections("user-1"))
}

func TestHubUnregister(t *testing.T) {
	hub := NewHub(0)
	srv := newHubServer(t, hub)

	dial(t, srv, "user-1")
	waitForConnections(t, hub, "user-1", 1)

	hub.mu.RLock()
	var client *Client
	for c := range hub.clients["user-1"] {
		client = c
	}
	hub.mu.RUnlock()

	hub.Unregister("user-1", client)
	assert.Equal(t, 0, hub.ActiveConnections("user-1"))
	hub.Unregister("user-1", nil)
	hub.Publish("", Event{Type: EventNewEmail})
}
