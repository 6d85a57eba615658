package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/marketdesk/internal/auth"
	"github.com/vdavid/marketdesk/internal/db"
	"github.com/vdavid/marketdesk/internal/models"
	"github.com/vdavid/marketdesk/internal/testutil"
)

// seedThreads stores an account of the test user with three threads; the
// newest one holds two messages.
func seedThreads(t *testing.T, store *db.Store) *models.Account {
	t.Helper()
	ctx := context.Background()

	userID, err := store.GetOrCreateUser(ctx, testUserEmail)
	require.NoError(t, err)

	acct := &models.Account{
		UserID:       userID,
		EmailAddress: "shop@example.com",
		Type:         models.AccountTypeIMAP,
		Incoming:     &models.ServerConfig{Host: "imap.example.com", Port: 993, Security: models.SecurityTLS, Username: "shop", EncryptedPassword: []byte{1}},
		Outgoing:     &models.ServerConfig{Host: "smtp.example.com", Port: 465, Security: models.SecurityTLS, Username: "shop", EncryptedPassword: []byte{2}},
		SyncState:    models.SyncState{Status: models.SyncInitial},
	}
	require.NoError(t, store.CreateAccount(ctx, acct))

	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"t-old", "t-mid", "t-new"} {
		at := base.Add(time.Duration(i) * time.Hour)
		_, err := store.CreateThread(ctx, &models.Thread{
			AccountID: acct.ID, ThreadID: id, Subject: "Order " + id, MessageCount: 1,
			FirstMessageAt: at, LastMessageAt: at, Status: models.ThreadActive, Type: models.ThreadConversation,
		})
		require.NoError(t, err)
	}

	for i, mid := range []string{"<order-6@shop.example>", "<order-7@shop.example>"} {
		_, err := store.InsertMessage(ctx, &models.Message{
			AccountID: acct.ID, MessageID: mid, ThreadID: "t-new", Subject: "Order #7",
			From: []models.Address{{Email: "buyer@example.com"}},
			Date: base.Add(2*time.Hour + time.Duration(i)*time.Minute), BodyText: "hello",
		})
		require.NoError(t, err)
	}
	return acct
}

func TestThreadsHandler(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	store := db.NewStore(pool)
	acct := seedThreads(t, store)
	handler := NewThreadsHandler(store, store, store)

	request := func(target, threadID string) *http.Request {
		req := newRequest(http.MethodGet, target, "")
		req.SetPathValue("id", acct.ID)
		if threadID != "" {
			req.SetPathValue("threadId", threadID)
		}
		return req
	}

	t.Run("returns 401 when no user email in context", func(t *testing.T) {
		VerifyAuthCheck(t, handler.GetThreads, http.MethodGet, "/x")
	})

	t.Run("lists threads newest first with pagination", func(t *testing.T) {
		rr := httptest.NewRecorder()
		handler.GetThreads(rr, request("/x?page=1&limit=2", ""))
		require.Equal(t, http.StatusOK, rr.Code)

		var resp ThreadsResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		require.Len(t, resp.Threads, 2)
		assert.Equal(t, "t-new", resp.Threads[0].ThreadID)
		assert.Equal(t, "t-mid", resp.Threads[1].ThreadID)
		assert.Equal(t, PaginationInfo{TotalCount: 3, Page: 1, PerPage: 2}, resp.Pagination)
	})

	t.Run("last page", func(t *testing.T) {
		rr := httptest.NewRecorder()
		handler.GetThreads(rr, request("/x?page=2&limit=2", ""))
		require.Equal(t, http.StatusOK, rr.Code)

		var resp ThreadsResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		require.Len(t, resp.Threads, 1)
		assert.Equal(t, "t-old", resp.Threads[0].ThreadID)
	})

	t.Run("returns a thread with its messages in order", func(t *testing.T) {
		rr := httptest.NewRecorder()
		handler.GetThread(rr, request("/x", "t-new"))
		require.Equal(t, http.StatusOK, rr.Code)

		var thread models.Thread
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &thread))
		require.Len(t, thread.Messages, 2)
		assert.Equal(t, "<order-6@shop.example>", thread.Messages[0].MessageID)
		assert.Equal(t, "<order-7@shop.example>", thread.Messages[1].MessageID)
	})

	t.Run("unknown thread answers 404", func(t *testing.T) {
		rr := httptest.NewRecorder()
		handler.GetThread(rr, request("/x", "missing"))
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("other users cannot read the account", func(t *testing.T) {
		other := httptest.NewRequest(http.MethodGet, "/x", nil)
		other.SetPathValue("id", acct.ID)
		other = other.WithContext(auth.WithUserEmail(other.Context(), "intruder@example.com"))

		rr := httptest.NewRecorder()
		handler.GetThreads(rr, other)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}
