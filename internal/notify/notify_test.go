package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/marketdesk/internal/db"
	"github.com/vdavid/marketdesk/internal/models"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type fakeAccounts struct {
	accounts map[string]*models.Account
	err      error
}

func (f *fakeAccounts) GetActiveGoogleAccountByEmail(_ context.Context, email string) (*models.Account, error) {
	if f.err != nil {
		return nil, f.err
	}
	acct, ok := f.accounts[email]
	if !ok {
		return nil, db.ErrAccountNotFound
	}
	return acct, nil
}

type fakeSyncer struct {
	mu      sync.Mutex
	synced  []string
	success bool
	// results, when set, are returned by successive calls before success applies.
	results []*models.FetchResult
}

func (f *fakeSyncer) SyncGmailWithHistoryAPI(_ context.Context, acct *models.Account, opts models.FetchOptions) *models.FetchResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, acct.ID)
	if len(f.results) > 0 {
		result := f.results[0]
		f.results = f.results[1:]
		return result
	}
	return &models.FetchResult{Success: f.success, AccountID: acct.ID}
}

func (f *fakeSyncer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.synced)
}

func newAccounts() *fakeAccounts {
	return &fakeAccounts{accounts: map[string]*models.Account{
		"seller@gmail.com": {
			ID:           "acct-1",
			EmailAddress: "seller@gmail.com",
			OAuth:        &models.OAuthCredential{Provider: models.OAuthGoogle},
			SyncState:    models.SyncState{Status: models.SyncComplete, LastHistoryID: 500},
		},
	}}
}

func TestHandle(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		payloads  []string
		wantSyncs int
	}{
		{"new history id triggers a sync", []string{`{"emailAddress":"seller@gmail.com","historyId":501}`}, 1},
		{"address is matched case-insensitively", []string{`{"emailAddress":"Seller@Gmail.com","historyId":600}`}, 1},
		{"stored cursor already covers it", []string{`{"emailAddress":"seller@gmail.com","historyId":500}`}, 0},
		{"duplicate delivery is skipped", []string{
			`{"emailAddress":"seller@gmail.com","historyId":700}`,
			`{"emailAddress":"seller@gmail.com","historyId":700}`,
			`{"emailAddress":"seller@gmail.com","historyId":650}`,
			`{"emailAddress":"seller@gmail.com","historyId":701}`,
		}, 2},
		{"unknown account", []string{`{"emailAddress":"someone@gmail.com","historyId":900}`}, 0},
		{"malformed payload", []string{`not json`, `{"historyId":5}`}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			syncer := &fakeSyncer{success: true}
			h := NewHandler(newAccounts(), syncer)
			for _, p := range tt.payloads {
				require.NoError(t, h.Handle(ctx, []byte(p)))
			}
			assert.Equal(t, tt.wantSyncs, syncer.count())
		})
	}

	t.Run("lookup failure asks for redelivery", func(t *testing.T) {
		h := NewHandler(&fakeAccounts{err: errors.New("connection refused")}, &fakeSyncer{})
		assert.Error(t, h.Handle(ctx, []byte(`{"emailAddress":"seller@gmail.com","historyId":501}`)))
	})

	t.Run("accounts needing re-authentication are left alone", func(t *testing.T) {
		accounts := newAccounts()
		accounts.accounts["seller@gmail.com"].RequiresReauth = true
		syncer := &fakeSyncer{}
		require.NoError(t, NewHandler(accounts, syncer).Handle(ctx, []byte(`{"emailAddress":"seller@gmail.com","historyId":501}`)))
		assert.Zero(t, syncer.count())
	})

	t.Run("notification is retried after a sync that did not run", func(t *testing.T) {
		syncer := &fakeSyncer{success: true, results: []*models.FetchResult{
			{AccountID: "acct-1", Error: "sync already in progress"},
		}}
		h := NewHandler(newAccounts(), syncer)
		payload := []byte(`{"emailAddress":"seller@gmail.com","historyId":800}`)

		require.NoError(t, h.Handle(ctx, payload))
		require.NoError(t, h.Handle(ctx, payload))
		assert.Equal(t, 2, syncer.count(), "the redelivered notification syncs again")

		require.NoError(t, h.Handle(ctx, payload))
		assert.Equal(t, 2, syncer.count(), "a synced id is not synced twice")
	})

	t.Run("failed sync is acknowledged", func(t *testing.T) {
		syncer := &fakeSyncer{success: false}
		err := NewHandler(newAccounts(), syncer).Handle(ctx, []byte(`{"emailAddress":"seller@gmail.com","historyId":501}`))
		assert.NoError(t, err)
		assert.Equal(t, 1, syncer.count())
	})
}

func TestListener(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })
	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	syncer := &fakeSyncer{success: true}
	l, err := NewListener(ctx, "proj", "gmail-push", "gmail-push-sub", NewHandler(newAccounts(), syncer), option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	t.Run("missing topic is an error", func(t *testing.T) {
		assert.Error(t, l.Run(ctx))
	})

	_, err = l.client.CreateTopic(ctx, "gmail-push")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool {
		exists, err := l.client.Subscription("gmail-push-sub").Exists(ctx)
		return err == nil && exists
	}, 5*time.Second, 20*time.Millisecond)

	srv.Publish("projects/proj/topics/gmail-push", []byte(`{"emailAddress":"seller@gmail.com","historyId":777}`), nil)

	require.Eventually(t, func() bool { return syncer.count() == 1 }, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop")
	}
}
