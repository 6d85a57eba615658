package syncer

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vdavid/marketdesk/internal/db"
	"github.com/vdavid/marketdesk/internal/gmail"
	"github.com/vdavid/marketdesk/internal/ingest"
	"github.com/vdavid/marketdesk/internal/models"
	"github.com/vdavid/marketdesk/internal/testutil"
	"github.com/vdavid/marketdesk/internal/threading"
	"github.com/vdavid/marketdesk/internal/websocket"
)

// gmailMessage builds a fresh copy of a provider message; ingestion mutates what it stores.
func gmailMessage(providerID string, unread bool) *models.Message {
	msg := &models.Message{
		MessageID:         "<" + providerID + "@mail.gmail.com>",
		ProviderMessageID: providerID,
		ProviderThreadID:  "t-" + providerID,
		Subject:           "Order " + providerID,
		From:              []models.Address{{Email: "buyer@example.com"}},
		To:                []models.Address{{Email: "seller@gmail.com"}},
		Date:              time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		BodyText:          "hello",
		IsRead:            !unread,
		Labels:            []string{"INBOX"},
	}
	if unread {
		msg.Labels = append(msg.Labels, "UNREAD")
	}
	return msg
}

type fakeGmail struct {
	mu sync.Mutex

	mailbox   []string // newest first
	unread    map[string]bool
	historyID uint64
	pages     map[string]*gmail.HistoryPage // by page token
	// historyErrs are returned by successive ListHistory calls before pages are served.
	historyErrs []error

	historyCalls []uint64
	fetchCalls   int
	watchCalls   int
	watchExpiry  time.Time
}

func newFakeGmail(ids ...string) *fakeGmail {
	return &fakeGmail{
		mailbox:     ids,
		unread:      map[string]bool{},
		historyID:   100,
		pages:       map[string]*gmail.HistoryPage{},
		watchExpiry: time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC),
	}
}

func (f *fakeGmail) Fetch(_ context.Context, _ *models.Account, opts models.FetchOptions) (*models.FetchPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	n := min(opts.EffectiveLimit(), len(f.mailbox))
	page := &models.FetchPage{TotalCount: len(f.mailbox), Pagination: models.Pagination{HasNextPage: n < len(f.mailbox)}}
	for _, id := range f.mailbox[:n] {
		page.Messages = append(page.Messages, gmailMessage(id, f.unread[id]))
	}
	return page, nil
}

func (f *fakeGmail) FetchMessages(_ context.Context, _ *models.Account, ids []string, _ bool) ([]*models.Message, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := make([]*models.Message, 0, len(ids))
	for _, id := range ids {
		msgs = append(msgs, gmailMessage(id, f.unread[id]))
	}
	return msgs, 0, nil
}

func (f *fakeGmail) CurrentHistoryID(context.Context, *models.Account) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.historyID, nil
}

func (f *fakeGmail) ListHistory(_ context.Context, _ *models.Account, startID uint64, pageToken string, _ int) (*gmail.HistoryPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyCalls = append(f.historyCalls, startID)
	if len(f.historyErrs) > 0 {
		err := f.historyErrs[0]
		f.historyErrs = f.historyErrs[1:]
		return nil, err
	}
	if page, ok := f.pages[pageToken]; ok {
		return page, nil
	}
	return &gmail.HistoryPage{HistoryID: f.historyID}, nil
}

func (f *fakeGmail) Watch(context.Context, *models.Account, string) (time.Time, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watchCalls++
	return f.watchExpiry, f.historyID, nil
}

type fakeQuota struct {
	headroom bool
}

func (q *fakeQuota) HasHeadroom(context.Context, string, int) (bool, error) {
	return q.headroom, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (p *recordingPublisher) Publish(_ string, event websocket.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) last() websocket.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		return websocket.Event{}
	}
	return p.events[len(p.events)-1]
}

// fakePager serves a fixed mailbox in pages; the cursor is the next offset.
type fakePager struct {
	ids []string
	err error
}

func (p *fakePager) ListPage(_ context.Context, _ *models.Account, cursor string, size int) (*models.FetchPage, error) {
	if p.err != nil {
		return nil, p.err
	}
	offset := 0
	if cursor != "" {
		var err error
		if offset, err = strconv.Atoi(cursor); err != nil {
			return nil, err
		}
	}
	end := min(offset+size, len(p.ids))
	page := &models.FetchPage{TotalCount: len(p.ids)}
	for _, id := range p.ids[offset:end] {
		page.Messages = append(page.Messages, gmailMessage(id, true))
	}
	if end < len(p.ids) {
		page.Pagination = models.Pagination{HasNextPage: true, NextCursor: strconv.Itoa(end)}
	}
	return page, nil
}

func messageIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("g%02d", i+1)
	}
	return ids
}

type fixture struct {
	store    *db.Store
	ingester *ingest.Ingester
	events   *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pool := testutil.NewTestDB(t)
	t.Cleanup(pool.Close)
	store := db.NewStore(pool)
	return &fixture{
		store:    store,
		ingester: ingest.NewIngester(store, threading.NewEngine(store, threading.Options{})),
		events:   &recordingPublisher{},
	}
}

func (f *fixture) gmailAccount(t *testing.T, email string, state models.SyncState) *models.Account {
	t.Helper()
	ctx := context.Background()
	userID, err := db.GetOrCreateUser(ctx, f.store.Pool(), "owner-"+email)
	require.NoError(t, err)

	acct := &models.Account{
		UserID:       userID,
		EmailAddress: email,
		Type:         models.AccountTypeGmail,
		OAuth: &models.OAuthCredential{
			Provider:              models.OAuthGoogle,
			EncryptedRefreshToken: []byte("sealed"),
		},
		SyncState: state,
	}
	require.NoError(t, f.store.CreateAccount(ctx, acct))
	return f.reload(t, acct.ID)
}

func (f *fixture) reload(t *testing.T, accountID string) *models.Account {
	t.Helper()
	acct, err := f.store.GetAccount(context.Background(), accountID)
	require.NoError(t, err)
	return acct
}
