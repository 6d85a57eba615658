// Package syncer orchestrates account synchronization on top of the fetchers
// and the ingestion pipeline: Gmail History API replay with quota guarding and
// watch renewal, and batch-by-batch manual backfills for every provider.
package syncer

import (
	"context"
	"time"

	"github.com/vdavid/marketdesk/internal/db"
	"github.com/vdavid/marketdesk/internal/gmail"
	"github.com/vdavid/marketdesk/internal/ingest"
	"github.com/vdavid/marketdesk/internal/models"
	"github.com/vdavid/marketdesk/internal/websocket"
)

// SyncInProgressMessage is the result error when another sync holds the account.
const SyncInProgressMessage = "sync already in progress"

// NothingToContinueMessage is the result error of a continue without a pending batch.
const NothingToContinueMessage = "no manual sync to continue"

// StateStore holds the per-account sync state document and its processing guard.
type StateStore interface {
	GetAccount(ctx context.Context, accountID string) (*models.Account, error)
	AcquireSync(ctx context.Context, accountID string, now time.Time) (*models.SyncState, error)
	SaveSyncState(ctx context.Context, accountID string, state *models.SyncState) error
	ReleaseSync(ctx context.Context, accountID string) error
}

// HistoryStore adds the message mutations replayed from Gmail history.
type HistoryStore interface {
	StateStore
	ListWatchesExpiring(ctx context.Context, before time.Time) ([]*models.Account, error)
	SaveWatch(ctx context.Context, accountID string, expiration, renewedAt time.Time) error
	FilterExistingProviderIDs(ctx context.Context, accountID string, providerIDs []string) (map[string]bool, error)
	MarkMessagesDeleted(ctx context.Context, accountID string, providerIDs []string) (int, error)
	UpdateMessageLabels(ctx context.Context, accountID, providerID string, add, remove []string) (*db.LabelChange, error)
	AdjustThreadUnread(ctx context.Context, accountID, threadID string, delta int) error
}

// GmailAPI is the part of the Gmail client the history engine drives.
type GmailAPI interface {
	Fetch(ctx context.Context, acct *models.Account, opts models.FetchOptions) (*models.FetchPage, error)
	FetchMessages(ctx context.Context, acct *models.Account, ids []string, includeBody bool) ([]*models.Message, int, error)
	CurrentHistoryID(ctx context.Context, acct *models.Account) (uint64, error)
	ListHistory(ctx context.Context, acct *models.Account, startID uint64, pageToken string, maxResults int) (*gmail.HistoryPage, error)
	Watch(ctx context.Context, acct *models.Account, topic string) (time.Time, uint64, error)
}

// Ingester stores fetched messages.
type Ingester interface {
	IngestBatch(ctx context.Context, acct *models.Account, msgs []*models.Message) *ingest.BatchResult
}

// QuotaGuard reports whether an account can afford more API units today.
type QuotaGuard interface {
	HasHeadroom(ctx context.Context, accountID string, units int) (bool, error)
}

// Publisher delivers events to the account owner's sessions.
type Publisher interface {
	Publish(userID string, event websocket.Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, websocket.Event) {}

// releaseContext keeps the guard release alive when the caller's context is canceled.
func releaseContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
}
