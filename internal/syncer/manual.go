package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vdavid/marketdesk/internal/db"
	"github.com/vdavid/marketdesk/internal/models"
	"github.com/vdavid/marketdesk/internal/websocket"
)

// DefaultManualBatchSize is the number of messages one manual batch fetches.
const DefaultManualBatchSize = 50

// Pager lists a provider mailbox in fixed-size pages behind an opaque cursor.
type Pager interface {
	ListPage(ctx context.Context, acct *models.Account, cursor string, size int) (*models.FetchPage, error)
}

// CursorSource reports the provider's incremental sync cursor.
type CursorSource interface {
	CurrentHistoryID(ctx context.Context, acct *models.Account) (uint64, error)
}

// ManualSync backfills a mailbox one batch per call so the caller controls pacing.
type ManualSync struct {
	store     StateStore
	pagers    map[models.ProviderKind]Pager
	cursors   map[models.ProviderKind]CursorSource
	ingester  Ingester
	events    Publisher
	batchSize int
	now       func() time.Time
}

// NewManualSync wires the batch driver. cursors lists the providers whose
// incremental cursor is captured when a backfill completes; events may be nil.
func NewManualSync(store StateStore, pagers map[models.ProviderKind]Pager, cursors map[models.ProviderKind]CursorSource, ingester Ingester, events Publisher, batchSize int) *ManualSync {
	if batchSize <= 0 {
		batchSize = DefaultManualBatchSize
	}
	if events == nil {
		events = nopPublisher{}
	}
	return &ManualSync{
		store:     store,
		pagers:    pagers,
		cursors:   cursors,
		ingester:  ingester,
		events:    events,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// StartManualSync resets the backfill counters and processes the first batch.
// An account that is already syncing is left untouched.
func (m *ManualSync) StartManualSync(ctx context.Context, accountID string) *models.ManualSyncResult {
	return m.runBatch(ctx, accountID, true)
}

// ContinueManualSync processes the next batch of a started backfill.
func (m *ManualSync) ContinueManualSync(ctx context.Context, accountID string) *models.ManualSyncResult {
	return m.runBatch(ctx, accountID, false)
}

// StopManualSync clears the processing flag and leaves the cursor so the
// backfill can be continued later.
func (m *ManualSync) StopManualSync(ctx context.Context, accountID string) *models.ManualSyncResult {
	result := &models.ManualSyncResult{AccountID: accountID}
	if err := m.store.ReleaseSync(ctx, accountID); err != nil {
		result.Error = err.Error()
		return result
	}
	acct, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Success = true
	result.EmailAddress = acct.EmailAddress
	result.Progress = models.ProgressOf(acct.SyncState)
	return result
}

// GetManualSyncProgress reports the stored backfill progress.
func (m *ManualSync) GetManualSyncProgress(ctx context.Context, accountID string) *models.ManualSyncResult {
	result := &models.ManualSyncResult{AccountID: accountID}
	acct, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Success = true
	result.EmailAddress = acct.EmailAddress
	result.Progress = models.ProgressOf(acct.SyncState)
	return result
}

func (m *ManualSync) runBatch(ctx context.Context, accountID string, start bool) *models.ManualSyncResult {
	result := &models.ManualSyncResult{AccountID: accountID}
	acct, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.EmailAddress = acct.EmailAddress
	result.Progress = models.ProgressOf(acct.SyncState)

	pager, ok := m.pagers[acct.ProviderKind()]
	if !ok {
		result.Error = fmt.Sprintf("manual sync is not supported for %s accounts", acct.ProviderKind())
		return result
	}

	state, err := m.store.AcquireSync(ctx, accountID, m.now().UTC())
	if err != nil {
		if errors.Is(err, db.ErrSyncInProgress) {
			result.Error = SyncInProgressMessage
		} else {
			result.Error = err.Error()
		}
		return result
	}
	defer func() {
		rctx, cancel := releaseContext(ctx)
		defer cancel()
		if err := m.store.ReleaseSync(rctx, accountID); err != nil {
			log.Error().Str("account_id", accountID).Err(err).Msg("Failed to release sync guard")
		}
	}()

	if start {
		state.Status = models.SyncSyncing
		state.TotalProcessed = 0
		state.CurrentBatch = 0
		state.EstimatedTotal = 0
		state.ManualCursor = ""
		state.LastError = ""
		state.LastErrorAt = nil
	} else if state.ManualCursor == "" {
		result.Error = NothingToContinueMessage
		return result
	}

	processed, err := m.batch(ctx, acct, pager, state)
	result.BatchProcessed = processed
	if err != nil {
		state.SetError(m.now().UTC(), err)
		result.Error = err.Error()
		log.Warn().Str("account_id", accountID).Str("provider", string(acct.ProviderKind())).Err(err).Msg("Manual sync batch failed")
	} else {
		result.Success = true
	}

	state.IsProcessing = false
	state.ProcessingStartedAt = nil
	if err := m.store.SaveSyncState(ctx, accountID, state); err != nil {
		log.Error().Str("account_id", accountID).Err(err).Msg("Failed to save manual sync state")
		result.Success = false
		result.Error = err.Error()
	}
	result.Progress = models.ProgressOf(*state)
	m.publish(acct, result)
	return result
}

// batch fetches and ingests one page, then either stores the next cursor or
// finishes the backfill.
func (m *ManualSync) batch(ctx context.Context, acct *models.Account, pager Pager, state *models.SyncState) (int, error) {
	cursor := state.ManualCursor
	page, err := pager.ListPage(ctx, acct, cursor, m.batchSize)
	if err != nil {
		return 0, err
	}

	ingested := m.ingester.IngestBatch(ctx, acct, page.Messages)
	if ingested.Stopped {
		return 0, ingested.Err
	}

	state.CurrentBatch++
	state.TotalProcessed += len(page.Messages)
	if cursor == "" && page.TotalCount > 0 {
		state.EstimatedTotal = page.TotalCount
	}

	if page.Pagination.HasNextPage && page.Pagination.NextCursor != "" {
		state.ManualCursor = page.Pagination.NextCursor
		state.Status = models.SyncSyncing
		return len(page.Messages), nil
	}

	state.ManualCursor = ""
	state.Status = models.SyncComplete
	now := m.now().UTC()
	state.LastSyncAt = &now
	if src, ok := m.cursors[acct.ProviderKind()]; ok {
		id, err := src.CurrentHistoryID(ctx, acct)
		if err != nil {
			// Without a cursor the next history sync starts from the current state.
			log.Warn().Str("account_id", acct.ID).Err(err).Msg("Failed to capture history cursor")
		} else {
			state.LastHistoryID = id
		}
	}
	return len(page.Messages), nil
}

func (m *ManualSync) publish(acct *models.Account, result *models.ManualSyncResult) {
	event := websocket.Event{
		Type:      websocket.EventSyncProgress,
		AccountID: acct.ID,
		Progress:  result.Progress,
		Stored:    result.BatchProcessed,
	}
	switch {
	case !result.Success:
		event.Type = websocket.EventSyncError
		event.Error = result.Error
	case result.Progress != nil && result.Progress.Status == models.SyncComplete:
		event.Type = websocket.EventSyncComplete
	}
	if result.Progress != nil {
		event.Status = result.Progress.Status
	}
	m.events.Publish(acct.UserID, event)
}
