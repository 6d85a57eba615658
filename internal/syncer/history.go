package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vdavid/marketdesk/internal/db"
	"github.com/vdavid/marketdesk/internal/gmail"
	"github.com/vdavid/marketdesk/internal/mailerr"
	"github.com/vdavid/marketdesk/internal/models"
	"github.com/vdavid/marketdesk/internal/quota"
	"github.com/vdavid/marketdesk/internal/websocket"
)

const (
	// WatchRenewWindow is how close to expiry a Gmail watch gets re-registered.
	WatchRenewWindow = 24 * time.Hour

	defaultHistoryBatch = 100
	defaultInitialLimit = 100
)

// HistoryOptions configures HistorySync.
type HistoryOptions struct {
	// Topic is the Pub/Sub topic watches publish to; empty disables watches.
	Topic        string
	BatchSize    int
	InitialLimit int
}

// HistorySync runs Gmail's incremental sync state machine:
// initial → historical → complete, with error as the failure state.
type HistorySync struct {
	store    HistoryStore
	gmail    GmailAPI
	ingester Ingester
	quota    QuotaGuard
	events   Publisher
	opts     HistoryOptions
	now      func() time.Time
}

// NewHistorySync wires the history engine. events may be nil.
func NewHistorySync(store HistoryStore, api GmailAPI, ingester Ingester, guard QuotaGuard, events Publisher, opts HistoryOptions) *HistorySync {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultHistoryBatch
	}
	if opts.InitialLimit <= 0 {
		opts.InitialLimit = defaultInitialLimit
	}
	if events == nil {
		events = nopPublisher{}
	}
	return &HistorySync{
		store:    store,
		gmail:    api,
		ingester: ingester,
		quota:    guard,
		events:   events,
		opts:     opts,
		now:      time.Now,
	}
}

// SyncGmailWithHistoryAPI advances the account's sync state as far as it can
// in one call. It never runs concurrently with another sync of the same account.
func (h *HistorySync) SyncGmailWithHistoryAPI(ctx context.Context, acct *models.Account, opts models.FetchOptions) *models.FetchResult {
	result := &models.FetchResult{
		AccountID:    acct.ID,
		EmailAddress: acct.EmailAddress,
		Provider:     models.ProviderGmail,
		SyncStatus:   acct.SyncState.Status,
	}
	if acct.ProviderKind() != models.ProviderGmail {
		result.Error = "history sync requires a Gmail account"
		return result
	}

	state, err := h.store.AcquireSync(ctx, acct.ID, h.now().UTC())
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
		if err := h.store.ReleaseSync(rctx, acct.ID); err != nil {
			log.Error().Str("account_id", acct.ID).Err(err).Msg("Failed to release sync guard")
		}
	}()

	err = h.run(ctx, acct, state, opts, result)
	now := h.now().UTC()
	if err != nil {
		state.SetError(now, err)
		result.Error = err.Error()
		result.RequiresReauth = mailerr.RequiresReauth(err)
		log.Warn().Str("account_id", acct.ID).Str("provider", "gmail").Err(err).Msg("History sync failed")
	} else {
		state.LastSyncAt = &now
		result.Success = true
	}

	if err := h.saveState(ctx, acct, state); err != nil {
		log.Error().Str("account_id", acct.ID).Err(err).Msg("Failed to save sync state")
		if result.Success {
			result.Success = false
			result.Error = err.Error()
		}
	}
	result.SyncStatus = state.Status
	h.publish(acct, result)
	return result
}

func (h *HistorySync) run(ctx context.Context, acct *models.Account, state *models.SyncState, opts models.FetchOptions, result *models.FetchResult) error {
	resumePhase(state)

	reset := false
	for {
		if state.Status == models.SyncInitial {
			if err := h.initial(ctx, acct, state, opts, result); err != nil {
				return err
			}
		}

		err := h.replay(ctx, acct, state, result)
		if errors.Is(err, mailerr.ErrNotFound) && !reset {
			log.Warn().Str("account_id", acct.ID).Uint64("history_id", state.LastHistoryID).
				Msg("History cursor expired, restarting initial sync")
			reset = true
			state.Status = models.SyncInitial
			state.LastHistoryID = 0
			state.NextPageToken = ""
			continue
		}
		if err != nil {
			return err
		}
		if result.QuotaExhausted {
			return nil
		}

		state.Status = models.SyncComplete
		if state.ManualCursor != "" {
			// A manual backfill is still between batches.
			state.Status = models.SyncSyncing
		}
		h.ensureWatch(ctx, acct, state)
		return nil
	}
}

// resumePhase picks the phase to continue from after a failure or a manual
// backfill. The manual cursor is kept so the backfill can still be continued.
func resumePhase(state *models.SyncState) {
	switch state.Status {
	case models.SyncHistorical, models.SyncComplete:
		return
	}
	state.NextPageToken = ""
	if state.LastHistoryID > 0 {
		state.Status = models.SyncHistorical
		return
	}
	state.Status = models.SyncInitial
}

// initial ingests a bounded first page and takes the history cursor from
// before the fetch, so mail arriving meanwhile is replayed and deduplicated.
func (h *HistorySync) initial(ctx context.Context, acct *models.Account, state *models.SyncState, opts models.FetchOptions, result *models.FetchResult) error {
	startID, err := h.gmail.CurrentHistoryID(ctx, acct)
	if err != nil {
		return err
	}

	fetchOpts := opts
	fetchOpts.UseHistoryAPI = false
	fetchOpts.FetchAll = false
	fetchOpts.IncludeBody = true
	if !fetchOpts.Paged() && fetchOpts.Limit <= 0 {
		fetchOpts.Limit = h.opts.InitialLimit
	}

	page, err := h.gmail.Fetch(ctx, acct, fetchOpts)
	if err != nil {
		return err
	}
	batch := h.ingester.IngestBatch(ctx, acct, page.Messages)
	result.Messages = append(result.Messages, page.Messages...)
	result.TotalCount = page.TotalCount
	result.Pagination = page.Pagination
	result.Stored += batch.Stored
	result.Duplicates += batch.Duplicates
	if batch.Stopped {
		return batch.Err
	}

	state.Status = models.SyncHistorical
	state.LastHistoryID = startID
	state.NextPageToken = ""
	if state.ManualCursor == "" {
		state.TotalProcessed = len(page.Messages)
		state.EstimatedTotal = page.TotalCount
		state.CurrentBatch = 1
	}
	return h.saveState(ctx, acct, state)
}

// replay applies history pages from the stored cursor. The cursor only moves
// after the last page; a saved page token resumes an interrupted walk.
func (h *HistorySync) replay(ctx context.Context, acct *models.Account, state *models.SyncState, result *models.FetchResult) error {
	if state.LastHistoryID == 0 {
		id, err := h.gmail.CurrentHistoryID(ctx, acct)
		if err != nil {
			return err
		}
		log.Info().Str("account_id", acct.ID).Uint64("history_id", id).Msg("No history cursor, starting from current mailbox state")
		state.LastHistoryID = id
		state.NextPageToken = ""
		return nil
	}

	pageToken := state.NextPageToken
	pageCost := quota.CostHistoryList + h.opts.BatchSize*quota.CostMessagesGet
	for {
		ok, err := h.quota.HasHeadroom(ctx, acct.ID, pageCost)
		if err != nil {
			return mailerr.New("gmail", "quota", mailerr.ErrStorage, err)
		}
		if !ok {
			log.Warn().Str("account_id", acct.ID).Msg("Gmail quota nearly exhausted, pausing history sync")
			result.QuotaExhausted = true
			state.NextPageToken = pageToken
			return nil
		}

		page, err := h.gmail.ListHistory(ctx, acct, state.LastHistoryID, pageToken, h.opts.BatchSize)
		if err != nil {
			return err
		}
		if err := h.apply(ctx, acct, state, page, result); err != nil {
			return err
		}
		if state.ManualCursor == "" {
			state.CurrentBatch++
		}

		if page.NextPageToken == "" {
			if page.HistoryID > state.LastHistoryID {
				state.LastHistoryID = page.HistoryID
			}
			state.NextPageToken = ""
			return nil
		}
		pageToken = page.NextPageToken
		state.NextPageToken = pageToken
		if err := h.saveState(ctx, acct, state); err != nil {
			return err
		}
	}
}

// apply ingests added messages, soft-deletes removed ones and mirrors label
// changes, keeping thread unread counts in step with read flags.
func (h *HistorySync) apply(ctx context.Context, acct *models.Account, state *models.SyncState, page *gmail.HistoryPage, result *models.FetchResult) error {
	if len(page.Added) > 0 {
		existing, err := h.store.FilterExistingProviderIDs(ctx, acct.ID, page.Added)
		if err != nil {
			return mailerr.New("gmail", "history", mailerr.ErrStorage, err)
		}
		fresh := make([]string, 0, len(page.Added))
		for _, id := range page.Added {
			if !existing[id] {
				fresh = append(fresh, id)
			}
		}

		if len(fresh) > 0 {
			msgs, skipped, err := h.gmail.FetchMessages(ctx, acct, fresh, true)
			if err != nil {
				return err
			}
			if skipped > 0 {
				log.Debug().Str("account_id", acct.ID).Int("skipped", skipped).Msg("Skipped history messages")
			}
			batch := h.ingester.IngestBatch(ctx, acct, msgs)
			result.Messages = append(result.Messages, msgs...)
			result.Stored += batch.Stored
			result.Duplicates += batch.Duplicates
			state.TotalProcessed += len(msgs)
			if batch.Stopped {
				return batch.Err
			}
		}
	}

	if len(page.Deleted) > 0 {
		if _, err := h.store.MarkMessagesDeleted(ctx, acct.ID, page.Deleted); err != nil {
			return mailerr.New("gmail", "history", mailerr.ErrStorage, err)
		}
	}

	for _, lc := range page.LabelChanges {
		change, err := h.store.UpdateMessageLabels(ctx, acct.ID, lc.ProviderID, lc.Added, lc.Removed)
		if errors.Is(err, db.ErrMessageNotFound) {
			continue
		}
		if err != nil {
			return mailerr.New("gmail", "history", mailerr.ErrStorage, err)
		}
		if change.WasRead == change.IsRead || change.ThreadID == "" {
			continue
		}
		delta := 1
		if change.IsRead {
			delta = -1
		}
		if err := h.store.AdjustThreadUnread(ctx, acct.ID, change.ThreadID, delta); err != nil {
			log.Warn().Str("account_id", acct.ID).Str("thread_id", change.ThreadID).Err(err).Msg("Failed to adjust unread count")
		}
	}
	return nil
}

// ensureWatch registers a push watch when one is configured and missing or
// about to expire. Failures are logged; the next renewal pass retries.
func (h *HistorySync) ensureWatch(ctx context.Context, acct *models.Account, state *models.SyncState) {
	now := h.now().UTC()
	if h.opts.Topic == "" || !state.WatchExpiresWithin(now, WatchRenewWindow) {
		return
	}
	expiration, _, err := h.gmail.Watch(ctx, acct, h.opts.Topic)
	if err != nil {
		log.Warn().Str("account_id", acct.ID).Err(err).Msg("Failed to register Gmail watch")
		return
	}
	state.WatchExpiration = &expiration
	state.WatchRenewedAt = &now
}

// RenewWatches re-registers every Gmail watch expiring within WatchRenewWindow
// and returns how many were renewed.
func (h *HistorySync) RenewWatches(ctx context.Context) (int, error) {
	if h.opts.Topic == "" {
		return 0, nil
	}
	now := h.now().UTC()
	accounts, err := h.store.ListWatchesExpiring(ctx, now.Add(WatchRenewWindow))
	if err != nil {
		return 0, fmt.Errorf("failed to list expiring watches: %w", err)
	}

	renewed := 0
	for _, acct := range accounts {
		if ctx.Err() != nil {
			return renewed, ctx.Err()
		}
		if acct.SyncState.IsProcessing {
			// The running sync writes its own state back and renews on completion.
			continue
		}
		expiration, _, err := h.gmail.Watch(ctx, acct, h.opts.Topic)
		if err != nil {
			log.Warn().Str("account_id", acct.ID).Err(err).Msg("Failed to renew Gmail watch")
			continue
		}
		if err := h.store.SaveWatch(ctx, acct.ID, expiration, now); err != nil {
			log.Warn().Str("account_id", acct.ID).Err(err).Msg("Failed to save renewed watch")
			continue
		}
		renewed++
	}
	if renewed > 0 {
		log.Info().Int("renewed", renewed).Msg("Renewed Gmail watches")
	}
	return renewed, nil
}

func (h *HistorySync) saveState(ctx context.Context, acct *models.Account, state *models.SyncState) error {
	if state.IsProcessing {
		// Each saved page proves the sync is alive and keeps the guard from going stale.
		now := h.now().UTC()
		state.ProcessingStartedAt = &now
	}
	if err := h.store.SaveSyncState(ctx, acct.ID, state); err != nil {
		return mailerr.New("gmail", "sync_state", mailerr.ErrStorage, err)
	}
	acct.SyncState = *state
	return nil
}

func (h *HistorySync) publish(acct *models.Account, result *models.FetchResult) {
	event := websocket.Event{
		Type:      websocket.EventSyncComplete,
		AccountID: acct.ID,
		Status:    result.SyncStatus,
		Stored:    result.Stored,
	}
	if !result.Success {
		event.Type = websocket.EventSyncError
		event.Error = result.Error
	}
	h.events.Publish(acct.UserID, event)
}
