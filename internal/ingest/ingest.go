// Package ingest stores normalized messages exactly once and threads them.
package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vdavid/marketdesk/internal/mailerr"
	"github.com/vdavid/marketdesk/internal/models"
	"github.com/vdavid/marketdesk/internal/threading"
)

// Store is the message persistence used by the Ingester.
type Store interface {
	MessageExists(ctx context.Context, accountID, messageID string) (bool, error)
	InsertMessage(ctx context.Context, msg *models.Message) (bool, error)
	UpdateAccountStats(ctx context.Context, accountID string, syncedAt time.Time) (*models.AccountStats, error)
	// WithinTx runs fn in one transaction; store calls made with fn's context join it.
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Threader assigns a message to a thread and then records it there.
type Threader interface {
	AssignThread(ctx context.Context, accountID string, msg *models.Message) threading.Resolution
	RecordMessage(ctx context.Context, accountID string, msg *models.Message, res threading.Resolution) error
}

// Outcome is what happened to one message.
type Outcome int

const (
	Stored Outcome = iota
	Duplicate
)

// BatchResult summarizes IngestBatch.
type BatchResult struct {
	Stored     int
	Duplicates int
	// Stopped is true when a storage error cut the batch short; Err holds the cause.
	Stopped bool
	Err     error
	Stats   *models.AccountStats
}

// Ingester runs the dedupe → thread → insert pipeline.
type Ingester struct {
	store    Store
	threader Threader
	now      func() time.Time
}

func NewIngester(store Store, threader Threader) *Ingester {
	return &Ingester{store: store, threader: threader, now: time.Now}
}

// Ingest stores msg for the account unless a message with the same id exists.
// Any returned error wraps mailerr.ErrStorage.
func (i *Ingester) Ingest(ctx context.Context, acct *models.Account, msg *models.Message) (Outcome, error) {
	msg.AccountID = acct.ID
	if msg.ParentMessageID == "" {
		msg.DeriveParent()
	}

	exists, err := i.store.MessageExists(ctx, acct.ID, msg.MessageID)
	if err != nil {
		return 0, mailerr.New(string(acct.ProviderKind()), "ingest", mailerr.ErrStorage, err)
	}
	if exists {
		return Duplicate, nil
	}

	// The message row goes in first. A concurrent insert of the same id blocks
	// on the unique index and then conflicts, so only the winner touches the thread.
	outcome := Stored
	err = i.store.WithinTx(ctx, func(ctx context.Context) error {
		res := i.threader.AssignThread(ctx, acct.ID, msg)
		inserted, err := i.store.InsertMessage(ctx, msg)
		if err != nil {
			return err
		}
		if !inserted {
			outcome = Duplicate
			return nil
		}
		return i.threader.RecordMessage(ctx, acct.ID, msg, res)
	})
	if err != nil {
		msg.ID = ""
		msg.ThreadID = ""
		return 0, mailerr.New(string(acct.ProviderKind()), "ingest", mailerr.ErrStorage, err)
	}
	if outcome == Duplicate {
		msg.ThreadID = ""
	}
	return outcome, nil
}

// IngestBatch ingests messages in the given order. The first storage error stops
// the batch; the remaining messages are left for the next run. Account stats are
// refreshed when anything was stored.
func (i *Ingester) IngestBatch(ctx context.Context, acct *models.Account, msgs []*models.Message) *BatchResult {
	result := &BatchResult{}
	for idx, msg := range msgs {
		outcome, err := i.Ingest(ctx, acct, msg)
		if err != nil {
			log.Error().Str("account_id", acct.ID).Str("message_id", msg.MessageID).Err(err).
				Int("remaining", len(msgs)-idx).Msg("Storage failed, stopping batch")
			result.Stopped = true
			result.Err = err
			break
		}
		switch outcome {
		case Stored:
			result.Stored++
		case Duplicate:
			result.Duplicates++
		}
	}

	if result.Stored > 0 && !errors.Is(result.Err, mailerr.ErrStorage) {
		stats, err := i.store.UpdateAccountStats(ctx, acct.ID, i.now().UTC())
		if err != nil {
			log.Warn().Str("account_id", acct.ID).Err(err).Msg("Failed to update account stats")
		} else {
			result.Stats = stats
			acct.Stats = *stats
		}
	}
	return result
}
