package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/marketdesk/internal/models"
)

// ErrSyncInProgress is returned when another sync already holds the account's processing flag.
var ErrSyncInProgress = errors.New("sync already in progress")

// StaleSyncAfter is how long a processing flag is honored. A flag older than
// this was left by a process that died mid-sync and may be taken over.
const StaleSyncAfter = 30 * time.Minute

// AcquireSync atomically sets syncState.isProcessing for the account.
// It fails with ErrSyncInProgress when the flag is already set and younger than
// StaleSyncAfter, and returns the state as stored after acquisition otherwise.
func AcquireSync(ctx context.Context, pool *pgxpool.Pool, accountID string, now time.Time) (*models.SyncState, error) {
	patch, err := json.Marshal(map[string]any{
		"isProcessing":        true,
		"processingStartedAt": now.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode sync patch: %w", err)
	}

	var raw []byte
	err = pool.QueryRow(ctx, `
		UPDATE email_accounts
		SET sync_state = sync_state || $2::jsonb, updated_at = now()
		WHERE id = $1 AND (
			NOT COALESCE((sync_state ->> 'isProcessing')::boolean, FALSE)
			OR COALESCE((sync_state ->> 'processingStartedAt')::timestamptz < $3, TRUE)
		)
		RETURNING sync_state
	`, accountID, string(patch), now.UTC().Add(-StaleSyncAfter)).Scan(&raw)

	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM email_accounts WHERE id = $1)`, accountID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("failed to check account: %w", err)
		}
		if !exists {
			return nil, ErrAccountNotFound
		}
		return nil, ErrSyncInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire sync: %w", err)
	}

	var state models.SyncState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("failed to decode sync state: %w", err)
	}
	return &state, nil
}

// SaveSyncState writes the whole sync state document back.
func SaveSyncState(ctx context.Context, pool *pgxpool.Pool, accountID string, state *models.SyncState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode sync state: %w", err)
	}

	tag, err := pool.Exec(ctx, `
		UPDATE email_accounts SET sync_state = $2::jsonb, updated_at = now() WHERE id = $1
	`, accountID, string(raw))
	if err != nil {
		return fmt.Errorf("failed to save sync state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// SaveWatch records a renewed push watch without touching the rest of the
// sync state, which a running sync may be writing.
func SaveWatch(ctx context.Context, pool *pgxpool.Pool, accountID string, expiration, renewedAt time.Time) error {
	patch, err := json.Marshal(map[string]any{
		"watchExpiration": expiration.UTC(),
		"watchRenewedAt":  renewedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode watch patch: %w", err)
	}

	tag, err := pool.Exec(ctx, `
		UPDATE email_accounts SET sync_state = sync_state || $2::jsonb, updated_at = now() WHERE id = $1
	`, accountID, string(patch))
	if err != nil {
		return fmt.Errorf("failed to save watch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// ReleaseSync clears the processing flag and nothing else.
func ReleaseSync(ctx context.Context, pool *pgxpool.Pool, accountID string) error {
	_, err := pool.Exec(ctx, `
		UPDATE email_accounts
		SET sync_state = (sync_state - 'processingStartedAt') || '{"isProcessing": false}'::jsonb,
		    updated_at = now()
		WHERE id = $1
	`, accountID)
	if err != nil {
		return fmt.Errorf("failed to release sync: %w", err)
	}
	return nil
}
