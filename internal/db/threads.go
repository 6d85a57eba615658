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

// ErrThreadNotFound is returned when a requested thread cannot be found.
var ErrThreadNotFound = errors.New("thread not found")

const threadColumns = `
	account_id, thread_id, subject, normalized_subject, participants, message_count, unread_count,
	first_message_at, last_message_at, status, thread_type, has_attachments, total_size_bytes`

func scanThread(row pgx.Row) (*models.Thread, error) {
	var thread models.Thread
	var participants []byte
	err := row.Scan(
		&thread.AccountID,
		&thread.ThreadID,
		&thread.Subject,
		&thread.NormalizedSubject,
		&participants,
		&thread.MessageCount,
		&thread.UnreadCount,
		&thread.FirstMessageAt,
		&thread.LastMessageAt,
		&thread.Status,
		&thread.Type,
		&thread.HasAttachments,
		&thread.TotalSizeBytes,
	)
	if err != nil {
		return nil, err
	}
	if len(participants) > 0 {
		if err := json.Unmarshal(participants, &thread.Participants); err != nil {
			return nil, fmt.Errorf("failed to decode participants: %w", err)
		}
	}
	return &thread, nil
}

func addressesJSON(list []models.Address) (string, error) {
	if list == nil {
		list = []models.Address{}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CreateThread inserts a new thread. It reports false without error when a thread
// with the same id already exists for the account.
func CreateThread(ctx context.Context, q Querier, thread *models.Thread) (bool, error) {
	participants, err := addressesJSON(thread.Participants)
	if err != nil {
		return false, fmt.Errorf("failed to encode participants: %w", err)
	}

	tag, err := q.Exec(ctx, `
		INSERT INTO threads (
			account_id, thread_id, subject, normalized_subject, participants, message_count, unread_count,
			first_message_at, last_message_at, status, thread_type, has_attachments, total_size_bytes
		) VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (account_id, thread_id) DO NOTHING
	`,
		thread.AccountID,
		thread.ThreadID,
		thread.Subject,
		thread.NormalizedSubject,
		participants,
		thread.MessageCount,
		thread.UnreadCount,
		thread.FirstMessageAt,
		thread.LastMessageAt,
		thread.Status,
		thread.Type,
		thread.HasAttachments,
		thread.TotalSizeBytes,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create thread: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// ApplyMessageToThread adds one message to an existing thread with in-place increments.
func ApplyMessageToThread(ctx context.Context, q Querier, accountID, threadID string, delta models.ThreadDelta) error {
	participants, err := addressesJSON(delta.NewParticipants)
	if err != nil {
		return fmt.Errorf("failed to encode participants: %w", err)
	}

	tag, err := q.Exec(ctx, `
		UPDATE threads SET
			message_count = message_count + 1,
			unread_count = unread_count + $3,
			first_message_at = LEAST(first_message_at, $4),
			last_message_at = GREATEST(last_message_at, $4),
			participants = participants || $5::jsonb,
			has_attachments = has_attachments OR $6,
			total_size_bytes = total_size_bytes + $7,
			updated_at = now()
		WHERE account_id = $1 AND thread_id = $2
	`, accountID, threadID, delta.UnreadIncrement, delta.MessageAt, participants, delta.HasAttachments, delta.SizeBytes)
	if err != nil {
		return fmt.Errorf("failed to update thread: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrThreadNotFound
	}
	return nil
}

// AdjustThreadUnread moves the unread counter after a read-state change, never below zero.
func AdjustThreadUnread(ctx context.Context, pool *pgxpool.Pool, accountID, threadID string, delta int) error {
	_, err := pool.Exec(ctx, `
		UPDATE threads SET unread_count = GREATEST(unread_count + $3, 0), updated_at = now()
		WHERE account_id = $1 AND thread_id = $2
	`, accountID, threadID, delta)
	if err != nil {
		return fmt.Errorf("failed to adjust thread unread count: %w", err)
	}
	return nil
}

// GetThread returns a thread by account and thread id.
func GetThread(ctx context.Context, q Querier, accountID, threadID string) (*models.Thread, error) {
	thread, err := scanThread(q.QueryRow(ctx,
		`SELECT `+threadColumns+` FROM threads WHERE account_id = $1 AND thread_id = $2`, accountID, threadID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	return thread, nil
}

// FindRecentThreadBySubject returns the most recently active thread with the given
// normalized subject that lists the participant and was active at or after since.
func FindRecentThreadBySubject(ctx context.Context, q Querier, accountID, normalizedSubject, participantEmail string, since time.Time) (*models.Thread, error) {
	thread, err := scanThread(q.QueryRow(ctx, `
		SELECT `+threadColumns+`
		FROM threads
		WHERE account_id = $1
		  AND normalized_subject = $2
		  AND participants @> jsonb_build_array(jsonb_build_object('email', $3::text))
		  AND last_message_at >= $4
		ORDER BY last_message_at DESC
		LIMIT 1
	`, accountID, normalizedSubject, participantEmail, since))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find thread by subject: %w", err)
	}
	return thread, nil
}

// ListThreads returns threads for an account, most recent activity first.
func ListThreads(ctx context.Context, pool *pgxpool.Pool, accountID string, limit, offset int) ([]*models.Thread, error) {
	rows, err := pool.Query(ctx, `
		SELECT `+threadColumns+`
		FROM threads
		WHERE account_id = $1
		ORDER BY last_message_at DESC
		LIMIT $2 OFFSET $3
	`, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get threads: %w", err)
	}
	defer rows.Close()

	var threads []*models.Thread
	for rows.Next() {
		thread, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		threads = append(threads, thread)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating threads: %w", err)
	}

	return threads, nil
}

// CountThreads returns the number of threads for an account.
func CountThreads(ctx context.Context, pool *pgxpool.Pool, accountID string) (int, error) {
	var count int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM threads WHERE account_id = $1`, accountID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to get thread count: %w", err)
	}
	return count, nil
}
