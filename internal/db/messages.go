package db

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/marketdesk/internal/models"
)

// ErrMessageNotFound is returned when a requested message cannot be found.
var ErrMessageNotFound = errors.New("message not found")

const messageColumns = `
	id, account_id, message_id, provider_message_id, provider_thread_id, thread_id, subject,
	from_addresses, to_addresses, cc_addresses, bcc_addresses, sent_at, body_text, body_html,
	attachments, is_read, in_reply_to, references_ids, parent_message_id, labels, category,
	folder, size_bytes, is_deleted`

func scanMessage(row pgx.Row) (*models.Message, error) {
	var msg models.Message
	var from, to, cc, bcc, attachments []byte
	err := row.Scan(
		&msg.ID,
		&msg.AccountID,
		&msg.MessageID,
		&msg.ProviderMessageID,
		&msg.ProviderThreadID,
		&msg.ThreadID,
		&msg.Subject,
		&from,
		&to,
		&cc,
		&bcc,
		&msg.Date,
		&msg.BodyText,
		&msg.BodyHTML,
		&attachments,
		&msg.IsRead,
		&msg.InReplyTo,
		&msg.References,
		&msg.ParentMessageID,
		&msg.Labels,
		&msg.Category,
		&msg.Folder,
		&msg.SizeBytes,
		&msg.IsDeleted,
	)
	if err != nil {
		return nil, err
	}

	for _, f := range []struct {
		raw []byte
		dst any
	}{
		{from, &msg.From},
		{to, &msg.To},
		{cc, &msg.Cc},
		{bcc, &msg.Bcc},
		{attachments, &msg.Attachments},
	} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("failed to decode message column: %w", err)
		}
	}

	return &msg, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// MessageExists reports whether the account already stores a message with this id.
func MessageExists(ctx context.Context, q Querier, accountID, messageID string) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM messages WHERE account_id = $1 AND message_id = $2)
	`, accountID, messageID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check message: %w", err)
	}
	return exists, nil
}

// FilterExistingProviderIDs returns the subset of provider message ids already stored for the account.
func FilterExistingProviderIDs(ctx context.Context, pool *pgxpool.Pool, accountID string, providerIDs []string) (map[string]bool, error) {
	existing := make(map[string]bool)
	if len(providerIDs) == 0 {
		return existing, nil
	}

	rows, err := pool.Query(ctx, `
		SELECT provider_message_id FROM messages
		WHERE account_id = $1 AND provider_message_id = ANY($2)
	`, accountID, providerIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to check provider ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan provider id: %w", err)
		}
		existing[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating provider ids: %w", err)
	}
	return existing, nil
}

// ThreadIDsForMessageIDs maps stored message ids of the account to their thread ids.
func ThreadIDsForMessageIDs(ctx context.Context, q Querier, accountID string, messageIDs []string) (map[string]string, error) {
	out := make(map[string]string)
	if len(messageIDs) == 0 {
		return out, nil
	}

	rows, err := q.Query(ctx, `
		SELECT message_id, thread_id FROM messages
		WHERE account_id = $1 AND message_id = ANY($2) AND thread_id <> ''
	`, accountID, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to look up message threads: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var messageID, threadID string
		if err := rows.Scan(&messageID, &threadID); err != nil {
			return nil, fmt.Errorf("failed to scan message thread: %w", err)
		}
		out[messageID] = threadID
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message threads: %w", err)
	}
	return out, nil
}

// InsertMessage stores a message unless the account already has one with the same id.
// It reports whether a row was inserted.
func InsertMessage(ctx context.Context, q Querier, msg *models.Message) (bool, error) {
	from, err := addressesJSON(msg.From)
	if err != nil {
		return false, fmt.Errorf("failed to encode from: %w", err)
	}
	to, err := addressesJSON(msg.To)
	if err != nil {
		return false, fmt.Errorf("failed to encode to: %w", err)
	}
	cc, err := addressesJSON(msg.Cc)
	if err != nil {
		return false, fmt.Errorf("failed to encode cc: %w", err)
	}
	bcc, err := addressesJSON(msg.Bcc)
	if err != nil {
		return false, fmt.Errorf("failed to encode bcc: %w", err)
	}
	attachments := msg.Attachments
	if attachments == nil {
		attachments = []models.Attachment{}
	}
	attachmentsJSON, err := json.Marshal(attachments)
	if err != nil {
		return false, fmt.Errorf("failed to encode attachments: %w", err)
	}

	var id string
	err = q.QueryRow(ctx, `
		INSERT INTO messages (
			account_id, message_id, provider_message_id, provider_thread_id, thread_id, subject,
			from_addresses, to_addresses, cc_addresses, bcc_addresses, sent_at, body_text, body_html,
			attachments, is_read, in_reply_to, references_ids, parent_message_id, labels, category,
			folder, size_bytes
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9::jsonb, $10::jsonb, $11, $12, $13,
			$14::jsonb, $15, $16, $17, $18, $19, $20, $21, $22
		)
		ON CONFLICT (account_id, message_id) DO NOTHING
		RETURNING id
	`,
		msg.AccountID,
		msg.MessageID,
		msg.ProviderMessageID,
		msg.ProviderThreadID,
		msg.ThreadID,
		msg.Subject,
		from,
		to,
		cc,
		bcc,
		msg.Date,
		msg.BodyText,
		msg.BodyHTML,
		string(attachmentsJSON),
		msg.IsRead,
		msg.InReplyTo,
		nonNilStrings(msg.References),
		msg.ParentMessageID,
		nonNilStrings(msg.Labels),
		msg.Category,
		msg.Folder,
		msg.SizeBytes,
	).Scan(&id)

	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to save message: %w", err)
	}

	msg.ID = id
	return true, nil
}

// GetMessage returns a message by RFC822 id or provider id.
func GetMessage(ctx context.Context, pool *pgxpool.Pool, accountID, messageID string) (*models.Message, error) {
	msg, err := scanMessage(pool.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE account_id = $1 AND (message_id = $2 OR provider_message_id = $2)
		ORDER BY (message_id = $2) DESC
		LIMIT 1
	`, accountID, messageID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

// GetMessagesForThread returns the non-deleted messages of a thread in date order.
func GetMessagesForThread(ctx context.Context, pool *pgxpool.Pool, accountID, threadID string) ([]*models.Message, error) {
	rows, err := pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE account_id = $1 AND thread_id = $2 AND NOT is_deleted
		ORDER BY sent_at
	`, accountID, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	return messages, nil
}

// MarkMessagesDeleted soft-deletes messages by provider id and returns how many changed.
func MarkMessagesDeleted(ctx context.Context, pool *pgxpool.Pool, accountID string, providerIDs []string) (int, error) {
	if len(providerIDs) == 0 {
		return 0, nil
	}
	tag, err := pool.Exec(ctx, `
		UPDATE messages SET is_deleted = TRUE, deleted_at = now()
		WHERE account_id = $1 AND provider_message_id = ANY($2) AND NOT is_deleted
	`, accountID, providerIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to mark messages deleted: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// LabelChange is the outcome of UpdateMessageLabels.
type LabelChange struct {
	ThreadID string
	WasRead  bool
	IsRead   bool
}

// UpdateMessageLabels adds and removes labels on a message identified by provider id.
// Adding UNREAD marks it unread; removing UNREAD marks it read.
func UpdateMessageLabels(ctx context.Context, pool *pgxpool.Pool, accountID, providerID string, add, remove []string) (*LabelChange, error) {
	var change LabelChange
	err := pool.QueryRow(ctx, `
		UPDATE messages m SET
			labels = ARRAY(
				SELECT DISTINCT l FROM unnest(m.labels || $3::text[]) AS l
				WHERE NOT (l = ANY($4::text[]))
			),
			is_read = CASE
				WHEN 'UNREAD' = ANY($3::text[]) THEN FALSE
				WHEN 'UNREAD' = ANY($4::text[]) THEN TRUE
				ELSE m.is_read
			END
		FROM (
			SELECT id, is_read AS was_read FROM messages
			WHERE account_id = $1 AND provider_message_id = $2
			FOR UPDATE
		) old
		WHERE m.id = old.id
		RETURNING m.thread_id, old.was_read, m.is_read
	`, accountID, providerID, nonNilStrings(add), nonNilStrings(remove)).Scan(&change.ThreadID, &change.WasRead, &change.IsRead)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update labels: %w", err)
	}
	return &change, nil
}
