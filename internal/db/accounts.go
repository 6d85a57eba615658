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

// ErrAccountNotFound is returned when a requested account cannot be found.
var ErrAccountNotFound = errors.New("account not found")

const accountColumns = `
	id, user_id, email_address, display_name, account_type, is_active, status,
	connection_status, requires_reauth,
	incoming_server, encrypted_incoming_password, outgoing_server, encrypted_outgoing_password,
	oauth_provider, encrypted_client_secret, encrypted_refresh_token, encrypted_access_token, token_expires_at,
	sync_state, total_messages, unread_messages, last_sync_at, last_error, created_at, updated_at`

func scanAccount(row pgx.Row) (*models.Account, error) {
	var acct models.Account
	var incoming, outgoing, syncState []byte
	var incomingPassword, outgoingPassword []byte
	var oauthProvider *string
	var clientSecret, refreshToken, accessToken []byte
	var tokenExpiresAt *time.Time

	err := row.Scan(
		&acct.ID,
		&acct.UserID,
		&acct.EmailAddress,
		&acct.DisplayName,
		&acct.Type,
		&acct.IsActive,
		&acct.Status,
		&acct.ConnectionStatus,
		&acct.RequiresReauth,
		&incoming,
		&incomingPassword,
		&outgoing,
		&outgoingPassword,
		&oauthProvider,
		&clientSecret,
		&refreshToken,
		&accessToken,
		&tokenExpiresAt,
		&syncState,
		&acct.Stats.TotalMessages,
		&acct.Stats.UnreadMessages,
		&acct.Stats.LastSyncAt,
		&acct.Stats.LastError,
		&acct.CreatedAt,
		&acct.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(incoming) > 0 {
		acct.Incoming = &models.ServerConfig{}
		if err := json.Unmarshal(incoming, acct.Incoming); err != nil {
			return nil, fmt.Errorf("failed to decode incoming server: %w", err)
		}
		acct.Incoming.EncryptedPassword = incomingPassword
	}
	if len(outgoing) > 0 {
		acct.Outgoing = &models.ServerConfig{}
		if err := json.Unmarshal(outgoing, acct.Outgoing); err != nil {
			return nil, fmt.Errorf("failed to decode outgoing server: %w", err)
		}
		acct.Outgoing.EncryptedPassword = outgoingPassword
	}
	if oauthProvider != nil && *oauthProvider != "" {
		acct.OAuth = &models.OAuthCredential{
			Provider:              models.OAuthProvider(*oauthProvider),
			EncryptedClientSecret: clientSecret,
			EncryptedRefreshToken: refreshToken,
			EncryptedAccessToken:  accessToken,
			ExpiresAt:             tokenExpiresAt,
		}
	}
	if len(syncState) > 0 {
		if err := json.Unmarshal(syncState, &acct.SyncState); err != nil {
			return nil, fmt.Errorf("failed to decode sync state: %w", err)
		}
	}

	return &acct, nil
}

func serverJSON(cfg *models.ServerConfig) (*string, []byte, error) {
	if cfg == nil {
		return nil, nil, nil
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return nil, nil, err
	}
	s := string(b)
	return &s, cfg.EncryptedPassword, nil
}

// CreateAccount inserts an account, or re-links an existing one for the same user and address.
// Re-linking replaces credentials and clears any error or re-auth flag but keeps sync state.
func CreateAccount(ctx context.Context, pool *pgxpool.Pool, acct *models.Account) error {
	incoming, incomingPassword, err := serverJSON(acct.Incoming)
	if err != nil {
		return fmt.Errorf("failed to encode incoming server: %w", err)
	}
	outgoing, outgoingPassword, err := serverJSON(acct.Outgoing)
	if err != nil {
		return fmt.Errorf("failed to encode outgoing server: %w", err)
	}

	var oauthProvider *string
	var clientSecret, refreshToken, accessToken []byte
	var expiresAt *time.Time
	if acct.OAuth != nil {
		p := string(acct.OAuth.Provider)
		oauthProvider = &p
		clientSecret = acct.OAuth.EncryptedClientSecret
		refreshToken = acct.OAuth.EncryptedRefreshToken
		accessToken = acct.OAuth.EncryptedAccessToken
		expiresAt = acct.OAuth.ExpiresAt
	}

	syncState, err := json.Marshal(acct.SyncState)
	if err != nil {
		return fmt.Errorf("failed to encode sync state: %w", err)
	}

	err = pool.QueryRow(ctx, `
		INSERT INTO email_accounts (
			user_id, email_address, display_name, account_type,
			incoming_server, encrypted_incoming_password, outgoing_server, encrypted_outgoing_password,
			oauth_provider, encrypted_client_secret, encrypted_refresh_token, encrypted_access_token, token_expires_at,
			sync_state
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (user_id, email_address) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			account_type = EXCLUDED.account_type,
			incoming_server = EXCLUDED.incoming_server,
			encrypted_incoming_password = EXCLUDED.encrypted_incoming_password,
			outgoing_server = EXCLUDED.outgoing_server,
			encrypted_outgoing_password = EXCLUDED.encrypted_outgoing_password,
			oauth_provider = EXCLUDED.oauth_provider,
			encrypted_client_secret = EXCLUDED.encrypted_client_secret,
			encrypted_refresh_token = COALESCE(EXCLUDED.encrypted_refresh_token, email_accounts.encrypted_refresh_token),
			encrypted_access_token = EXCLUDED.encrypted_access_token,
			token_expires_at = EXCLUDED.token_expires_at,
			is_active = TRUE,
			status = 'active',
			connection_status = 'connected',
			requires_reauth = FALSE,
			last_error = '',
			updated_at = now()
		RETURNING id, is_active, status, connection_status, requires_reauth, created_at, updated_at
	`,
		acct.UserID,
		acct.EmailAddress,
		acct.DisplayName,
		acct.Type,
		incoming,
		incomingPassword,
		outgoing,
		outgoingPassword,
		oauthProvider,
		clientSecret,
		refreshToken,
		accessToken,
		expiresAt,
		string(syncState),
	).Scan(&acct.ID, &acct.IsActive, &acct.Status, &acct.ConnectionStatus, &acct.RequiresReauth, &acct.CreatedAt, &acct.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	return nil
}

// GetAccount returns an account by id.
func GetAccount(ctx context.Context, pool *pgxpool.Pool, accountID string) (*models.Account, error) {
	acct, err := scanAccount(pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM email_accounts WHERE id = $1`, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acct, nil
}

// GetAccountForUser returns an account only if it belongs to the given user.
func GetAccountForUser(ctx context.Context, pool *pgxpool.Pool, userID, accountID string) (*models.Account, error) {
	acct, err := scanAccount(pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM email_accounts WHERE id = $1 AND user_id = $2`, accountID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acct, nil
}

// GetActiveGoogleAccountByEmail finds the active Gmail account for a push notification address.
func GetActiveGoogleAccountByEmail(ctx context.Context, pool *pgxpool.Pool, email string) (*models.Account, error) {
	acct, err := scanAccount(pool.QueryRow(ctx, `
		SELECT `+accountColumns+`
		FROM email_accounts
		WHERE lower(email_address) = lower($1) AND oauth_provider = 'google' AND is_active
		ORDER BY updated_at DESC
		LIMIT 1
	`, email))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account by email: %w", err)
	}
	return acct, nil
}

func queryAccounts(ctx context.Context, pool *pgxpool.Pool, query string, args ...any) ([]*models.Account, error) {
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, acct)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}

	return accounts, nil
}

// ListAccountsForUser returns every account of a user, active or not.
func ListAccountsForUser(ctx context.Context, pool *pgxpool.Pool, userID string) ([]*models.Account, error) {
	return queryAccounts(ctx, pool,
		`SELECT `+accountColumns+` FROM email_accounts WHERE user_id = $1 ORDER BY created_at`, userID)
}

// ListActiveAccounts returns every active account.
func ListActiveAccounts(ctx context.Context, pool *pgxpool.Pool) ([]*models.Account, error) {
	return queryAccounts(ctx, pool,
		`SELECT `+accountColumns+` FROM email_accounts WHERE is_active ORDER BY created_at`)
}

// ListWatchesExpiring returns Gmail accounts whose sync is complete and whose
// push subscription is missing or expires before the given time.
func ListWatchesExpiring(ctx context.Context, pool *pgxpool.Pool, before time.Time) ([]*models.Account, error) {
	return queryAccounts(ctx, pool, `
		SELECT `+accountColumns+`
		FROM email_accounts
		WHERE oauth_provider = 'google'
		  AND is_active
		  AND NOT requires_reauth
		  AND sync_state ->> 'status' = 'complete'
		  AND (sync_state ->> 'watchExpiration' IS NULL
		       OR (sync_state ->> 'watchExpiration')::timestamptz < $1)
		ORDER BY created_at
	`, before)
}

// SaveOAuthTokens stores a refreshed token bundle and marks the connection healthy.
func SaveOAuthTokens(ctx context.Context, pool *pgxpool.Pool, accountID string, cred *models.OAuthCredential) error {
	tag, err := pool.Exec(ctx, `
		UPDATE email_accounts SET
			encrypted_access_token = $2,
			encrypted_refresh_token = COALESCE($3, encrypted_refresh_token),
			token_expires_at = $4,
			connection_status = 'connected',
			requires_reauth = FALSE,
			status = CASE WHEN status = 'error' THEN 'active' ELSE status END,
			updated_at = now()
		WHERE id = $1
	`, accountID, cred.EncryptedAccessToken, cred.EncryptedRefreshToken, cred.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to save oauth tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// MarkReauthRequired flags the account so the user is prompted to link it again.
func MarkReauthRequired(ctx context.Context, pool *pgxpool.Pool, accountID, reason string) error {
	_, err := pool.Exec(ctx, `
		UPDATE email_accounts SET
			status = 'error',
			connection_status = 'error',
			requires_reauth = TRUE,
			last_error = $2,
			updated_at = now()
		WHERE id = $1
	`, accountID, reason)
	if err != nil {
		return fmt.Errorf("failed to mark account for re-authentication: %w", err)
	}
	return nil
}

// RecordAccountError stores the last non-terminal error without changing the connection status.
func RecordAccountError(ctx context.Context, pool *pgxpool.Pool, accountID, message string) error {
	_, err := pool.Exec(ctx, `
		UPDATE email_accounts SET last_error = $2, updated_at = now() WHERE id = $1
	`, accountID, message)
	if err != nil {
		return fmt.Errorf("failed to record account error: %w", err)
	}
	return nil
}

// SetAccountStatus changes the lifecycle flag. Inactive accounts are also marked not active.
func SetAccountStatus(ctx context.Context, pool *pgxpool.Pool, accountID string, status models.AccountStatus) error {
	_, err := pool.Exec(ctx, `
		UPDATE email_accounts SET
			status = $2,
			is_active = ($2 <> 'inactive'),
			updated_at = now()
		WHERE id = $1
	`, accountID, status)
	if err != nil {
		return fmt.Errorf("failed to set account status: %w", err)
	}
	return nil
}

// UpdateAccountStats recounts total and unread messages for the account and stamps the sync time.
func UpdateAccountStats(ctx context.Context, pool *pgxpool.Pool, accountID string, syncedAt time.Time) (*models.AccountStats, error) {
	var stats models.AccountStats
	err := pool.QueryRow(ctx, `
		UPDATE email_accounts a SET
			total_messages = c.total,
			unread_messages = c.unread,
			last_sync_at = $2,
			last_error = '',
			updated_at = now()
		FROM (
			SELECT count(*) AS total, count(*) FILTER (WHERE NOT is_read) AS unread
			FROM messages
			WHERE account_id = $1 AND NOT is_deleted
		) c
		WHERE a.id = $1
		RETURNING a.total_messages, a.unread_messages, a.last_sync_at, a.last_error
	`, accountID, syncedAt).Scan(&stats.TotalMessages, &stats.UnreadMessages, &stats.LastSyncAt, &stats.LastError)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update account stats: %w", err)
	}
	return &stats, nil
}
