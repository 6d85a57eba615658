package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/marketdesk/internal/models"
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

// Store binds the package-level queries to one pool so that services can depend
// on small interfaces and be tested with in-memory fakes.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store that uses the given database pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool for handlers that run ad-hoc queries.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// WithinTx runs fn in one transaction. Store methods called with the context
// passed to fn use that transaction; a nested call joins the outer one.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// q returns the transaction carried by ctx, or the pool.
func (s *Store) q(ctx context.Context) Querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.pool
}

func (s *Store) CreateAccount(ctx context.Context, acct *models.Account) error {
	return CreateAccount(ctx, s.pool, acct)
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	return GetAccount(ctx, s.pool, accountID)
}

func (s *Store) GetActiveGoogleAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	return GetActiveGoogleAccountByEmail(ctx, s.pool, email)
}

func (s *Store) ListWatchesExpiring(ctx context.Context, before time.Time) ([]*models.Account, error) {
	return ListWatchesExpiring(ctx, s.pool, before)
}

func (s *Store) SaveOAuthTokens(ctx context.Context, accountID string, cred *models.OAuthCredential) error {
	return SaveOAuthTokens(ctx, s.pool, accountID, cred)
}

func (s *Store) MarkReauthRequired(ctx context.Context, accountID, reason string) error {
	return MarkReauthRequired(ctx, s.pool, accountID, reason)
}

func (s *Store) RecordAccountError(ctx context.Context, accountID, message string) error {
	return RecordAccountError(ctx, s.pool, accountID, message)
}

func (s *Store) UpdateAccountStats(ctx context.Context, accountID string, syncedAt time.Time) (*models.AccountStats, error) {
	return UpdateAccountStats(ctx, s.pool, accountID, syncedAt)
}

func (s *Store) AcquireSync(ctx context.Context, accountID string, now time.Time) (*models.SyncState, error) {
	return AcquireSync(ctx, s.pool, accountID, now)
}

func (s *Store) SaveSyncState(ctx context.Context, accountID string, state *models.SyncState) error {
	return SaveSyncState(ctx, s.pool, accountID, state)
}

func (s *Store) SaveWatch(ctx context.Context, accountID string, expiration, renewedAt time.Time) error {
	return SaveWatch(ctx, s.pool, accountID, expiration, renewedAt)
}

func (s *Store) ReleaseSync(ctx context.Context, accountID string) error {
	return ReleaseSync(ctx, s.pool, accountID)
}

func (s *Store) GetThread(ctx context.Context, accountID, threadID string) (*models.Thread, error) {
	return GetThread(ctx, s.q(ctx), accountID, threadID)
}

func (s *Store) ThreadIDsForMessageIDs(ctx context.Context, accountID string, messageIDs []string) (map[string]string, error) {
	return ThreadIDsForMessageIDs(ctx, s.q(ctx), accountID, messageIDs)
}

func (s *Store) FindRecentThreadBySubject(ctx context.Context, accountID, normalizedSubject, participantEmail string, since time.Time) (*models.Thread, error) {
	return FindRecentThreadBySubject(ctx, s.q(ctx), accountID, normalizedSubject, participantEmail, since)
}

func (s *Store) CreateThread(ctx context.Context, thread *models.Thread) (bool, error) {
	return CreateThread(ctx, s.q(ctx), thread)
}

func (s *Store) ApplyMessageToThread(ctx context.Context, accountID, threadID string, delta models.ThreadDelta) error {
	return ApplyMessageToThread(ctx, s.q(ctx), accountID, threadID, delta)
}

func (s *Store) AdjustThreadUnread(ctx context.Context, accountID, threadID string, delta int) error {
	return AdjustThreadUnread(ctx, s.pool, accountID, threadID, delta)
}

func (s *Store) MessageExists(ctx context.Context, accountID, messageID string) (bool, error) {
	return MessageExists(ctx, s.q(ctx), accountID, messageID)
}

func (s *Store) FilterExistingProviderIDs(ctx context.Context, accountID string, providerIDs []string) (map[string]bool, error) {
	return FilterExistingProviderIDs(ctx, s.pool, accountID, providerIDs)
}

func (s *Store) InsertMessage(ctx context.Context, msg *models.Message) (bool, error) {
	return InsertMessage(ctx, s.q(ctx), msg)
}

func (s *Store) GetMessage(ctx context.Context, accountID, messageID string) (*models.Message, error) {
	return GetMessage(ctx, s.pool, accountID, messageID)
}

func (s *Store) MarkMessagesDeleted(ctx context.Context, accountID string, providerIDs []string) (int, error) {
	return MarkMessagesDeleted(ctx, s.pool, accountID, providerIDs)
}

func (s *Store) UpdateMessageLabels(ctx context.Context, accountID, providerID string, add, remove []string) (*LabelChange, error) {
	return UpdateMessageLabels(ctx, s.pool, accountID, providerID, add, remove)
}

func (s *Store) AddQuotaUsage(ctx context.Context, accountID string, at time.Time, units int) (int, error) {
	return AddQuotaUsage(ctx, s.pool, accountID, at, units)
}

func (s *Store) GetQuotaUsage(ctx context.Context, accountID string, at time.Time) (int, error) {
	return GetQuotaUsage(ctx, s.pool, accountID, at)
}

func (s *Store) GetAccountForUser(ctx context.Context, userID, accountID string) (*models.Account, error) {
	return GetAccountForUser(ctx, s.pool, userID, accountID)
}

func (s *Store) ListAccountsForUser(ctx context.Context, userID string) ([]*models.Account, error) {
	return ListAccountsForUser(ctx, s.pool, userID)
}

func (s *Store) ListActiveAccounts(ctx context.Context) ([]*models.Account, error) {
	return ListActiveAccounts(ctx, s.pool)
}

func (s *Store) SetAccountStatus(ctx context.Context, accountID string, status models.AccountStatus) error {
	return SetAccountStatus(ctx, s.pool, accountID, status)
}

func (s *Store) GetOrCreateUser(ctx context.Context, email string) (string, error) {
	return GetOrCreateUser(ctx, s.pool, email)
}

func (s *Store) ListThreads(ctx context.Context, accountID string, limit, offset int) ([]*models.Thread, error) {
	return ListThreads(ctx, s.pool, accountID, limit, offset)
}

func (s *Store) CountThreads(ctx context.Context, accountID string) (int, error) {
	return CountThreads(ctx, s.pool, accountID)
}

func (s *Store) GetMessagesForThread(ctx context.Context, accountID, threadID string) ([]*models.Message, error) {
	return GetMessagesForThread(ctx, s.pool, accountID, threadID)
}
