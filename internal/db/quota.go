package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AddQuotaUsage adds units to the account's counter for the UTC day of at and returns the new total.
func AddQuotaUsage(ctx context.Context, pool *pgxpool.Pool, accountID string, at time.Time, units int) (int, error) {
	var used int
	err := pool.QueryRow(ctx, `
		INSERT INTO provider_quota (account_id, day, units_used)
		VALUES ($1, $2::date, $3)
		ON CONFLICT (account_id, day) DO UPDATE SET units_used = provider_quota.units_used + EXCLUDED.units_used
		RETURNING units_used
	`, accountID, at.UTC().Format(time.DateOnly), units).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("failed to add quota usage: %w", err)
	}
	return used, nil
}

// GetQuotaUsage returns units used by the account on the UTC day of at.
func GetQuotaUsage(ctx context.Context, pool *pgxpool.Pool, accountID string, at time.Time) (int, error) {
	var used int
	err := pool.QueryRow(ctx, `
		SELECT COALESCE((SELECT units_used FROM provider_quota WHERE account_id = $1 AND day = $2::date), 0)
	`, accountID, at.UTC().Format(time.DateOnly)).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("failed to get quota usage: %w", err)
	}
	return used, nil
}
