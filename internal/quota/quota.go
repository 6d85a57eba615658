// Package quota tracks Gmail API quota units per account and paces per-message provider calls.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Gmail API quota units per method.
const (
	CostGetProfile   = 1
	CostHistoryList  = 2
	CostMessagesList = 5
	CostMessagesGet  = 5
	CostModify       = 5
	CostDraftsCreate = 10
	CostWatch        = 100
)

// Store keeps the daily counters.
type Store interface {
	AddQuotaUsage(ctx context.Context, accountID string, at time.Time, units int) (int, error)
	GetQuotaUsage(ctx context.Context, accountID string, at time.Time) (int, error)
}

// Tracker enforces a daily unit budget with a safety margin.
type Tracker struct {
	store      Store
	dailyLimit int
	margin     int
	now        func() time.Time
}

func NewTracker(store Store, dailyLimit, margin int) *Tracker {
	return &Tracker{store: store, dailyLimit: dailyLimit, margin: margin, now: time.Now}
}

// Remaining returns the units left today for the account.
func (t *Tracker) Remaining(ctx context.Context, accountID string) (int, error) {
	used, err := t.store.GetQuotaUsage(ctx, accountID, t.now())
	if err != nil {
		return 0, fmt.Errorf("failed to read quota: %w", err)
	}
	return t.dailyLimit - used, nil
}

// HasHeadroom reports whether spending units would still leave the safety margin.
func (t *Tracker) HasHeadroom(ctx context.Context, accountID string, units int) (bool, error) {
	remaining, err := t.Remaining(ctx, accountID)
	if err != nil {
		return false, err
	}
	return remaining-units >= t.margin, nil
}

// Consume records spent units.
func (t *Tracker) Consume(ctx context.Context, accountID string, units int) error {
	if units <= 0 {
		return nil
	}
	if _, err := t.store.AddQuotaUsage(ctx, accountID, t.now(), units); err != nil {
		return fmt.Errorf("failed to record quota: %w", err)
	}
	return nil
}

// Limiters hands out one token bucket per account.
type Limiters struct {
	mu       sync.Mutex
	interval time.Duration
	burst    int
	limiters map[string]*rate.Limiter
}

// NewLimiters allows one call per interval per account with a small burst.
// A zero interval disables pacing.
func NewLimiters(interval time.Duration) *Limiters {
	return &Limiters{
		interval: interval,
		burst:    5,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *Limiters) get(accountID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[accountID]
	if !ok {
		limit := rate.Inf
		if l.interval > 0 {
			limit = rate.Every(l.interval)
		}
		lim = rate.NewLimiter(limit, l.burst)
		l.limiters[accountID] = lim
	}
	return lim
}

// Wait blocks until the account may make another provider call.
func (l *Limiters) Wait(ctx context.Context, accountID string) error {
	if l == nil {
		return nil
	}
	return l.get(accountID).Wait(ctx)
}
