// Package notify receives Gmail push notifications from Cloud Pub/Sub and
// turns each one into an incremental history sync of the affected account.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/vdavid/marketdesk/internal/db"
	"github.com/vdavid/marketdesk/internal/models"
	"google.golang.org/api/option"
)

// ackDeadline is used when the subscription has to be created.
const ackDeadline = 60 * time.Second

// Notification is the payload Gmail publishes for a mailbox change.
type Notification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// Accounts finds the Gmail account a notification is about.
type Accounts interface {
	GetActiveGoogleAccountByEmail(ctx context.Context, email string) (*models.Account, error)
}

// Syncer runs the history sync.
type Syncer interface {
	SyncGmailWithHistoryAPI(ctx context.Context, acct *models.Account, opts models.FetchOptions) *models.FetchResult
}

// Handler processes decoded notifications. Notifications whose history id is
// not newer than what was already synced are dropped.
type Handler struct {
	accounts Accounts
	syncer   Syncer

	mu   sync.Mutex
	seen map[string]uint64
}

func NewHandler(accounts Accounts, syncer Syncer) *Handler {
	return &Handler{accounts: accounts, syncer: syncer, seen: make(map[string]uint64)}
}

// Handle processes one message body. It returns an error only when the
// message should be redelivered.
func (h *Handler) Handle(ctx context.Context, data []byte) error {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		log.Warn().Err(err).Msg("Dropping malformed Gmail notification")
		return nil
	}
	email := strings.ToLower(strings.TrimSpace(n.EmailAddress))
	if email == "" {
		log.Warn().Msg("Dropping Gmail notification without email address")
		return nil
	}

	acct, err := h.accounts.GetActiveGoogleAccountByEmail(ctx, email)
	if errors.Is(err, db.ErrAccountNotFound) {
		log.Debug().Str("email", email).Msg("No active Gmail account for notification")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up account for %s: %w", email, err)
	}
	if acct.RequiresReauth {
		return nil
	}

	if !h.isNew(acct, n.HistoryID) {
		log.Debug().Str("account_id", acct.ID).Uint64("history_id", n.HistoryID).Msg("Skipping stale Gmail notification")
		return nil
	}

	result := h.syncer.SyncGmailWithHistoryAPI(ctx, acct, models.FetchOptions{UseHistoryAPI: true, IncludeBody: true})
	if !result.Success {
		// A concurrent sync will pick the change up; other failures are recorded on the account.
		// The id stays unseen so a redelivery or the next notification retries it.
		log.Warn().Str("account_id", acct.ID).Str("error", result.Error).Msg("Notification-triggered sync did not complete")
		return nil
	}
	h.markSeen(acct, n.HistoryID)
	log.Debug().Str("account_id", acct.ID).Int("stored", result.Stored).Msg("Notification-triggered sync finished")
	return nil
}

// isNew reports whether historyID is ahead of both the stored cursor and the
// last notification that was synced successfully.
func (h *Handler) isNew(acct *models.Account, historyID uint64) bool {
	if historyID == 0 {
		return true
	}
	if historyID <= acct.SyncState.LastHistoryID {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return historyID > h.seen[acct.ID]
}

func (h *Handler) markSeen(acct *models.Account, historyID uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if historyID > h.seen[acct.ID] {
		h.seen[acct.ID] = historyID
	}
}

// Listener pulls notifications from a Pub/Sub subscription.
type Listener struct {
	client       *pubsub.Client
	topic        string
	subscription string
	handler      *Handler
}

// NewListener connects to Pub/Sub. topic and subscription are short ids.
func NewListener(ctx context.Context, projectID, topic, subscription string, handler *Handler, opts ...option.ClientOption) (*Listener, error) {
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	return &Listener{client: client, topic: topic, subscription: subscription, handler: handler}, nil
}

func (l *Listener) ensureSubscription(ctx context.Context) (*pubsub.Subscription, error) {
	sub := l.client.Subscription(l.subscription)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check subscription %s: %w", l.subscription, err)
	}
	if exists {
		return sub, nil
	}

	topic := l.client.Topic(l.topic)
	topicExists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check topic %s: %w", l.topic, err)
	}
	if !topicExists {
		return nil, fmt.Errorf("topic %s does not exist", l.topic)
	}

	sub, err = l.client.CreateSubscription(ctx, l.subscription, pubsub.SubscriptionConfig{
		Topic:       topic,
		AckDeadline: ackDeadline,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription %s: %w", l.subscription, err)
	}
	log.Info().Str("subscription", l.subscription).Msg("Created Pub/Sub subscription")
	return sub, nil
}

// Run receives messages until ctx is canceled. Messages whose handling fails
// with an error are nacked for redelivery.
func (l *Listener) Run(ctx context.Context) error {
	sub, err := l.ensureSubscription(ctx)
	if err != nil {
		return err
	}

	log.Info().Str("subscription", l.subscription).Msg("Listening for Gmail notifications")
	err = sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if err := l.handler.Handle(ctx, msg.Data); err != nil {
			log.Warn().Str("pubsub_message_id", msg.ID).Err(err).Msg("Gmail notification will be redelivered")
			msg.Nack()
			return
		}
		msg.Ack()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("pubsub receive failed: %w", err)
	}
	return nil
}

func (l *Listener) Close() error {
	return l.client.Close()
}
