// Package threading assigns every ingested message to a conversation thread.
package threading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vdavid/marketdesk/internal/db"
	"github.com/vdavid/marketdesk/internal/models"
)

const (
	DefaultRecencyWindow = 30 * 24 * time.Hour
	DefaultMinConfidence = 0.8
)

// Method names the signal a thread was resolved by.
type Method string

const (
	MethodNative     Method = "native"
	MethodReferences Method = "references"
	MethodInReplyTo  Method = "in_reply_to"
	MethodSubject    Method = "subject"
	MethodNew        Method = "new"
)

var confidence = map[Method]float64{
	MethodNative:     1.0,
	MethodReferences: 0.95,
	MethodInReplyTo:  0.90,
	MethodSubject:    0.80,
	MethodNew:        1.0,
}

// Store is the persistence the engine needs.
type Store interface {
	GetThread(ctx context.Context, accountID, threadID string) (*models.Thread, error)
	ThreadIDsForMessageIDs(ctx context.Context, accountID string, messageIDs []string) (map[string]string, error)
	FindRecentThreadBySubject(ctx context.Context, accountID, normalizedSubject, participantEmail string, since time.Time) (*models.Thread, error)
	CreateThread(ctx context.Context, thread *models.Thread) (bool, error)
	ApplyMessageToThread(ctx context.Context, accountID, threadID string, delta models.ThreadDelta) error
}

// Options tunes the subject heuristic.
type Options struct {
	RecencyWindow time.Duration
	MinConfidence float64
}

// Resolution is the outcome of ResolveThread. Thread is nil for MethodNew.
type Resolution struct {
	ThreadID   string
	Method     Method
	Confidence float64
	Thread     *models.Thread
}

// Engine resolves messages to threads and keeps thread counters current.
type Engine struct {
	store Store
	opts  Options
	now   func() time.Time
	newID func() string
}

// NewEngine creates an Engine. Zero options fall back to a 30 day window and 0.8 confidence.
func NewEngine(store Store, opts Options) *Engine {
	if opts.RecencyWindow <= 0 {
		opts.RecencyWindow = DefaultRecencyWindow
	}
	if opts.MinConfidence <= 0 {
		opts.MinConfidence = DefaultMinConfidence
	}
	return &Engine{
		store: store,
		opts:  opts,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// ResolveThread walks the cascade native id → References → In-Reply-To →
// subject and sender. Lookup failures are logged and treated as no match.
func (e *Engine) ResolveThread(ctx context.Context, accountID string, msg *models.Message) Resolution {
	logger := log.With().Str("account_id", accountID).Str("message_id", msg.MessageID).Logger()

	if msg.ProviderThreadID != "" {
		thread, err := e.store.GetThread(ctx, accountID, msg.ProviderThreadID)
		switch {
		case err == nil:
			return e.matched(MethodNative, thread)
		case !errors.Is(err, db.ErrThreadNotFound):
			logger.Warn().Err(err).Msg("Native thread lookup failed")
		}
	}

	if res, ok := e.resolveByHeader(ctx, accountID, msg.References, MethodReferences); ok {
		return res
	}
	if msg.InReplyTo != "" {
		if res, ok := e.resolveByHeader(ctx, accountID, []string{msg.InReplyTo}, MethodInReplyTo); ok {
			return res
		}
	}

	if confidence[MethodSubject] >= e.opts.MinConfidence {
		normalized := NormalizeSubject(msg.Subject)
		sender := msg.Sender().NormalizedEmail()
		if normalized != "" && sender != "" {
			since := e.now().Add(-e.opts.RecencyWindow)
			thread, err := e.store.FindRecentThreadBySubject(ctx, accountID, normalized, sender, since)
			switch {
			case err == nil:
				return e.matched(MethodSubject, thread)
			case !errors.Is(err, db.ErrThreadNotFound):
				logger.Warn().Err(err).Msg("Subject thread lookup failed")
			}
		}
	}

	return Resolution{Method: MethodNew, Confidence: confidence[MethodNew]}
}

// resolveByHeader matches the newest referenced message that is stored with a thread.
func (e *Engine) resolveByHeader(ctx context.Context, accountID string, ids []string, method Method) (Resolution, bool) {
	if len(ids) == 0 {
		return Resolution{}, false
	}

	threads, err := e.store.ThreadIDsForMessageIDs(ctx, accountID, ids)
	if err != nil {
		log.Warn().Str("account_id", accountID).Str("method", string(method)).Err(err).Msg("Header thread lookup failed")
		return Resolution{}, false
	}

	for i := len(ids) - 1; i >= 0; i-- {
		threadID, ok := threads[ids[i]]
		if !ok {
			continue
		}
		thread, err := e.store.GetThread(ctx, accountID, threadID)
		if err != nil {
			log.Warn().Str("account_id", accountID).Str("thread_id", threadID).Err(err).Msg("Referenced thread unavailable")
			continue
		}
		return e.matched(method, thread), true
	}
	return Resolution{}, false
}

func (e *Engine) matched(method Method, thread *models.Thread) Resolution {
	return Resolution{
		ThreadID:   thread.ThreadID,
		Method:     method,
		Confidence: confidence[method],
		Thread:     thread,
	}
}

// AssignThread resolves the message's thread without writing anything. A new
// thread gets its id here (the provider thread id or a generated one) so the
// message can be stored before RecordMessage creates the thread row.
// It sets msg.ThreadID.
func (e *Engine) AssignThread(ctx context.Context, accountID string, msg *models.Message) Resolution {
	res := e.ResolveThread(ctx, accountID, msg)
	if res.Method == MethodNew {
		res.ThreadID = msg.ProviderThreadID
		if res.ThreadID == "" {
			res.ThreadID = e.newID()
		}
	}
	msg.ThreadID = res.ThreadID
	return res
}

// RecordMessage adds msg to the thread chosen by AssignThread: the counters of
// a matched thread are incremented, a new thread is created, and a thread that
// another message created meanwhile is joined.
func (e *Engine) RecordMessage(ctx context.Context, accountID string, msg *models.Message, res Resolution) error {
	if res.Method != MethodNew {
		err := e.store.ApplyMessageToThread(ctx, accountID, res.ThreadID, deltaFor(msg, res.Thread))
		if !errors.Is(err, db.ErrThreadNotFound) {
			if err != nil {
				return fmt.Errorf("failed to update thread: %w", err)
			}
			return nil
		}
		log.Warn().Str("account_id", accountID).Str("thread_id", res.ThreadID).
			Msg("Matched thread disappeared, recreating it")
	}

	thread := e.newThread(accountID, res.ThreadID, msg)
	created, err := e.store.CreateThread(ctx, thread)
	if err != nil {
		return fmt.Errorf("failed to create thread: %w", err)
	}
	if created {
		return nil
	}

	existing, err := e.store.GetThread(ctx, accountID, thread.ThreadID)
	if err != nil {
		return fmt.Errorf("failed to load existing thread: %w", err)
	}
	if err := e.store.ApplyMessageToThread(ctx, accountID, thread.ThreadID, deltaFor(msg, existing)); err != nil {
		return fmt.Errorf("failed to update existing thread: %w", err)
	}
	return nil
}

// FindOrCreateThread assigns the message to a thread and records it there in
// one step. Lookup failures degrade to a new thread; only a failed write is
// returned as an error.
func (e *Engine) FindOrCreateThread(ctx context.Context, accountID string, msg *models.Message) (string, error) {
	res := e.AssignThread(ctx, accountID, msg)
	if err := e.RecordMessage(ctx, accountID, msg, res); err != nil {
		return "", err
	}
	return res.ThreadID, nil
}

func (e *Engine) newThread(accountID, threadID string, msg *models.Message) *models.Thread {
	unread := 0
	if !msg.IsRead {
		unread = 1
	}
	return &models.Thread{
		AccountID:         accountID,
		ThreadID:          threadID,
		Subject:           msg.Subject,
		NormalizedSubject: NormalizeSubject(msg.Subject),
		Participants:      msg.Participants(),
		MessageCount:      1,
		UnreadCount:       unread,
		FirstMessageAt:    msg.Date,
		LastMessageAt:     msg.Date,
		Status:            models.ThreadActive,
		Type:              InferThreadType(msg),
		HasAttachments:    msg.HasAttachments(),
		TotalSizeBytes:    msg.SizeBytes,
	}
}

// deltaFor computes what msg adds to thread. Only participants missing from the
// thread are listed.
func deltaFor(msg *models.Message, thread *models.Thread) models.ThreadDelta {
	delta := models.ThreadDelta{
		MessageAt:      msg.Date,
		HasAttachments: msg.HasAttachments(),
		SizeBytes:      msg.SizeBytes,
	}
	if !msg.IsRead {
		delta.UnreadIncrement = 1
	}

	known := make(map[string]bool)
	if thread != nil {
		for _, p := range thread.Participants {
			known[p.NormalizedEmail()] = true
		}
	}
	for _, p := range msg.Participants() {
		if !known[p.Email] {
			delta.NewParticipants = append(delta.NewParticipants, p)
		}
	}
	return delta
}
