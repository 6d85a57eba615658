package threading

import (
	"context"
	"errors"
	"time"

	"github.com/vdavid/marketdesk/internal/db"
	"github.com/vdavid/marketdesk/internal/models"
)

// fakeStore keeps threads and message→thread links in memory.
type fakeStore struct {
	threads  map[string]*models.Thread
	messages map[string]string

	failLookups bool
	failCreate  bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		threads:  make(map[string]*models.Thread),
		messages: make(map[string]string),
	}
}

var errStoreDown = errors.New("connection refused")

func (s *fakeStore) GetThread(_ context.Context, _ string, threadID string) (*models.Thread, error) {
	if s.failLookups {
		return nil, errStoreDown
	}
	t, ok := s.threads[threadID]
	if !ok {
		return nil, db.ErrThreadNotFound
	}
	copied := *t
	return &copied, nil
}

func (s *fakeStore) ThreadIDsForMessageIDs(_ context.Context, _ string, ids []string) (map[string]string, error) {
	if s.failLookups {
		return nil, errStoreDown
	}
	out := make(map[string]string)
	for _, id := range ids {
		if threadID, ok := s.messages[id]; ok {
			out[id] = threadID
		}
	}
	return out, nil
}

func (s *fakeStore) FindRecentThreadBySubject(_ context.Context, _ string, normalized, participant string, since time.Time) (*models.Thread, error) {
	if s.failLookups {
		return nil, errStoreDown
	}
	var best *models.Thread
	for _, t := range s.threads {
		if t.NormalizedSubject != normalized || t.LastMessageAt.Before(since) {
			continue
		}
		for _, p := range t.Participants {
			if p.Email == participant && (best == nil || t.LastMessageAt.After(best.LastMessageAt)) {
				best = t
			}
		}
	}
	if best == nil {
		return nil, db.ErrThreadNotFound
	}
	copied := *best
	return &copied, nil
}

func (s *fakeStore) CreateThread(_ context.Context, thread *models.Thread) (bool, error) {
	if s.failCreate {
		return false, errStoreDown
	}
	if _, ok := s.threads[thread.ThreadID]; ok {
		return false, nil
	}
	copied := *thread
	s.threads[thread.ThreadID] = &copied
	return true, nil
}

func (s *fakeStore) ApplyMessageToThread(_ context.Context, _ string, threadID string, delta models.ThreadDelta) error {
	if s.failLookups {
		return errStoreDown
	}
	t, ok := s.threads[threadID]
	if !ok {
		return db.ErrThreadNotFound
	}
	t.MessageCount++
	t.UnreadCount += delta.UnreadIncrement
	if delta.MessageAt.Before(t.FirstMessageAt) {
		t.FirstMessageAt = delta.MessageAt
	}
	if delta.MessageAt.After(t.LastMessageAt) {
		t.LastMessageAt = delta.MessageAt
	}
	t.Participants = append(t.Participants, delta.NewParticipants...)
	t.HasAttachments = t.HasAttachments || delta.HasAttachments
	t.TotalSizeBytes += delta.SizeBytes
	return nil
}

// link records a message as ingested into the given thread.
func (s *fakeStore) link(messageID, threadID string) {
	s.messages[messageID] = threadID
}
