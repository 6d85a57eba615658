package api

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/vdavid/marketdesk/internal/db"
	"github.com/vdavid/marketdesk/internal/models"
)

// GetThread returns one thread with its messages in chronological order.
func (h *ThreadsHandler) GetThread(w http.ResponseWriter, r *http.Request) {
	acct, ok := accountFromRequest(w, r, h.users, h.accounts)
	if !ok {
		return
	}
	ctx := r.Context()
	threadID := r.PathValue("threadId")

	thread, err := h.threads.GetThread(ctx, acct.ID, threadID)
	if err != nil {
		if errors.Is(err, db.ErrThreadNotFound) {
			http.Error(w, "Thread not found", http.StatusNotFound)
			return
		}
		log.Error().Str("account_id", acct.ID).Str("thread_id", threadID).Err(err).Msg("ThreadHandler: Failed to get thread")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	messages, err := h.threads.GetMessagesForThread(ctx, acct.ID, threadID)
	if err != nil {
		log.Error().Str("account_id", acct.ID).Str("thread_id", threadID).Err(err).Msg("ThreadHandler: Failed to get messages")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	thread.Messages = make([]models.Message, 0, len(messages))
	for _, msg := range messages {
		if msg != nil {
			thread.Messages = append(thread.Messages, *msg)
		}
	}

	WriteJSONResponse(w, thread)
}
