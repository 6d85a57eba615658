package api

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/vdavid/marketdesk/internal/models"
)

const defaultThreadsPerPage = 50

// Threads reads stored conversations.
type Threads interface {
	ListThreads(ctx context.Context, accountID string, limit, offset int) ([]*models.Thread, error)
	CountThreads(ctx context.Context, accountID string) (int, error)
	GetThread(ctx context.Context, accountID, threadID string) (*models.Thread, error)
	GetMessagesForThread(ctx context.Context, accountID, threadID string) ([]*models.Message, error)
}

// ThreadsHandler serves the thread list and single threads of an account.
type ThreadsHandler struct {
	users    Users
	accounts Accounts
	threads  Threads
}

func NewThreadsHandler(users Users, accounts Accounts, threads Threads) *ThreadsHandler {
	return &ThreadsHandler{users: users, accounts: accounts, threads: threads}
}

type PaginationInfo struct {
	TotalCount int `json:"total_count"`
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
}

type ThreadsResponse struct {
	Threads    []*models.Thread `json:"threads"`
	Pagination PaginationInfo   `json:"pagination"`
}

// BuildPaginationResponse builds the pagination response structure.
func BuildPaginationResponse(threads []*models.Thread, totalCount, page, limit int) *ThreadsResponse {
	if threads == nil {
		threads = []*models.Thread{}
	}
	return &ThreadsResponse{
		Threads: threads,
		Pagination: PaginationInfo{
			TotalCount: totalCount,
			Page:       page,
			PerPage:    limit,
		},
	}
}

// GetThreads returns a page of threads, most recent activity first.
func (h *ThreadsHandler) GetThreads(w http.ResponseWriter, r *http.Request) {
	acct, ok := accountFromRequest(w, r, h.users, h.accounts)
	if !ok {
		return
	}
	ctx := r.Context()

	page, limit := ParsePaginationParams(r, defaultThreadsPerPage)
	offset := (page - 1) * limit

	threads, err := h.threads.ListThreads(ctx, acct.ID, limit, offset)
	if err != nil {
		log.Error().Str("account_id", acct.ID).Err(err).Msg("ThreadsHandler: Failed to get threads")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	totalCount, err := h.threads.CountThreads(ctx, acct.ID)
	if err != nil {
		log.Error().Str("account_id", acct.ID).Err(err).Msg("ThreadsHandler: Failed to get thread count")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	WriteJSONResponse(w, BuildPaginationResponse(threads, totalCount, page, limit))
}
