package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/vdavid/marketdesk/internal/models"
	"github.com/vdavid/marketdesk/internal/syncer"
)

// HistorySyncer runs Gmail History API syncs.
type HistorySyncer interface {
	SyncGmailWithHistoryAPI(ctx context.Context, acct *models.Account, opts models.FetchOptions) *models.FetchResult
}

// ManualSyncer drives batch backfills.
type ManualSyncer interface {
	StartManualSync(ctx context.Context, accountID string) *models.ManualSyncResult
	ContinueManualSync(ctx context.Context, accountID string) *models.ManualSyncResult
	StopManualSync(ctx context.Context, accountID string) *models.ManualSyncResult
	GetManualSyncProgress(ctx context.Context, accountID string) *models.ManualSyncResult
}

// SyncHandler exposes history and manual sync.
type SyncHandler struct {
	users    Users
	accounts Accounts
	history  HistorySyncer
	manual   ManualSyncer
}

func NewSyncHandler(users Users, accounts Accounts, history HistorySyncer, manual ManualSyncer) *SyncHandler {
	return &SyncHandler{users: users, accounts: accounts, history: history, manual: manual}
}

// syncStatus maps a failed sync message onto a status code.
func syncStatus(success bool, message string, requiresReauth bool) int {
	switch {
	case success:
		return http.StatusOK
	case message == syncer.SyncInProgressMessage || message == syncer.NothingToContinueMessage:
		return http.StatusConflict
	case requiresReauth:
		return http.StatusUnauthorized
	case strings.Contains(message, "not supported"):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

// HistorySync advances a Gmail account through the History API.
func (h *SyncHandler) HistorySync(w http.ResponseWriter, r *http.Request) {
	acct, ok := accountFromRequest(w, r, h.users, h.accounts)
	if !ok {
		return
	}
	if acct.ProviderKind() != models.ProviderGmail {
		http.Error(w, "history sync is only available for Gmail accounts", http.StatusBadRequest)
		return
	}

	result := h.history.SyncGmailWithHistoryAPI(r.Context(), acct, models.FetchOptions{UseHistoryAPI: true, IncludeBody: true})
	writeJSONStatus(w, syncStatus(result.Success, result.Error, result.RequiresReauth), result)
}

func (h *SyncHandler) manualAction(action func(ctx context.Context, accountID string) *models.ManualSyncResult) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, ok := accountFromRequest(w, r, h.users, h.accounts)
		if !ok {
			return
		}
		result := action(r.Context(), acct.ID)
		writeJSONStatus(w, syncStatus(result.Success, result.Error, false), result)
	}
}

func (h *SyncHandler) StartManualSync(w http.ResponseWriter, r *http.Request) {
	h.manualAction(h.manual.StartManualSync)(w, r)
}

func (h *SyncHandler) ContinueManualSync(w http.ResponseWriter, r *http.Request) {
	h.manualAction(h.manual.ContinueManualSync)(w, r)
}

func (h *SyncHandler) StopManualSync(w http.ResponseWriter, r *http.Request) {
	h.manualAction(h.manual.StopManualSync)(w, r)
}

func (h *SyncHandler) GetManualSyncProgress(w http.ResponseWriter, r *http.Request) {
	h.manualAction(h.manual.GetManualSyncProgress)(w, r)
}
