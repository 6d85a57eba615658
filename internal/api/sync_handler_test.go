package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/vdavid/marketdesk/internal/models"
	"github.com/vdavid/marketdesk/internal/syncer"
)

type mockManualSyncer struct {
	mock.Mock
}

func (m *mockManualSyncer) StartManualSync(ctx context.Context, accountID string) *models.ManualSyncResult {
	return m.Called(ctx, accountID).Get(0).(*models.ManualSyncResult)
}

func (m *mockManualSyncer) ContinueManualSync(ctx context.Context, accountID string) *models.ManualSyncResult {
	return m.Called(ctx, accountID).Get(0).(*models.ManualSyncResult)
}

func (m *mockManualSyncer) StopManualSync(ctx context.Context, accountID string) *models.ManualSyncResult {
	return m.Called(ctx, accountID).Get(0).(*models.ManualSyncResult)
}

func (m *mockManualSyncer) GetManualSyncProgress(ctx context.Context, accountID string) *models.ManualSyncResult {
	return m.Called(ctx, accountID).Get(0).(*models.ManualSyncResult)
}

type stubHistorySyncer struct {
	result *models.FetchResult
	opts   models.FetchOptions
	calls  int
}

func (s *stubHistorySyncer) SyncGmailWithHistoryAPI(_ context.Context, _ *models.Account, opts models.FetchOptions) *models.FetchResult {
	s.calls++
	s.opts = opts
	return s.result
}

func TestSyncStatus(t *testing.T) {
	tests := []struct {
		name           string
		success        bool
		message        string
		requiresReauth bool
		want           int
	}{
		{"success", true, "", false, http.StatusOK},
		{"held by another sync", false, syncer.SyncInProgressMessage, false, http.StatusConflict},
		{"nothing to continue", false, syncer.NothingToContinueMessage, false, http.StatusConflict},
		{"re-authentication needed", false, "token revoked", true, http.StatusUnauthorized},
		{"unsupported provider", false, "manual sync is not supported for this provider", false, http.StatusBadRequest},
		{"provider failure", false, "backend error", false, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, syncStatus(tt.success, tt.message, tt.requiresReauth))
		})
	}
}

func TestSyncHandler_HistorySync(t *testing.T) {
	t.Run("returns 401 when no user email in context", func(t *testing.T) {
		dir := newMemDirectory()
		handler := NewSyncHandler(dir, dir, &stubHistorySyncer{}, &mockManualSyncer{})
		VerifyAuthCheck(t, handler.HistorySync, http.MethodPost, "/x")
	})

	t.Run("runs for Gmail accounts", func(t *testing.T) {
		dir := newMemDirectory()
		dir.addAccount(testUserEmail, gmailAccount())
		history := &stubHistorySyncer{result: &models.FetchResult{Success: true}}
		handler := NewSyncHandler(dir, dir, history, &mockManualSyncer{})

		rr := httptest.NewRecorder()
		handler.HistorySync(rr, newRequest(http.MethodPost, "/x", ""))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, 1, history.calls)
		assert.True(t, history.opts.UseHistoryAPI)
	})

	t.Run("rejects other providers", func(t *testing.T) {
		dir := newMemDirectory()
		dir.addAccount(testUserEmail, imapAccount())
		history := &stubHistorySyncer{}
		handler := NewSyncHandler(dir, dir, history, &mockManualSyncer{})

		rr := httptest.NewRecorder()
		handler.HistorySync(rr, newRequest(http.MethodPost, "/x", ""))

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Zero(t, history.calls)
	})

	t.Run("concurrent sync answers 409", func(t *testing.T) {
		dir := newMemDirectory()
		dir.addAccount(testUserEmail, gmailAccount())
		history := &stubHistorySyncer{result: &models.FetchResult{Error: syncer.SyncInProgressMessage}}
		handler := NewSyncHandler(dir, dir, history, &mockManualSyncer{})

		rr := httptest.NewRecorder()
		handler.HistorySync(rr, newRequest(http.MethodPost, "/x", ""))
		assert.Equal(t, http.StatusConflict, rr.Code)
	})
}

func TestSyncHandler_ManualSync(t *testing.T) {
	dir := newMemDirectory()
	dir.addAccount(testUserEmail, imapAccount())
	manual := &mockManualSyncer{}
	handler := NewSyncHandler(dir, dir, &stubHistorySyncer{}, manual)

	progress := &models.ManualSyncProgress{}
	manual.On("StartManualSync", mock.Anything, testAccountID).
		Return(&models.ManualSyncResult{Success: true, AccountID: testAccountID, BatchProcessed: 50, Progress: progress})
	manual.On("ContinueManualSync", mock.Anything, testAccountID).
		Return(&models.ManualSyncResult{Error: syncer.NothingToContinueMessage, AccountID: testAccountID})
	manual.On("StopManualSync", mock.Anything, testAccountID).
		Return(&models.ManualSyncResult{Success: true, AccountID: testAccountID})
	manual.On("GetManualSyncProgress", mock.Anything, testAccountID).
		Return(&models.ManualSyncResult{Success: true, AccountID: testAccountID, Progress: progress})

	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    int
	}{
		{"start", handler.StartManualSync, http.StatusOK},
		{"continue without a pending batch", handler.ContinueManualSync, http.StatusConflict},
		{"stop", handler.StopManualSync, http.StatusOK},
		{"progress", handler.GetManualSyncProgress, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			tt.handler(rr, newRequest(http.MethodPost, "/x", ""))
			assert.Equal(t, tt.want, rr.Code)
		})
	}
	manual.AssertExpectations(t)
}
