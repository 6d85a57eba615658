package models

import "time"

// SyncStatus is the phase of the incremental sync state machine.
type SyncStatus string

const (
	SyncInitial    SyncStatus = "initial"
	SyncHistorical SyncStatus = "historical"
	SyncComplete   SyncStatus = "complete"
	SyncError      SyncStatus = "error"
	// SyncSyncing marks a manual backfill that has more batches to go.
	SyncSyncing SyncStatus = "syncing"
)

// SyncState is stored as one JSONB document on the account. Syncs write it
// back whole; the guard flag and watch renewals are patched in place.
type SyncState struct {
	Status              SyncStatus `json:"status"`
	LastHistoryID       uint64     `json:"lastHistoryId,omitempty"`
	TotalProcessed      int        `json:"totalProcessed"`
	CurrentBatch        int        `json:"currentBatch"`
	EstimatedTotal      int        `json:"estimatedTotal"`
	WatchExpiration     *time.Time `json:"watchExpiration,omitempty"`
	WatchRenewedAt      *time.Time `json:"watchRenewedAt,omitempty"`
	IsProcessing        bool       `json:"isProcessing"`
	ProcessingStartedAt *time.Time `json:"processingStartedAt,omitempty"`
	NextPageToken       string     `json:"nextPageToken,omitempty"`
	// ManualCursor is where the next manual backfill batch starts. History
	// syncs leave it alone.
	ManualCursor        string     `json:"manualCursor,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
	LastErrorAt         *time.Time `json:"lastErrorAt,omitempty"`
	LastSyncAt          *time.Time `json:"lastSyncAt,omitempty"`
}

// WatchExpiresWithin reports whether the push subscription is missing or expires before now+d.
func (s *SyncState) WatchExpiresWithin(now time.Time, d time.Duration) bool {
	return s.WatchExpiration == nil || s.WatchExpiration.Before(now.Add(d))
}

// SetError records a terminal sync failure.
func (s *SyncState) SetError(now time.Time, err error) {
	s.Status = SyncError
	s.LastError = err.Error()
	s.LastErrorAt = &now
}

// ManualSyncProgress is the caller-facing snapshot of a manual backfill.
type ManualSyncProgress struct {
	Status         SyncStatus `json:"status"`
	CurrentBatch   int        `json:"currentBatch"`
	TotalProcessed int        `json:"totalProcessed"`
	EstimatedTotal int        `json:"estimatedTotal"`
	HasMore        bool       `json:"hasMore"`
	IsProcessing   bool       `json:"isProcessing"`
	Percent        float64    `json:"percent"`
}

// ManualSyncResult is returned by every manual sync operation.
type ManualSyncResult struct {
	Success        bool                `json:"success"`
	Error          string              `json:"error,omitempty"`
	AccountID      string              `json:"accountId"`
	EmailAddress   string              `json:"emailAddress,omitempty"`
	BatchProcessed int                 `json:"batchProcessed"`
	Progress       *ManualSyncProgress `json:"progress,omitempty"`
}

// ProgressOf derives a progress snapshot from the stored state.
func ProgressOf(s SyncState) *ManualSyncProgress {
	p := &ManualSyncProgress{
		Status:         s.Status,
		CurrentBatch:   s.CurrentBatch,
		TotalProcessed: s.TotalProcessed,
		EstimatedTotal: s.EstimatedTotal,
		HasMore:        s.ManualCursor != "",
		IsProcessing:   s.IsProcessing,
	}
	switch {
	case s.Status == SyncComplete:
		p.Percent = 100
	case s.EstimatedTotal > 0:
		p.Percent = float64(s.TotalProcessed) * 100 / float64(s.EstimatedTotal)
		if p.Percent > 99 {
			p.Percent = 99
		}
	}
	return p
}
