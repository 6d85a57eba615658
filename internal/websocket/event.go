package websocket

import "github.com/vdavid/marketdesk/internal/models"

// EventType names a server-pushed event.
type EventType string

const (
	EventNewEmail     EventType = "new_email"
	EventSyncProgress EventType = "sync_progress"
	EventSyncComplete EventType = "sync_complete"
	EventSyncError    EventType = "sync_error"
)

// Event is the JSON frame written to clients.
type Event struct {
	Type      EventType                  `json:"type"`
	AccountID string                     `json:"accountId"`
	Status    models.SyncStatus          `json:"status,omitempty"`
	Stored    int                        `json:"stored,omitempty"`
	Progress  *models.ManualSyncProgress `json:"progress,omitempty"`
	Error     string                     `json:"error,omitempty"`
}
