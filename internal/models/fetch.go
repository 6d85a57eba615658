package models

import "time"

// FetchOptions are the knobs every fetcher understands.
// Page/PageSize select an offset window; otherwise Limit bounds the result.
type FetchOptions struct {
	Folder        string     `json:"folder,omitempty"`
	Limit         int        `json:"limit,omitempty"`
	Page          int        `json:"page,omitempty"`
	PageSize      int        `json:"pageSize,omitempty"`
	Since         *time.Time `json:"since,omitempty"`
	Before        *time.Time `json:"before,omitempty"`
	Search        string     `json:"search,omitempty"`
	IncludeBody   bool       `json:"includeBody"`
	MarkAsRead    bool       `json:"markAsRead,omitempty"`
	FetchAll      bool       `json:"fetchAll,omitempty"`
	UseHistoryAPI bool       `json:"useHistoryAPI,omitempty"`
}

const (
	DefaultFetchLimit = 50
	DefaultFolder     = "INBOX"
)

// Paged reports whether an explicit page window was requested.
func (o FetchOptions) Paged() bool {
	return o.Page > 0 && o.PageSize > 0
}

// EffectiveLimit returns Limit, or the default when unset.
func (o FetchOptions) EffectiveLimit() int {
	if o.Limit > 0 {
		return o.Limit
	}
	return DefaultFetchLimit
}

// EffectiveFolder returns Folder, or INBOX when unset.
func (o FetchOptions) EffectiveFolder() string {
	if o.Folder == "" {
		return DefaultFolder
	}
	return o.Folder
}

// Offset returns the zero-based index of the first message of the page window.
func (o FetchOptions) Offset() int {
	if !o.Paged() {
		return 0
	}
	return (o.Page - 1) * o.PageSize
}

type Pagination struct {
	Page        int    `json:"page,omitempty"`
	PageSize    int    `json:"pageSize,omitempty"`
	HasNextPage bool   `json:"hasNextPage"`
	NextCursor  string `json:"nextCursor,omitempty"`
}

// FetchPage is what a fetcher returns internally, before ingestion.
type FetchPage struct {
	Messages   []*Message
	TotalCount int
	Pagination Pagination
	// Skipped counts messages that failed to parse and were left out.
	Skipped int
}

// FetchResult is the structured result crossing the public boundary.
type FetchResult struct {
	Success        bool         `json:"success"`
	Error          string       `json:"error,omitempty"`
	RequiresReauth bool         `json:"requiresReauth,omitempty"`
	AccountID      string       `json:"accountId"`
	EmailAddress   string       `json:"emailAddress,omitempty"`
	Provider       ProviderKind `json:"provider,omitempty"`
	Messages       []*Message   `json:"messages"`
	TotalCount     int          `json:"totalCount"`
	Stored         int          `json:"stored"`
	Duplicates     int          `json:"duplicates"`
	Pagination     Pagination   `json:"pagination"`
	SyncStatus     SyncStatus   `json:"syncStatus,omitempty"`
	QuotaExhausted bool         `json:"quotaExhausted,omitempty"`
}

// OutgoingMessage is what callers hand to the send facade.
type OutgoingMessage struct {
	To          []Address         `json:"to"`
	Cc          []Address         `json:"cc,omitempty"`
	Bcc         []Address         `json:"bcc,omitempty"`
	Subject     string            `json:"subject"`
	BodyText    string            `json:"bodyText,omitempty"`
	BodyHTML    string            `json:"bodyHtml,omitempty"`
	Attachments []OutgoingFile    `json:"attachments,omitempty"`
	InReplyTo   string            `json:"-"`
	References  []string          `json:"-"`
	ThreadID    string            `json:"-"`
	Headers     map[string]string `json:"-"`
}

type OutgoingFile struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Content     []byte `json:"content"`
}

// Recipients returns every envelope recipient address.
func (m *OutgoingMessage) Recipients() []string {
	var out []string
	for _, list := range [][]Address{m.To, m.Cc, m.Bcc} {
		for _, a := range list {
			out = append(out, a.Email)
		}
	}
	return out
}

type SendResult struct {
	Success        bool         `json:"success"`
	Error          string       `json:"error,omitempty"`
	RequiresReauth bool         `json:"requiresReauth,omitempty"`
	MessageID      string       `json:"messageId,omitempty"`
	ThreadID       string       `json:"threadId,omitempty"`
	Provider       ProviderKind `json:"provider"`
	AccountID      string       `json:"accountId"`
	EmailAddress   string       `json:"emailAddress,omitempty"`
}

type DraftResult struct {
	Success        bool         `json:"success"`
	Error          string       `json:"error,omitempty"`
	RequiresReauth bool         `json:"requiresReauth,omitempty"`
	DraftID        string       `json:"draftId,omitempty"`
	Provider       ProviderKind `json:"provider"`
	AccountID      string       `json:"accountId"`
}

type RefreshResult struct {
	Success        bool   `json:"success"`
	Error          string `json:"error,omitempty"`
	RequiresReauth bool   `json:"requiresReauth,omitempty"`
}
