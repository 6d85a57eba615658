package models

import (
	"strings"
	"time"
)

// Address is one mailbox in a From/To/Cc/Bcc list.
type Address struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// NormalizedEmail returns the lowercase, trimmed address used for participant matching.
func (a Address) NormalizedEmail() string {
	return strings.ToLower(strings.TrimSpace(a.Email))
}

type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	IsInline    bool   `json:"is_inline"`
	ContentID   string `json:"content_id,omitempty"`
}

// Message is the provider-agnostic shape every fetcher produces.
// MessageID is unique per account; it is the RFC822 Message-ID when the provider
// exposes one, otherwise a provider-native id.
type Message struct {
	ID                string       `json:"id,omitempty"`
	AccountID         string       `json:"account_id"`
	MessageID         string       `json:"message_id"`
	ProviderMessageID string       `json:"provider_message_id,omitempty"`
	ProviderThreadID  string       `json:"provider_thread_id,omitempty"`
	ThreadID          string       `json:"thread_id,omitempty"`
	Subject           string       `json:"subject"`
	From              []Address    `json:"from"`
	To                []Address    `json:"to"`
	Cc                []Address    `json:"cc,omitempty"`
	Bcc               []Address    `json:"bcc,omitempty"`
	Date              time.Time    `json:"date"`
	BodyText          string       `json:"body_text,omitempty"`
	BodyHTML          string       `json:"body_html,omitempty"`
	Attachments       []Attachment `json:"attachments,omitempty"`
	IsRead            bool         `json:"is_read"`
	InReplyTo         string       `json:"in_reply_to,omitempty"`
	References        []string     `json:"references,omitempty"`
	ParentMessageID   string       `json:"parent_message_id,omitempty"`
	Labels            []string     `json:"labels,omitempty"`
	Category          string       `json:"category,omitempty"`
	Folder            string       `json:"folder,omitempty"`
	SizeBytes         int64        `json:"size_bytes"`
	IsDeleted         bool         `json:"is_deleted"`
}

// Sender returns the first From address, or a zero Address.
func (m *Message) Sender() Address {
	if len(m.From) == 0 {
		return Address{}
	}
	return m.From[0]
}

// HasAttachments reports whether any non-inline attachment is present.
func (m *Message) HasAttachments() bool {
	for _, a := range m.Attachments {
		if !a.IsInline {
			return true
		}
	}
	return false
}

// Participants returns the union of from/to/cc, deduplicated by normalized email, in order of appearance.
func (m *Message) Participants() []Address {
	seen := make(map[string]bool)
	var out []Address
	for _, list := range [][]Address{m.From, m.To, m.Cc} {
		for _, a := range list {
			key := a.NormalizedEmail()
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, Address{Email: key, Name: a.Name})
		}
	}
	return out
}

// DeriveParent sets ParentMessageID from the last References entry, falling back to In-Reply-To.
func (m *Message) DeriveParent() {
	if len(m.References) > 0 {
		m.ParentMessageID = m.References[len(m.References)-1]
		return
	}
	m.ParentMessageID = m.InReplyTo
}

type ThreadStatus string

const (
	ThreadActive   ThreadStatus = "active"
	ThreadClosed   ThreadStatus = "closed"
	ThreadArchived ThreadStatus = "archived"
	ThreadSpam     ThreadStatus = "spam"
)

type ThreadType string

const (
	ThreadConversation ThreadType = "conversation"
	ThreadNotification ThreadType = "notification"
	ThreadMarketing    ThreadType = "marketing"
	ThreadSystem       ThreadType = "system"
)

type Thread struct {
	AccountID         string       `json:"account_id"`
	ThreadID          string       `json:"thread_id"`
	Subject           string       `json:"subject"`
	NormalizedSubject string       `json:"normalized_subject"`
	Participants      []Address    `json:"participants"`
	MessageCount      int          `json:"message_count"`
	UnreadCount       int          `json:"unread_count"`
	FirstMessageAt    time.Time    `json:"first_message_at"`
	LastMessageAt     time.Time    `json:"last_message_at"`
	Status            ThreadStatus `json:"status"`
	Type              ThreadType   `json:"thread_type"`
	HasAttachments    bool         `json:"has_attachments"`
	TotalSizeBytes    int64        `json:"total_size_bytes"`
	Messages          []Message    `json:"messages,omitempty"`
}

// ThreadDelta is what one new message adds to an existing thread.
type ThreadDelta struct {
	UnreadIncrement int
	MessageAt       time.Time
	NewParticipants []Address
	HasAttachments  bool
	SizeBytes       int64
}

type Folder struct {
	Name       string   `json:"name"`
	Attributes []string `json:"attributes,omitempty"`
}
