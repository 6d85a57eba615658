package smtp

import (
	"bytes"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jhillyerd/enmime"
	"github.com/vdavid/marketdesk/internal/models"
)

const noSubject = "(no subject)"

// Built is an encoded RFC822 message ready for SMTP, IMAP APPEND or a draft API.
type Built struct {
	Raw       []byte
	MessageID string
}

// NewMessageID returns a fresh RFC 5322 Message-ID in the sender's domain.
func NewMessageID(from string) string {
	domain := "localhost"
	if i := strings.LastIndex(from, "@"); i >= 0 && i < len(from)-1 {
		domain = from[i+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

// BuildMessage encodes out as a MIME message from the given sender. Threading
// headers are written when out carries them; X- headers pass through.
func BuildMessage(from models.Address, out *models.OutgoingMessage, now time.Time) (*Built, error) {
	if len(out.Recipients()) == 0 {
		return nil, fmt.Errorf("message has no recipients")
	}

	subject := out.Subject
	if strings.TrimSpace(subject) == "" {
		subject = noSubject
	}
	messageID := NewMessageID(from.Email)

	b := enmime.Builder().
		From(from.Name, from.Email).
		ToAddrs(mailAddrs(out.To)).
		CCAddrs(mailAddrs(out.Cc)).
		BCCAddrs(mailAddrs(out.Bcc)).
		Subject(subject).
		Date(now).
		Header("Message-ID", messageID)

	if out.InReplyTo != "" {
		b = b.Header("In-Reply-To", out.InReplyTo)
	}
	if len(out.References) > 0 {
		b = b.Header("References", strings.Join(out.References, " "))
	}
	for name, value := range out.Headers {
		if strings.HasPrefix(strings.ToLower(name), "x-") {
			b = b.Header(name, value)
		}
	}

	if out.BodyText != "" || out.BodyHTML == "" {
		b = b.Text([]byte(out.BodyText))
	}
	if out.BodyHTML != "" {
		b = b.HTML([]byte(out.BodyHTML))
	}
	for _, f := range out.Attachments {
		contentType := f.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		b = b.AddAttachment(f.Content, contentType, f.Filename)
	}

	part, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build message: %w", err)
	}
	var buf bytes.Buffer
	if err := part.Encode(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return &Built{Raw: buf.Bytes(), MessageID: messageID}, nil
}

func mailAddrs(list []models.Address) []mail.Address {
	out := make([]mail.Address, 0, len(list))
	for _, a := range list {
		if a.Email != "" {
			out = append(out, mail.Address{Name: a.Name, Address: a.Email})
		}
	}
	return out
}
