package imap

import (
	"fmt"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/jhillyerd/enmime"
	"github.com/rs/zerolog/log"
	"github.com/vdavid/marketdesk/internal/mailerr"
	"github.com/vdavid/marketdesk/internal/models"
)

// ProviderMessageID is the stable handle of an IMAP message: folder and UID.
func ProviderMessageID(folder string, uid uint32) string {
	return fmt.Sprintf("%s:%d", folder, uid)
}

// SplitProviderMessageID reverses ProviderMessageID.
func SplitProviderMessageID(id string) (string, uint32, error) {
	i := strings.LastIndex(id, ":")
	if i <= 0 {
		return "", 0, fmt.Errorf("invalid IMAP message id %q", id)
	}
	var uid uint32
	if _, err := fmt.Sscanf(id[i+1:], "%d", &uid); err != nil || uid == 0 {
		return "", 0, fmt.Errorf("invalid IMAP message id %q", id)
	}
	return id[:i], uid, nil
}

// ParseMessage converts a fetched IMAP message into the normalized model.
// The envelope supplies addresses and dates; the body section (header-only or
// full) is parsed with enmime for threading headers, bodies and attachments.
func ParseMessage(imapMsg *imap.Message, folder string, section *imap.BodySectionName) (*models.Message, error) {
	if imapMsg == nil {
		return nil, mailerr.New(providerName, "parse", mailerr.ErrParse, fmt.Errorf("imap message is nil"))
	}

	msg := &models.Message{
		ProviderMessageID: ProviderMessageID(folder, imapMsg.Uid),
		Folder:            folder,
		SizeBytes:         int64(imapMsg.Size),
		Date:              imapMsg.InternalDate,
	}

	for _, flag := range imapMsg.Flags {
		switch flag {
		case imap.SeenFlag:
			msg.IsRead = true
		case imap.RecentFlag:
		default:
			if !strings.HasPrefix(flag, "\\") {
				msg.Labels = append(msg.Labels, flag)
			}
		}
	}

	if env := imapMsg.Envelope; env != nil {
		msg.Subject = env.Subject
		msg.From = convertAddressList(env.From)
		msg.To = convertAddressList(env.To)
		msg.Cc = convertAddressList(env.Cc)
		msg.Bcc = convertAddressList(env.Bcc)
		msg.MessageID = strings.TrimSpace(env.MessageId)
		msg.InReplyTo = strings.TrimSpace(env.InReplyTo)
		if !env.Date.IsZero() {
			msg.Date = env.Date
		}
	}

	if section != nil {
		if body := imapMsg.GetBody(section); body != nil {
			if err := parseBody(body, msg); err != nil {
				if section.Specifier != imap.HeaderSpecifier {
					return nil, mailerr.New(providerName, "parse", mailerr.ErrParse, err)
				}
				log.Debug().Str("provider_message_id", msg.ProviderMessageID).Err(err).Msg("Failed to parse IMAP header block")
			}
		}
	}

	if msg.MessageID == "" {
		msg.MessageID = fmt.Sprintf("%s-%d", folder, imapMsg.Uid)
	}
	return msg, nil
}

// parseBody reads threading headers, bodies and attachments with enmime.
func parseBody(r imap.Literal, msg *models.Message) error {
	envelope, err := enmime.ReadEnvelope(r)
	if err != nil {
		return fmt.Errorf("failed to parse email body: %w", err)
	}

	if msg.MessageID == "" {
		msg.MessageID = strings.TrimSpace(envelope.GetHeader("Message-Id"))
	}
	if v := strings.TrimSpace(envelope.GetHeader("In-Reply-To")); v != "" {
		msg.InReplyTo = v
	}
	msg.References = strings.Fields(envelope.GetHeader("References"))

	msg.BodyText = envelope.Text
	msg.BodyHTML = envelope.HTML

	for _, part := range envelope.Attachments {
		msg.Attachments = append(msg.Attachments, models.Attachment{
			Filename:    part.FileName,
			ContentType: part.ContentType,
			SizeBytes:   int64(len(part.Content)),
		})
	}
	for _, part := range envelope.Inlines {
		msg.Attachments = append(msg.Attachments, models.Attachment{
			Filename:    part.FileName,
			ContentType: part.ContentType,
			SizeBytes:   int64(len(part.Content)),
			IsInline:    true,
			ContentID:   part.ContentID,
		})
	}
	return nil
}

// convertAddress converts an IMAP envelope address.
func convertAddress(address *imap.Address) (models.Address, bool) {
	if address == nil || address.MailboxName == "" || address.HostName == "" {
		return models.Address{}, false
	}
	return models.Address{
		Email: address.MailboxName + "@" + address.HostName,
		Name:  address.PersonalName,
	}, true
}

// convertAddressList converts a list of IMAP addresses, dropping group markers.
func convertAddressList(addresses []*imap.Address) []models.Address {
	result := make([]models.Address, 0, len(addresses))
	for _, address := range addresses {
		if a, ok := convertAddress(address); ok {
			result = append(result, a)
		}
	}
	return result
}
