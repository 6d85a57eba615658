package gmail

import (
	"encoding/base64"
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vdavid/marketdesk/internal/mailerr"
	"github.com/vdavid/marketdesk/internal/models"
	gmailapi "google.golang.org/api/gmail/v1"
)

var folderLabels = []string{"INBOX", "SENT", "DRAFT", "SPAM", "TRASH"}

// toMessage converts an API message into the normalized shape.
// It fails with mailerr.ErrParse only when the message has no payload at all;
// undecodable parts are skipped.
func toMessage(m *gmailapi.Message) (*models.Message, error) {
	if m == nil || m.Payload == nil {
		return nil, mailerr.New(providerName, "parse", mailerr.ErrParse, errors.New("message has no payload"))
	}

	headers := make(map[string]string, len(m.Payload.Headers))
	for _, h := range m.Payload.Headers {
		key := strings.ToLower(h.Name)
		if _, seen := headers[key]; !seen {
			headers[key] = h.Value
		}
	}

	msg := &models.Message{
		MessageID:         strings.TrimSpace(headers["message-id"]),
		ProviderMessageID: m.Id,
		ProviderThreadID:  m.ThreadId,
		Subject:           headers["subject"],
		From:              parseAddresses(headers["from"]),
		To:                parseAddresses(headers["to"]),
		Cc:                parseAddresses(headers["cc"]),
		Bcc:               parseAddresses(headers["bcc"]),
		InReplyTo:         strings.TrimSpace(headers["in-reply-to"]),
		References:        strings.Fields(headers["references"]),
		Labels:            m.LabelIds,
		IsRead:            true,
		SizeBytes:         m.SizeEstimate,
	}
	if msg.MessageID == "" {
		msg.MessageID = m.Id
	}

	switch {
	case m.InternalDate > 0:
		msg.Date = time.UnixMilli(m.InternalDate).UTC()
	case headers["date"] != "":
		if d, err := mail.ParseDate(headers["date"]); err == nil {
			msg.Date = d.UTC()
		}
	}

	for _, label := range m.LabelIds {
		switch {
		case label == "UNREAD":
			msg.IsRead = false
		case strings.HasPrefix(label, "CATEGORY_") && msg.Category == "":
			msg.Category = strings.ToLower(strings.TrimPrefix(label, "CATEGORY_"))
		}
	}
	for _, folder := range folderLabels {
		if containsLabel(m.LabelIds, folder) {
			msg.Folder = folder
			break
		}
	}

	walkParts(m.Id, m.Payload, msg)
	msg.DeriveParent()
	return msg, nil
}

// walkParts collects the first text/plain and text/html leaves and attachment metadata.
func walkParts(id string, part *gmailapi.MessagePart, msg *models.Message) {
	if part == nil {
		return
	}

	if part.Filename != "" {
		att := models.Attachment{Filename: part.Filename, ContentType: part.MimeType}
		if part.Body != nil {
			att.SizeBytes = part.Body.Size
		}
		for _, h := range part.Headers {
			switch strings.ToLower(h.Name) {
			case "content-id":
				att.ContentID = strings.Trim(h.Value, "<>")
			case "content-disposition":
				att.IsInline = strings.HasPrefix(strings.ToLower(h.Value), "inline")
			}
		}
		msg.Attachments = append(msg.Attachments, att)
		return
	}

	mimeType := strings.ToLower(part.MimeType)
	if part.Body != nil && part.Body.Data != "" {
		switch {
		case mimeType == "text/plain" && msg.BodyText == "":
			if text, err := decodeBody(part.Body.Data); err == nil {
				msg.BodyText = text
			} else {
				log.Warn().Str("message_id", id).Str("part_id", part.PartId).Err(err).Msg("Skipping undecodable part")
			}
		case mimeType == "text/html" && msg.BodyHTML == "":
			if html, err := decodeBody(part.Body.Data); err == nil {
				msg.BodyHTML = html
			} else {
				log.Warn().Str("message_id", id).Str("part_id", part.PartId).Err(err).Msg("Skipping undecodable part")
			}
		}
	}

	for _, child := range part.Parts {
		walkParts(id, child, msg)
	}
}

// decodeBody decodes base64url data, with or without padding.
func decodeBody(data string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func parseAddresses(raw string) []models.Address {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	list, err := mail.ParseAddressList(raw)
	if err != nil {
		// Keep what the header says rather than losing the participant.
		return []models.Address{{Email: strings.Trim(raw, "<>")}}
	}
	out := make([]models.Address, 0, len(list))
	for _, a := range list {
		out = append(out, models.Address{Email: a.Address, Name: a.Name})
	}
	return out
}

func containsLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}
