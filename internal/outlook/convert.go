package outlook

import (
	"errors"
	"strings"

	graphmodels "github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/vdavid/marketdesk/internal/mailerr"
	"github.com/vdavid/marketdesk/internal/models"
)

func str(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// toMessage normalizes a Graph message. conversationId is the native thread id;
// In-Reply-To and References come from internetMessageHeaders.
func toMessage(m graphmodels.Messageable) (*models.Message, error) {
	if m == nil || m.GetId() == nil {
		return nil, mailerr.New(providerName, "parse", mailerr.ErrParse, errors.New("message has no id"))
	}

	msg := &models.Message{
		ProviderMessageID: *m.GetId(),
		MessageID:         str(m.GetInternetMessageId()),
		ProviderThreadID:  str(m.GetConversationId()),
		Subject:           str(m.GetSubject()),
		To:                addresses(m.GetToRecipients()),
		Cc:                addresses(m.GetCcRecipients()),
		Bcc:               addresses(m.GetBccRecipients()),
		Labels:            m.GetCategories(),
	}
	if msg.MessageID == "" {
		msg.MessageID = msg.ProviderMessageID
	}
	if from := m.GetFrom(); from != nil {
		msg.From = addresses([]graphmodels.Recipientable{from})
	}
	if r := m.GetIsRead(); r != nil {
		msg.IsRead = *r
	}

	switch {
	case m.GetReceivedDateTime() != nil:
		msg.Date = *m.GetReceivedDateTime()
	case m.GetSentDateTime() != nil:
		msg.Date = *m.GetSentDateTime()
	}

	for _, h := range m.GetInternetMessageHeaders() {
		switch strings.ToLower(str(h.GetName())) {
		case "in-reply-to":
			msg.InReplyTo = strings.TrimSpace(str(h.GetValue()))
		case "references":
			msg.References = strings.Fields(str(h.GetValue()))
		}
	}

	if body := m.GetBody(); body != nil {
		content := str(body.GetContent())
		if ct := body.GetContentType(); ct != nil && *ct == graphmodels.HTML_BODYTYPE {
			msg.BodyHTML = content
			msg.BodyText = str(m.GetBodyPreview())
		} else {
			msg.BodyText = content
		}
		msg.SizeBytes = int64(len(content))
	} else {
		msg.BodyText = str(m.GetBodyPreview())
	}

	for _, a := range m.GetAttachments() {
		att := models.Attachment{
			Filename:    str(a.GetName()),
			ContentType: str(a.GetContentType()),
		}
		if s := a.GetSize(); s != nil {
			att.SizeBytes = int64(*s)
			msg.SizeBytes += att.SizeBytes
		}
		if in := a.GetIsInline(); in != nil {
			att.IsInline = *in
		}
		msg.Attachments = append(msg.Attachments, att)
	}
	if len(msg.Attachments) == 0 {
		if has := m.GetHasAttachments(); has != nil && *has {
			msg.Attachments = []models.Attachment{{Filename: "attachment"}}
		}
	}
	return msg, nil
}

func addresses(recipients []graphmodels.Recipientable) []models.Address {
	var out []models.Address
	for _, r := range recipients {
		if r == nil || r.GetEmailAddress() == nil {
			continue
		}
		addr := str(r.GetEmailAddress().GetAddress())
		if addr == "" {
			continue
		}
		out = append(out, models.Address{Email: addr, Name: str(r.GetEmailAddress().GetName())})
	}
	return out
}

// toGraphMessage builds the Graph payload for send, reply and draft calls.
// Graph only accepts custom X- headers, so threading headers are left to Graph.
func toGraphMessage(out *models.OutgoingMessage) graphmodels.Messageable {
	msg := graphmodels.NewMessage()
	subject := out.Subject
	msg.SetSubject(&subject)

	body := graphmodels.NewItemBody()
	contentType, content := graphmodels.TEXT_BODYTYPE, out.BodyText
	if out.BodyHTML != "" {
		contentType, content = graphmodels.HTML_BODYTYPE, out.BodyHTML
	}
	body.SetContentType(&contentType)
	body.SetContent(&content)
	msg.SetBody(body)

	msg.SetToRecipients(recipients(out.To))
	if len(out.Cc) > 0 {
		msg.SetCcRecipients(recipients(out.Cc))
	}
	if len(out.Bcc) > 0 {
		msg.SetBccRecipients(recipients(out.Bcc))
	}

	var headers []graphmodels.InternetMessageHeaderable
	for name, value := range out.Headers {
		if !strings.HasPrefix(strings.ToLower(name), "x-") {
			continue
		}
		h := graphmodels.NewInternetMessageHeader()
		n, v := name, value
		h.SetName(&n)
		h.SetValue(&v)
		headers = append(headers, h)
	}
	if len(headers) > 0 {
		msg.SetInternetMessageHeaders(headers)
	}

	if len(out.Attachments) > 0 {
		atts := make([]graphmodels.Attachmentable, 0, len(out.Attachments))
		for _, f := range out.Attachments {
			fa := graphmodels.NewFileAttachment()
			name, ct := f.Filename, f.ContentType
			fa.SetName(&name)
			fa.SetContentType(&ct)
			fa.SetContentBytes(f.Content)
			atts = append(atts, fa)
		}
		msg.SetAttachments(atts)
	}
	return msg
}

func recipients(list []models.Address) []graphmodels.Recipientable {
	out := make([]graphmodels.Recipientable, 0, len(list))
	for _, a := range list {
		ea := graphmodels.NewEmailAddress()
		addr, name := a.Email, a.Name
		ea.SetAddress(&addr)
		if name != "" {
			ea.SetName(&name)
		}
		r := graphmodels.NewRecipient()
		r.SetEmailAddress(ea)
		out = append(out, r)
	}
	return out
}
