// Package outlook fetches and sends mail for Microsoft accounts through Microsoft Graph.
package outlook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	graphmodels "github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/rs/zerolog/log"
	"github.com/vdavid/marketdesk/internal/mailerr"
	"github.com/vdavid/marketdesk/internal/models"
)

const (
	providerName = "outlook"
	// maxTop is the largest $top Graph accepts for messages.
	maxTop = 1000
	// fetchAllChunk is the window size used when walking a whole folder.
	fetchAllChunk = 100
)

// wellKnownFolders maps provider-neutral folder names onto Graph well-known folder names.
var wellKnownFolders = map[string]string{
	"INBOX":   "inbox",
	"SENT":    "sentitems",
	"DRAFTS":  "drafts",
	"TRASH":   "deleteditems",
	"SPAM":    "junkemail",
	"ARCHIVE": "archive",
	"OUTBOX":  "outbox",
}

var messageFields = []string{
	"id", "conversationId", "internetMessageId", "subject",
	"from", "toRecipients", "ccRecipients", "bccRecipients",
	"receivedDateTime", "sentDateTime", "isRead", "hasAttachments",
	"categories", "bodyPreview", "internetMessageHeaders",
}

// TokenProvider runs a call with a valid access token, refreshing once on 401.
type TokenProvider interface {
	WithToken(ctx context.Context, acct *models.Account, fn func(ctx context.Context, token string) error) error
}

// Pacer spaces out calls for one account.
type Pacer interface {
	Wait(ctx context.Context, accountID string) error
}

// Client talks to Microsoft Graph on behalf of linked accounts.
type Client struct {
	tokens TokenProvider
	pacer  Pacer
	api    graphAPI
}

// NewClient creates an Outlook client backed by the Graph SDK.
func NewClient(tokens TokenProvider, pacer Pacer) *Client {
	return &Client{
		tokens: tokens,
		pacer:  pacer,
		api:    sdkAPI{scopes: []string{"https://graph.microsoft.com/.default"}},
	}
}

// folderID resolves a folder name; unknown names are passed through as folder ids.
func folderID(folder string) string {
	if id, ok := wellKnownFolders[strings.ToUpper(folder)]; ok {
		return id
	}
	if strings.EqualFold(folder, "ALL") {
		return ""
	}
	return folder
}

// buildFilter turns date bounds and search text into an OData $filter expression.
func buildFilter(opts models.FetchOptions) string {
	var parts []string
	if opts.Since != nil {
		parts = append(parts, "receivedDateTime ge "+opts.Since.UTC().Format(time.RFC3339))
	}
	if opts.Before != nil {
		parts = append(parts, "receivedDateTime lt "+opts.Before.UTC().Format(time.RFC3339))
	}
	if s := strings.TrimSpace(opts.Search); s != "" {
		parts = append(parts, fmt.Sprintf("contains(subject,'%s')", strings.ReplaceAll(s, "'", "''")))
	}
	return strings.Join(parts, " and ")
}

func (c *Client) query(opts models.FetchOptions, top, skip int) messageQuery {
	q := messageQuery{
		Folder:  folderID(opts.EffectiveFolder()),
		Top:     int32(min(top, maxTop)),
		Skip:    int32(skip),
		Filter:  buildFilter(opts),
		OrderBy: []string{"receivedDateTime desc"},
		Select:  messageFields,
	}
	if opts.IncludeBody {
		q.Select = append(append([]string(nil), messageFields...), "body")
		q.Expand = []string{"attachments($select=name,contentType,size,isInline)"}
	}
	return q
}

func (c *Client) list(ctx context.Context, acct *models.Account, q messageQuery) ([]graphmodels.Messageable, error) {
	if err := c.wait(ctx, acct); err != nil {
		return nil, err
	}
	var raw []graphmodels.Messageable
	err := c.call(ctx, acct, "list", func(ctx context.Context, token string) error {
		var err error
		raw, err = c.api.listMessages(ctx, token, q)
		return err
	})
	return raw, err
}

func (c *Client) count(ctx context.Context, acct *models.Account, folder, filter string) (int, error) {
	if err := c.wait(ctx, acct); err != nil {
		return 0, err
	}
	var n int
	err := c.call(ctx, acct, "count", func(ctx context.Context, token string) error {
		var err error
		n, err = c.api.countMessages(ctx, token, folder, filter)
		return err
	})
	return n, err
}

// Fetch lists messages of one folder. Page/PageSize map directly onto $skip/$top;
// the total comes from a separate count request.
func (c *Client) Fetch(ctx context.Context, acct *models.Account, opts models.FetchOptions) (*models.FetchPage, error) {
	page := &models.FetchPage{}
	folderName := strings.ToUpper(opts.EffectiveFolder())

	var raw []graphmodels.Messageable
	switch {
	case opts.FetchAll:
		for skip := 0; ; skip += fetchAllChunk {
			chunk, err := c.list(ctx, acct, c.query(opts, fetchAllChunk, skip))
			if err != nil {
				return nil, err
			}
			raw = append(raw, chunk...)
			if len(chunk) < fetchAllChunk {
				break
			}
		}
		page.TotalCount = len(raw)

	default:
		top, skip := opts.EffectiveLimit(), 0
		if opts.Paged() {
			top, skip = opts.PageSize, opts.Offset()
		}
		q := c.query(opts, top, skip)
		var err error
		raw, err = c.list(ctx, acct, q)
		if err != nil {
			return nil, err
		}

		total, err := c.count(ctx, acct, q.Folder, q.Filter)
		if err != nil {
			log.Warn().Str("account_id", acct.ID).Err(err).Msg("Failed to count Outlook messages")
			total = skip + len(raw)
		}
		page.TotalCount = total
		page.Pagination = models.Pagination{
			Page:        opts.Page,
			PageSize:    opts.PageSize,
			HasNextPage: skip+len(raw) < total,
		}
		if page.Pagination.HasNextPage {
			page.Pagination.NextCursor = strconv.Itoa(skip + len(raw))
		}
	}

	page.Messages, page.Skipped = convertAll(acct, raw, folderName)

	if opts.MarkAsRead {
		c.markRead(ctx, acct, page.Messages)
	}
	return page, nil
}

// ListPage returns one window of the whole mailbox. The cursor is the $skip offset.
func (c *Client) ListPage(ctx context.Context, acct *models.Account, cursor string, size int) (*models.FetchPage, error) {
	skip := 0
	if cursor != "" {
		var err error
		if skip, err = strconv.Atoi(cursor); err != nil {
			return nil, fmt.Errorf("invalid Outlook cursor %q: %w", cursor, err)
		}
	}

	opts := models.FetchOptions{Folder: "ALL", IncludeBody: true}
	raw, err := c.list(ctx, acct, c.query(opts, size, skip))
	if err != nil {
		return nil, err
	}

	total := 0
	if skip == 0 {
		if total, err = c.count(ctx, acct, "", ""); err != nil {
			log.Warn().Str("account_id", acct.ID).Err(err).Msg("Failed to count Outlook messages")
		}
	}

	msgs, skipped := convertAll(acct, raw, "")
	page := &models.FetchPage{
		Messages:   msgs,
		TotalCount: total,
		Skipped:    skipped,
		Pagination: models.Pagination{PageSize: size, HasNextPage: len(raw) == size},
	}
	if page.Pagination.HasNextPage {
		page.Pagination.NextCursor = strconv.Itoa(skip + len(raw))
	}
	return page, nil
}

func convertAll(acct *models.Account, raw []graphmodels.Messageable, folder string) ([]*models.Message, int) {
	msgs := make([]*models.Message, 0, len(raw))
	skipped := 0
	for _, m := range raw {
		msg, err := toMessage(m)
		if err != nil {
			log.Warn().Str("account_id", acct.ID).Err(err).Msg("Skipping unparsable message")
			skipped++
			continue
		}
		msg.Folder = folder
		msgs = append(msgs, msg)
	}
	return msgs, skipped
}

// MarkAsRead sets isRead on one message.
func (c *Client) MarkAsRead(ctx context.Context, acct *models.Account, providerID string) error {
	return c.call(ctx, acct, "mark_read", func(ctx context.Context, token string) error {
		return c.api.markRead(ctx, token, providerID)
	})
}

func (c *Client) markRead(ctx context.Context, acct *models.Account, msgs []*models.Message) {
	for _, msg := range msgs {
		if msg.IsRead {
			continue
		}
		if err := c.MarkAsRead(ctx, acct, msg.ProviderMessageID); err != nil {
			log.Warn().Str("account_id", acct.ID).Str("provider_message_id", msg.ProviderMessageID).Err(err).
				Msg("Failed to mark message as read")
			continue
		}
		msg.IsRead = true
	}
}

// Send delivers a new message through sendMail and keeps a copy in Sent Items.
func (c *Client) Send(ctx context.Context, acct *models.Account, out *models.OutgoingMessage) error {
	msg := toGraphMessage(out)
	return c.call(ctx, acct, "send", func(ctx context.Context, token string) error {
		return c.api.sendMail(ctx, token, msg)
	})
}

// Reply answers the message with the given Graph id. Graph fills in the
// threading headers and keeps the reply in the original conversation.
func (c *Client) Reply(ctx context.Context, acct *models.Account, providerMessageID string, out *models.OutgoingMessage) error {
	msg := toGraphMessage(out)
	return c.call(ctx, acct, "reply", func(ctx context.Context, token string) error {
		return c.api.reply(ctx, token, providerMessageID, msg)
	})
}

// CreateDraft stores the message in the Drafts folder and returns its Graph id.
func (c *Client) CreateDraft(ctx context.Context, acct *models.Account, out *models.OutgoingMessage) (string, error) {
	msg := toGraphMessage(out)
	var created graphmodels.Messageable
	err := c.call(ctx, acct, "draft", func(ctx context.Context, token string) error {
		var err error
		created, err = c.api.createDraft(ctx, token, msg)
		return err
	})
	if err != nil {
		return "", err
	}
	if created == nil || created.GetId() == nil {
		return "", mailerr.New(providerName, "draft", mailerr.ErrParse, errors.New("draft response has no id"))
	}
	return *created.GetId(), nil
}

// MailboxAddress returns the signed-in user's mail address.
func (c *Client) MailboxAddress(ctx context.Context, acct *models.Account) (string, error) {
	var address string
	err := c.call(ctx, acct, "profile", func(ctx context.Context, token string) error {
		var err error
		address, err = c.api.mailboxAddress(ctx, token)
		return err
	})
	return address, err
}

func (c *Client) wait(ctx context.Context, acct *models.Account) error {
	if c.pacer == nil {
		return nil
	}
	return c.pacer.Wait(ctx, acct.ID)
}

func (c *Client) call(ctx context.Context, acct *models.Account, op string, fn func(ctx context.Context, token string) error) error {
	return c.tokens.WithToken(ctx, acct, func(ctx context.Context, token string) error {
		if err := fn(ctx, token); err != nil {
			return classify(op, err)
		}
		return nil
	})
}

// classify maps Graph OData failures onto the mailerr taxonomy.
func classify(op string, err error) error {
	var provErr *mailerr.ProviderError
	if errors.As(err, &provErr) {
		return err
	}

	var odataErr *odataerrors.ODataError
	if !errors.As(err, &odataErr) {
		return mailerr.New(providerName, op, mailerr.ErrTransient, err)
	}

	status := odataErr.ResponseStatusCode
	kind := mailerr.KindFromStatus(status)
	if status == http.StatusForbidden {
		kind = mailerr.ErrUnauthorized
	}

	detail := odataErr.Error()
	if main := odataErr.GetErrorEscaped(); main != nil && main.GetCode() != nil {
		detail = *main.GetCode()
		if main.GetMessage() != nil {
			detail += ": " + *main.GetMessage()
		}
	}
	return mailerr.New(providerName, op, kind, fmt.Errorf("graph status %d: %s", status, detail))
}
