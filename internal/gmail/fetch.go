package gmail

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/vdavid/marketdesk/internal/mailerr"
	"github.com/vdavid/marketdesk/internal/models"
	"github.com/vdavid/marketdesk/internal/quota"
	gmailapi "google.golang.org/api/gmail/v1"
)

var folderQueries = map[string]string{
	"INBOX":  "in:inbox",
	"SENT":   "in:sent",
	"DRAFTS": "in:drafts",
	"SPAM":   "in:spam",
	"TRASH":  "in:trash",
	"ALL":    "",
}

// buildQuery turns fetch options into a Gmail search query.
func buildQuery(opts models.FetchOptions) string {
	var parts []string

	folder := strings.ToUpper(opts.EffectiveFolder())
	if q, ok := folderQueries[folder]; ok {
		if q != "" {
			parts = append(parts, q)
		}
	} else {
		parts = append(parts, fmt.Sprintf("label:%q", opts.EffectiveFolder()))
	}

	if opts.Since != nil {
		parts = append(parts, fmt.Sprintf("after:%d", opts.Since.Unix()))
	}
	if opts.Before != nil {
		parts = append(parts, fmt.Sprintf("before:%d", opts.Before.Unix()))
	}
	if s := strings.TrimSpace(opts.Search); s != "" {
		parts = append(parts, s)
	}
	return strings.Join(parts, " ")
}

func includeSpamTrash(opts models.FetchOptions) bool {
	folder := strings.ToUpper(opts.EffectiveFolder())
	return folder == "SPAM" || folder == "TRASH"
}

type idList struct {
	ids       []string
	estimate  int
	nextToken string
}

// listIDs pages through Messages.List until want ids are collected or the list ends.
// want <= 0 means everything.
func (c *Client) listIDs(ctx context.Context, acct *models.Account, opts models.FetchOptions, pageToken string, want int, pageSize int64) (*idList, error) {
	query := buildQuery(opts)
	out := &idList{}

	for first := true; ; first = false {
		size := pageSize
		if want > 0 && int64(want-len(out.ids)) < size {
			size = int64(want - len(out.ids))
		}

		var resp *gmailapi.ListMessagesResponse
		err := c.call(ctx, acct, "list", quota.CostMessagesList, func(ctx context.Context, svc *gmailapi.Service) error {
			req := svc.Users.Messages.List(userID).MaxResults(size).IncludeSpamTrash(includeSpamTrash(opts))
			if query != "" {
				req = req.Q(query)
			}
			if pageToken != "" {
				req = req.PageToken(pageToken)
			}
			var err error
			resp, err = req.Context(ctx).Do()
			return err
		})
		if err != nil {
			return nil, err
		}

		if first {
			out.estimate = int(resp.ResultSizeEstimate)
		}
		for _, m := range resp.Messages {
			out.ids = append(out.ids, m.Id)
		}
		pageToken = resp.NextPageToken
		out.nextToken = pageToken

		if pageToken == "" || (want > 0 && len(out.ids) >= want) {
			return out, nil
		}
	}
}

// Fetch lists and retrieves messages for the account. With Page/PageSize set it
// returns exactly the requested offset window, walking as many list pages as
// needed because the API has no random access.
func (c *Client) Fetch(ctx context.Context, acct *models.Account, opts models.FetchOptions) (*models.FetchPage, error) {
	var (
		ids  []string
		page = &models.FetchPage{}
	)

	switch {
	case opts.Paged():
		offset := opts.Offset()
		listed, err := c.listIDs(ctx, acct, opts, "", offset+opts.PageSize+1, maxListPage)
		if err != nil {
			return nil, err
		}
		end := offset + opts.PageSize
		if offset < len(listed.ids) {
			ids = listed.ids[offset:min(end, len(listed.ids))]
		}
		page.Pagination = models.Pagination{
			Page:        opts.Page,
			PageSize:    opts.PageSize,
			HasNextPage: len(listed.ids) > end || (len(listed.ids) == end && listed.nextToken != ""),
		}
		page.TotalCount = listed.estimate
		if listed.nextToken == "" {
			page.TotalCount = len(listed.ids)
		}

	case opts.FetchAll:
		listed, err := c.listIDs(ctx, acct, opts, "", 0, maxListPage)
		if err != nil {
			return nil, err
		}
		ids = listed.ids
		page.TotalCount = len(listed.ids)

	default:
		listed, err := c.listIDs(ctx, acct, opts, "", opts.EffectiveLimit(), maxListPage)
		if err != nil {
			return nil, err
		}
		ids = listed.ids
		page.TotalCount = listed.estimate
		page.Pagination = models.Pagination{
			HasNextPage: listed.nextToken != "",
			NextCursor:  listed.nextToken,
		}
	}

	msgs, skipped, err := c.FetchMessages(ctx, acct, ids, opts.IncludeBody)
	if err != nil {
		return nil, err
	}
	page.Messages = msgs
	page.Skipped = skipped

	if opts.MarkAsRead {
		c.markRead(ctx, acct, msgs)
	}
	return page, nil
}

// ListPage returns one page of the whole mailbox for batch backfills.
func (c *Client) ListPage(ctx context.Context, acct *models.Account, cursor string, size int) (*models.FetchPage, error) {
	opts := models.FetchOptions{Folder: "ALL", IncludeBody: true}
	listed, err := c.listIDs(ctx, acct, opts, cursor, size, int64(size))
	if err != nil {
		return nil, err
	}

	msgs, skipped, err := c.FetchMessages(ctx, acct, listed.ids, true)
	if err != nil {
		return nil, err
	}
	return &models.FetchPage{
		Messages:   msgs,
		TotalCount: listed.estimate,
		Skipped:    skipped,
		Pagination: models.Pagination{
			PageSize:    size,
			HasNextPage: listed.nextToken != "",
			NextCursor:  listed.nextToken,
		},
	}, nil
}

// FetchMessages retrieves messages one by one in the given order. Messages that
// vanished or cannot be parsed are skipped and counted.
func (c *Client) FetchMessages(ctx context.Context, acct *models.Account, ids []string, includeBody bool) ([]*models.Message, int, error) {
	format := "full"
	if !includeBody {
		format = "metadata"
	}

	msgs := make([]*models.Message, 0, len(ids))
	skipped := 0
	for _, id := range ids {
		if c.pacer != nil {
			if err := c.pacer.Wait(ctx, acct.ID); err != nil {
				return nil, 0, err
			}
		}

		var raw *gmailapi.Message
		err := c.call(ctx, acct, "get", quota.CostMessagesGet, func(ctx context.Context, svc *gmailapi.Service) error {
			req := svc.Users.Messages.Get(userID, id).Format(format)
			if format == "metadata" {
				req = req.MetadataHeaders(metadataHeaders...)
			}
			var err error
			raw, err = req.Context(ctx).Do()
			return err
		})
		if errors.Is(err, mailerr.ErrNotFound) {
			skipped++
			continue
		}
		if err != nil {
			return nil, 0, err
		}

		msg, err := toMessage(raw)
		if err != nil {
			log.Warn().Str("account_id", acct.ID).Str("provider_message_id", id).Err(err).Msg("Skipping unparsable message")
			skipped++
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, skipped, nil
}

// MarkAsRead removes the UNREAD label from one message.
func (c *Client) MarkAsRead(ctx context.Context, acct *models.Account, providerID string) error {
	return c.call(ctx, acct, "modify", quota.CostModify, func(ctx context.Context, svc *gmailapi.Service) error {
		_, err := svc.Users.Messages.Modify(userID, providerID, &gmailapi.ModifyMessageRequest{
			RemoveLabelIds: []string{"UNREAD"},
		}).Context(ctx).Do()
		return err
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
		msg.Labels = removeLabel(msg.Labels, "UNREAD")
	}
}

func removeLabel(labels []string, label string) []string {
	out := labels[:0:0]
	for _, l := range labels {
		if l != label {
			out = append(out, l)
		}
	}
	return out
}
