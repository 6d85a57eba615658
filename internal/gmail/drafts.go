package gmail

import (
	"context"
	"encoding/base64"

	"github.com/vdavid/marketdesk/internal/models"
	"github.com/vdavid/marketdesk/internal/quota"
	gmailapi "google.golang.org/api/gmail/v1"
)

// CreateDraft stores an RFC822 message as a draft, optionally inside a native thread.
func (c *Client) CreateDraft(ctx context.Context, acct *models.Account, raw []byte, threadID string) (string, error) {
	var draft *gmailapi.Draft
	err := c.call(ctx, acct, "draft", quota.CostDraftsCreate, func(ctx context.Context, svc *gmailapi.Service) error {
		var err error
		draft, err = svc.Users.Drafts.Create(userID, &gmailapi.Draft{
			Message: &gmailapi.Message{
				Raw:      base64.URLEncoding.EncodeToString(raw),
				ThreadId: threadID,
			},
		}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", err
	}
	return draft.Id, nil
}
