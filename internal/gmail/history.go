package gmail

import (
	"context"
	"fmt"
	"time"

	"github.com/vdavid/marketdesk/internal/models"
	"github.com/vdavid/marketdesk/internal/quota"
	gmailapi "google.golang.org/api/gmail/v1"
)

// Profile is the mailbox summary returned by Users.GetProfile.
type Profile struct {
	EmailAddress  string
	HistoryID     uint64
	MessagesTotal int
}

// LabelChange is one labelsAdded or labelsRemoved history record.
type LabelChange struct {
	ProviderID string
	Added      []string
	Removed    []string
}

// HistoryPage is one page of mailbox changes, flattened in history order.
type HistoryPage struct {
	Added         []string
	Deleted       []string
	LabelChanges  []LabelChange
	HistoryID     uint64
	NextPageToken string
}

// GetProfile returns the mailbox address, current history id and size.
func (c *Client) GetProfile(ctx context.Context, acct *models.Account) (*Profile, error) {
	var p *gmailapi.Profile
	err := c.call(ctx, acct, "profile", quota.CostGetProfile, func(ctx context.Context, svc *gmailapi.Service) error {
		var err error
		p, err = svc.Users.GetProfile(userID).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Profile{EmailAddress: p.EmailAddress, HistoryID: p.HistoryId, MessagesTotal: int(p.MessagesTotal)}, nil
}

// CurrentHistoryID returns the mailbox's latest history cursor.
func (c *Client) CurrentHistoryID(ctx context.Context, acct *models.Account) (uint64, error) {
	p, err := c.GetProfile(ctx, acct)
	if err != nil {
		return 0, err
	}
	return p.HistoryID, nil
}

// ListHistory returns changes after startID. An expired cursor comes back as mailerr.ErrNotFound.
func (c *Client) ListHistory(ctx context.Context, acct *models.Account, startID uint64, pageToken string, maxResults int) (*HistoryPage, error) {
	var resp *gmailapi.ListHistoryResponse
	err := c.call(ctx, acct, "history", quota.CostHistoryList, func(ctx context.Context, svc *gmailapi.Service) error {
		req := svc.Users.History.List(userID).StartHistoryId(startID).MaxResults(int64(maxResults))
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

	page := &HistoryPage{HistoryID: resp.HistoryId, NextPageToken: resp.NextPageToken}
	added := make(map[string]bool)
	for _, h := range resp.History {
		for _, a := range h.MessagesAdded {
			if a.Message != nil && !added[a.Message.Id] {
				added[a.Message.Id] = true
				page.Added = append(page.Added, a.Message.Id)
			}
		}
		for _, d := range h.MessagesDeleted {
			if d.Message != nil {
				page.Deleted = append(page.Deleted, d.Message.Id)
			}
		}
		for _, l := range h.LabelsAdded {
			if l.Message != nil {
				page.LabelChanges = append(page.LabelChanges, LabelChange{ProviderID: l.Message.Id, Added: l.LabelIds})
			}
		}
		for _, l := range h.LabelsRemoved {
			if l.Message != nil {
				page.LabelChanges = append(page.LabelChanges, LabelChange{ProviderID: l.Message.Id, Removed: l.LabelIds})
			}
		}
	}
	return page, nil
}

// Watch registers a Pub/Sub push subscription for the mailbox and returns its expiry.
func (c *Client) Watch(ctx context.Context, acct *models.Account, topic string) (time.Time, uint64, error) {
	if topic == "" {
		return time.Time{}, 0, fmt.Errorf("no Pub/Sub topic configured")
	}
	var resp *gmailapi.WatchResponse
	err := c.call(ctx, acct, "watch", quota.CostWatch, func(ctx context.Context, svc *gmailapi.Service) error {
		var err error
		resp, err = svc.Users.Watch(userID, &gmailapi.WatchRequest{
			TopicName:           topic,
			LabelIds:            []string{"INBOX"},
			LabelFilterBehavior: "include",
		}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return time.Time{}, 0, err
	}
	return time.UnixMilli(resp.Expiration).UTC(), resp.HistoryId, nil
}

// StopWatch cancels the mailbox's push subscription.
func (c *Client) StopWatch(ctx context.Context, acct *models.Account) error {
	return c.call(ctx, acct, "stop", quota.CostGetProfile, func(ctx context.Context, svc *gmailapi.Service) error {
		return svc.Users.Stop(userID).Context(ctx).Do()
	})
}
