package imap

import (
	"context"
	"time"

	idle "github.com/emersion/go-imap-idle"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/rs/zerolog/log"
	"github.com/vdavid/marketdesk/internal/models"
)

const (
	// idleListenerSleep is the backoff duration after an error before retrying IDLE.
	idleListenerSleep = 10 * time.Second
	// idlePollInterval is used with servers that lack the IDLE extension.
	idlePollInterval = 30 * time.Second
)

// NewMailHandler runs after the server reports new messages in INBOX.
type NewMailHandler func(ctx context.Context, acct *models.Account)

// StartIdleListener runs an IMAP IDLE loop on the account's INBOX and calls
// onNewMail whenever the message count grows. It blocks until ctx is canceled.
func (c *Client) StartIdleListener(ctx context.Context, acct *models.Account, onNewMail NewMailHandler) {
	for {
		if ctx.Err() != nil {
			return
		}

		listener, err := c.listenerConnection(acct)
		if err != nil {
			log.Warn().Str("account_id", acct.ID).Err(err).Msg("IMAP IDLE: failed to get listener connection")
			if !sleepCtx(ctx, idleListenerSleep) {
				return
			}
			continue
		}

		broken := c.runIdleLoop(ctx, acct, listener.GetClient(), onNewMail)
		listener.Unlock()
		if broken {
			c.pool.RemoveListenerConnection(acct.ID)
		}

		if !sleepCtx(ctx, idleListenerSleep) {
			return
		}
	}
}

func (c *Client) listenerConnection(acct *models.Account) (ListenerClient, error) {
	creds, err := c.Credentials(acct)
	if err != nil {
		return nil, err
	}
	return c.pool.GetListenerConnection(acct.ID, creds)
}

// runIdleLoop runs the IDLE command and handles mailbox updates. It reports
// whether the connection is broken and must be dropped.
func (c *Client) runIdleLoop(ctx context.Context, acct *models.Account, client *imapclient.Client, onNewMail NewMailHandler) bool {
	mbox, err := client.Select(models.DefaultFolder, true)
	if err != nil {
		log.Warn().Str("account_id", acct.ID).Err(err).Msg("IMAP IDLE: failed to select INBOX")
		return true
	}
	known := mbox.Messages

	updates := make(chan imapclient.Update, 10)
	client.Updates = updates
	defer func() { client.Updates = nil }()

	idleClient := idle.NewClient(client)
	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- idleClient.IdleWithFallback(stop, idlePollInterval)
	}()

	for {
		select {
		case <-ctx.Done():
			close(stop)
			<-done
			return false
		case err := <-done:
			if err != nil {
				log.Warn().Str("account_id", acct.ID).Err(err).Msg("IMAP IDLE: idle loop ended with error")
				return true
			}
			return false
		case update := <-updates:
			if grew, count := hasNewMail(update, known); grew {
				known = count
				onNewMail(ctx, acct)
			} else if count > 0 {
				known = count
			}
		}
	}
}

// hasNewMail reports whether an update announces more INBOX messages than known,
// and returns the new count when the update carries one.
func hasNewMail(update imapclient.Update, known uint32) (bool, uint32) {
	mboxUpdate, ok := update.(*imapclient.MailboxUpdate)
	if !ok || mboxUpdate.Mailbox == nil {
		return false, 0
	}
	status := mboxUpdate.Mailbox
	if status.Name != models.DefaultFolder || status.Messages == 0 {
		return false, 0
	}
	return status.Messages > known, status.Messages
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
