// Package imap fetches, flags and drafts mail for password-based accounts over IMAP.
package imap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/rs/zerolog/log"
	"github.com/vdavid/marketdesk/internal/mailerr"
	"github.com/vdavid/marketdesk/internal/models"
)

const providerName = "imap"

// Vault decrypts stored passwords.
type Vault interface {
	Decrypt(ciphertext []byte) (string, error)
}

// Pacer spaces out calls for one account.
type Pacer interface {
	Wait(ctx context.Context, accountID string) error
}

// Client fetches mail from the IMAP server configured on an account.
type Client struct {
	pool  *Pool
	vault Vault
	pacer Pacer
}

// NewClient creates an IMAP fetcher on top of a connection pool.
func NewClient(pool *Pool, vault Vault, pacer Pacer) *Client {
	return &Client{pool: pool, vault: vault, pacer: pacer}
}

// Credentials decrypts the incoming server login of an account.
// A password that cannot be decrypted requires the user to enter it again.
func (c *Client) Credentials(acct *models.Account) (Credentials, error) {
	cfg := acct.Incoming
	if cfg == nil || cfg.Host == "" {
		return Credentials{}, mailerr.New(providerName, "credentials", mailerr.ErrUnsupported,
			errors.New("account has no incoming server"))
	}

	password, err := c.vault.Decrypt(cfg.EncryptedPassword)
	if err != nil {
		return Credentials{}, mailerr.New(providerName, "credentials", mailerr.ErrReauthRequired, err)
	}

	username := cfg.Username
	if username == "" {
		username = acct.EmailAddress
	}
	return Credentials{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Security: cfg.Security,
		Username: username,
		Password: password,
	}, nil
}

func (c *Client) withClient(ctx context.Context, acct *models.Account, fn func(ic *client.Client) error) error {
	creds, err := c.Credentials(acct)
	if err != nil {
		return err
	}
	if c.pacer != nil {
		if err := c.pacer.Wait(ctx, acct.ID); err != nil {
			return err
		}
	}
	return c.pool.WithClient(acct.ID, creds, fn)
}

// Fetch searches one folder and fetches the requested window, newest first.
// A "folder:<name>" token in the search text overrides the folder.
func (c *Client) Fetch(ctx context.Context, acct *models.Account, opts models.FetchOptions) (*models.FetchPage, error) {
	folder, text := parseFolderFromQuery(opts.Search, opts.EffectiveFolder())
	criteria := buildCriteria(opts, text)
	section := bodySection(opts.IncludeBody)

	page := &models.FetchPage{}
	err := c.withClient(ctx, acct, func(ic *client.Client) error {
		if _, err := ic.Select(folder, false); err != nil {
			return mailerr.New(providerName, "select", mailerr.ErrNotFound, fmt.Errorf("failed to select folder %s: %w", folder, err))
		}

		all, err := searchUIDs(ic, criteria)
		if err != nil {
			return mailerr.New(providerName, "search", mailerr.ErrTransient, err)
		}
		uids, pagination := window(all, opts)
		page.TotalCount = len(all)
		page.Pagination = pagination

		msgs, parsedUIDs, skipped, err := fetchAndParse(ic, uids, folder, section)
		if err != nil {
			return err
		}
		applyServerThreads(ic, criteria, msgs, parsedUIDs)
		page.Messages = msgs
		page.Skipped = skipped

		if opts.MarkAsRead {
			var unread []uint32
			for i, m := range msgs {
				if !m.IsRead {
					unread = append(unread, parsedUIDs[i])
				}
			}
			if err := markSeen(ic, unread); err != nil {
				log.Warn().Str("account_id", acct.ID).Err(err).Msg("Failed to mark IMAP messages as read")
			} else {
				for _, m := range msgs {
					m.IsRead = true
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// ListPage walks INBOX newest first for batch backfills. The cursor is the
// lowest UID already returned; the next page holds the UIDs below it.
func (c *Client) ListPage(ctx context.Context, acct *models.Account, cursor string, size int) (*models.FetchPage, error) {
	var below uint32
	if cursor != "" {
		n, err := strconv.ParseUint(cursor, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid IMAP cursor %q: %w", cursor, err)
		}
		below = uint32(n)
	}

	folder := models.DefaultFolder
	page := &models.FetchPage{Pagination: models.Pagination{PageSize: size}}
	if cursor != "" && below <= 1 {
		return page, nil
	}
	err := c.withClient(ctx, acct, func(ic *client.Client) error {
		if _, err := ic.Select(folder, true); err != nil {
			return mailerr.New(providerName, "select", mailerr.ErrNotFound, err)
		}

		criteria := imap.NewSearchCriteria()
		if below > 0 {
			criteria.Uid = new(imap.SeqSet)
			criteria.Uid.AddRange(1, below-1)
		}
		all, err := searchUIDs(ic, criteria)
		if err != nil {
			return mailerr.New(providerName, "search", mailerr.ErrTransient, err)
		}
		// UID order, not date order, keeps the cursor monotonic.
		sort.Slice(all, func(i, j int) bool { return all[i] > all[j] })

		uids := all[:min(size, len(all))]
		msgs, _, skipped, err := fetchAndParse(ic, uids, folder, bodySection(true))
		if err != nil {
			return err
		}

		page.Messages = msgs
		page.Skipped = skipped
		page.TotalCount = len(all)
		page.Pagination = models.Pagination{PageSize: size, HasNextPage: len(all) > len(uids)}
		if page.Pagination.HasNextPage {
			page.Pagination.NextCursor = strconv.FormatUint(uint64(uids[len(uids)-1]), 10)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// fetchAndParse fetches and parses messages, returning the UID of each parsed message.
func fetchAndParse(ic *client.Client, uids []uint32, folder string, section *imap.BodySectionName) ([]*models.Message, []uint32, int, error) {
	raw, err := FetchMessages(ic, uids, section)
	if err != nil {
		return nil, nil, 0, mailerr.New(providerName, "fetch", mailerr.ErrTransient, err)
	}

	msgs := make([]*models.Message, 0, len(raw))
	parsed := make([]uint32, 0, len(raw))
	skipped := len(uids) - len(raw)
	for _, r := range raw {
		msg, err := ParseMessage(r, folder, section)
		if err != nil {
			log.Warn().Str("folder", folder).Uint32("uid", r.Uid).Err(err).Msg("Skipping unparsable message")
			skipped++
			continue
		}
		msgs = append(msgs, msg)
		parsed = append(parsed, r.Uid)
	}
	return msgs, parsed, skipped, nil
}

// MarkAsRead sets \Seen on one message identified by ProviderMessageID.
func (c *Client) MarkAsRead(ctx context.Context, acct *models.Account, providerID string) error {
	folder, uid, err := SplitProviderMessageID(providerID)
	if err != nil {
		return mailerr.New(providerName, "mark_read", mailerr.ErrNotFound, err)
	}
	return c.withClient(ctx, acct, func(ic *client.Client) error {
		if _, err := ic.Select(folder, false); err != nil {
			return mailerr.New(providerName, "select", mailerr.ErrNotFound, err)
		}
		return markSeen(ic, []uint32{uid})
	})
}

// ListFolders returns the account's mailboxes.
func (c *Client) ListFolders(ctx context.Context, acct *models.Account) ([]models.Folder, error) {
	var folders []models.Folder
	err := c.withClient(ctx, acct, func(ic *client.Client) error {
		var err error
		folders, err = ListFolders(ic)
		return err
	})
	return folders, err
}

// AppendDraft stores a raw RFC822 message in the drafts mailbox with \Draft set
// and returns the mailbox it went to.
func (c *Client) AppendDraft(ctx context.Context, acct *models.Account, raw []byte) (string, error) {
	var folder string
	err := c.withClient(ctx, acct, func(ic *client.Client) error {
		folders, err := ListFolders(ic)
		if err != nil {
			return mailerr.New(providerName, "list", mailerr.ErrTransient, err)
		}
		folder = findDraftsFolder(folders)
		if folder == "" {
			return mailerr.New(providerName, "draft", mailerr.ErrUnsupported, errors.New("no drafts mailbox"))
		}
		flags := []string{imap.DraftFlag, imap.SeenFlag}
		if err := ic.Append(folder, flags, time.Now(), bytes.NewReader(raw)); err != nil {
			return mailerr.New(providerName, "append", mailerr.ErrTransient, err)
		}
		return nil
	})
	return folder, err
}

// Close closes all pooled connections.
func (c *Client) Close() {
	c.pool.Close()
}
