package imap

import (
	"fmt"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/vdavid/marketdesk/internal/models"
)

// draftsAttr is the SPECIAL-USE attribute of the drafts mailbox (RFC 6154).
const draftsAttr = `\Drafts`

// draftsFallbackNames are tried in order when no mailbox carries \Drafts.
var draftsFallbackNames = []string{"Drafts", "INBOX.Drafts", "Draft"}

// ListFolders lists all mailboxes with their attributes.
func ListFolders(c *client.Client) ([]models.Folder, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}

	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)

	go func() {
		done <- c.List("", "*", mailboxes)
	}()

	var folders []models.Folder
	for m := range mailboxes {
		folders = append(folders, models.Folder{Name: m.Name, Attributes: m.Attributes})
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}

	return folders, nil
}

// findDraftsFolder picks the \Drafts mailbox, falling back to common names.
// Returns "" when the account has no drafts mailbox.
func findDraftsFolder(folders []models.Folder) string {
	for _, f := range folders {
		for _, attr := range f.Attributes {
			if strings.EqualFold(attr, draftsAttr) {
				return f.Name
			}
		}
	}
	for _, name := range draftsFallbackNames {
		for _, f := range folders {
			if strings.EqualFold(f.Name, name) {
				return f.Name
			}
		}
	}
	return ""
}
