package imap

import (
	"testing"

	"github.com/emersion/go-imap"
	sortthread "github.com/emersion/go-imap-sortthread"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/vdavid/marketdesk/internal/models"
)

func TestThreadRoots(t *testing.T) {
	// (1 (2 3)) (0 (4)(5)) 6
	threads := []*sortthread.Thread{
		{Id: 1, Children: []*sortthread.Thread{{Id: 2, Children: []*sortthread.Thread{{Id: 3}}}}},
		{Id: 0, Children: []*sortthread.Thread{{Id: 4}, {Id: 5}}},
		{Id: 6},
	}

	roots := threadRoots(threads)

	want := map[uint32]uint32{1: 1, 2: 1, 3: 1, 4: 4, 5: 5, 6: 6}
	if len(roots) != len(want) {
		t.Fatalf("Expected %d entries, got %d: %v", len(want), len(roots), roots)
	}
	for uid, root := range want {
		if roots[uid] != root {
			t.Errorf("Expected root of %d to be %d, got %d", uid, root, roots[uid])
		}
	}
}

func TestHasNewMail(t *testing.T) {
	inbox := func(n uint32) imapclient.Update {
		status := imap.NewMailboxStatus(models.DefaultFolder, []imap.StatusItem{imap.StatusMessages})
		status.Messages = n
		return &imapclient.MailboxUpdate{Mailbox: status}
	}

	tests := []struct {
		name      string
		update    imapclient.Update
		known     uint32
		wantGrew  bool
		wantCount uint32
	}{
		{"count grew", inbox(5), 4, true, 5},
		{"count unchanged", inbox(4), 4, false, 4},
		{"expunge shrinks count", inbox(3), 4, false, 3},
		{"other mailbox", &imapclient.MailboxUpdate{Mailbox: imap.NewMailboxStatus("Sent", nil)}, 4, false, 0},
		{"not a mailbox update", &imapclient.ExpungeUpdate{SeqNum: 1}, 4, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			grew, count := hasNewMail(tt.update, tt.known)
			if grew != tt.wantGrew || count != tt.wantCount {
				t.Errorf("Expected (%v, %d), got (%v, %d)", tt.wantGrew, tt.wantCount, grew, count)
			}
		})
	}
}

func TestFindDraftsFolder(t *testing.T) {
	tests := []struct {
		name    string
		folders []models.Folder
		want    string
	}{
		{"special-use attribute wins", []models.Folder{{Name: "Drafts"}, {Name: "Entwürfe", Attributes: []string{`\Drafts`}}}, "Entwürfe"},
		{"falls back to common name", []models.Folder{{Name: "INBOX"}, {Name: "INBOX.Drafts"}}, "INBOX.Drafts"},
		{"case-insensitive name", []models.Folder{{Name: "drafts"}}, "drafts"},
		{"none", []models.Folder{{Name: "INBOX"}, {Name: "Sent"}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := findDraftsFolder(tt.folders); got != tt.want {
				t.Errorf("Expected '%s', got '%s'", tt.want, got)
			}
		})
	}
}
