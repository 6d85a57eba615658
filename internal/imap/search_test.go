package imap

import (
	"testing"
	"time"

	"github.com/vdavid/marketdesk/internal/models"
)

func TestParseFolderFromQuery(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantFolder string
		wantQuery  string
	}{
		{"no folder token", "test query", "INBOX", "test query"},
		{"folder at start", "folder:Sent test", "Sent", "test"},
		{"folder only", "folder:Archive", "Archive", ""},
		{"folder in middle", "test folder:Orders query", "Orders", "test query"},
		{"first folder wins", "folder:Sent test folder:Archive", "Sent", "test folder:Archive"},
		{"upper-case token", "FOLDER:Sent x", "Sent", "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			folder, query := parseFolderFromQuery(tt.query, "INBOX")
			if folder != tt.wantFolder {
				t.Errorf("Expected folder '%s', got '%s'", tt.wantFolder, folder)
			}
			if query != tt.wantQuery {
				t.Errorf("Expected query '%s', got '%s'", tt.wantQuery, query)
			}
		})
	}
}

func TestBuildCriteria(t *testing.T) {
	since := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	before := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	t.Run("date bounds", func(t *testing.T) {
		c := buildCriteria(models.FetchOptions{Since: &since, Before: &before}, "")
		if !c.Since.Equal(since) || !c.Before.Equal(before) {
			t.Errorf("Expected SINCE %v BEFORE %v, got %v %v", since, before, c.Since, c.Before)
		}
		if len(c.Or) != 0 || len(c.Body) != 0 {
			t.Error("Expected no text criteria")
		}
	})

	t.Run("subject prefix", func(t *testing.T) {
		c := buildCriteria(models.FetchOptions{}, "subject: Order 42")
		if got := c.Header.Get("Subject"); got != "Order 42" {
			t.Errorf("Expected SUBJECT 'Order 42', got '%s'", got)
		}
	})

	t.Run("body prefix", func(t *testing.T) {
		c := buildCriteria(models.FetchOptions{}, "body:tracking")
		if len(c.Body) != 1 || c.Body[0] != "tracking" {
			t.Errorf("Expected BODY 'tracking', got %v", c.Body)
		}
	})

	t.Run("plain text matches subject or body", func(t *testing.T) {
		c := buildCriteria(models.FetchOptions{}, "refund")
		if len(c.Or) != 1 {
			t.Fatalf("Expected one OR pair, got %d", len(c.Or))
		}
		if c.Or[0][0].Header.Get("Subject") != "refund" || c.Or[0][1].Body[0] != "refund" {
			t.Error("Expected SUBJECT refund OR BODY refund")
		}
	})
}

func TestWindow(t *testing.T) {
	uids := make([]uint32, 35)
	for i := range uids {
		uids[i] = uint32(35 - i)
	}

	t.Run("page 2 of 20 out of 35", func(t *testing.T) {
		got, p := window(uids, models.FetchOptions{Page: 2, PageSize: 20})
		if len(got) != 15 {
			t.Errorf("Expected 15 UIDs, got %d", len(got))
		}
		if p.HasNextPage {
			t.Error("Expected no next page")
		}
	})

	t.Run("page past the end", func(t *testing.T) {
		got, p := window(uids, models.FetchOptions{Page: 3, PageSize: 20})
		if len(got) != 0 || p.HasNextPage {
			t.Errorf("Expected empty last page, got %d next=%v", len(got), p.HasNextPage)
		}
	})

	t.Run("default limit", func(t *testing.T) {
		got, p := window(uids, models.FetchOptions{Limit: 10})
		if len(got) != 10 || !p.HasNextPage {
			t.Errorf("Expected 10 UIDs with more, got %d next=%v", len(got), p.HasNextPage)
		}
	})

	t.Run("fetch all", func(t *testing.T) {
		got, _ := window(uids, models.FetchOptions{FetchAll: true, Limit: 5})
		if len(got) != 35 {
			t.Errorf("Expected all 35 UIDs, got %d", len(got))
		}
	})
}
