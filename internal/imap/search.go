package imap

import (
	"fmt"
	"sort"
	"strings"

	"github.com/emersion/go-imap"
	sortthread "github.com/emersion/go-imap-sortthread"
	"github.com/emersion/go-imap/client"
	"github.com/vdavid/marketdesk/internal/models"
)

// parseFolderFromQuery extracts a "folder:<name>" token from search text and
// returns the folder (or fallback) and the remaining text.
func parseFolderFromQuery(query, fallback string) (string, string) {
	folder := fallback
	if !strings.Contains(strings.ToLower(query), "folder:") {
		return folder, query
	}

	parts := strings.Fields(query)
	for i, part := range parts {
		if len(part) > len("folder:") && strings.EqualFold(part[:len("folder:")], "folder:") {
			folder = part[len("folder:"):]
			rest := append(append([]string(nil), parts[:i]...), parts[i+1:]...)
			return folder, strings.Join(rest, " ")
		}
	}
	return folder, query
}

// buildCriteria maps fetch options onto SINCE/BEFORE plus SUBJECT or BODY
// matches. "subject:" and "body:" prefixes pick one field; plain text matches either.
func buildCriteria(opts models.FetchOptions, text string) *imap.SearchCriteria {
	criteria := imap.NewSearchCriteria()
	if opts.Since != nil {
		criteria.Since = *opts.Since
	}
	if opts.Before != nil {
		criteria.Before = *opts.Before
	}

	text = strings.TrimSpace(text)
	switch lower := strings.ToLower(text); {
	case text == "":
	case strings.HasPrefix(lower, "subject:"):
		criteria.Header.Add("Subject", strings.TrimSpace(text[len("subject:"):]))
	case strings.HasPrefix(lower, "body:"):
		criteria.Body = []string{strings.TrimSpace(text[len("body:"):])}
	default:
		subject := imap.NewSearchCriteria()
		subject.Header.Add("Subject", text)
		body := imap.NewSearchCriteria()
		body.Body = []string{text}
		criteria.Or = [][2]*imap.SearchCriteria{{subject, body}}
	}
	return criteria
}

// searchUIDs returns matching UIDs newest first. Servers advertising SORT order
// by date; otherwise descending UID order stands in for arrival order.
func searchUIDs(c *client.Client, criteria *imap.SearchCriteria) ([]uint32, error) {
	if ok, _ := c.Support("SORT"); ok {
		sc := sortthread.NewSortClient(c)
		uids, err := sc.UidSort([]sortthread.SortCriterion{{Field: sortthread.SortDate, Reverse: true}}, criteria)
		if err == nil {
			return uids, nil
		}
	}

	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
	return uids, nil
}

// window cuts the requested slice out of the newest-first UID list.
func window(uids []uint32, opts models.FetchOptions) ([]uint32, models.Pagination) {
	switch {
	case opts.Paged():
		start := min(opts.Offset(), len(uids))
		end := min(start+opts.PageSize, len(uids))
		return uids[start:end], models.Pagination{
			Page:        opts.Page,
			PageSize:    opts.PageSize,
			HasNextPage: end < len(uids),
		}
	case opts.FetchAll:
		return uids, models.Pagination{}
	default:
		end := min(opts.EffectiveLimit(), len(uids))
		return uids[:end], models.Pagination{HasNextPage: end < len(uids)}
	}
}
