package imap

import (
	"fmt"
	"strings"

	"github.com/emersion/go-imap"
	sortthread "github.com/emersion/go-imap-sortthread"
	"github.com/emersion/go-imap/client"
	"github.com/rs/zerolog/log"
	"github.com/vdavid/marketdesk/internal/models"
)

// RunThreadCommand runs UID THREAD REFERENCES over the messages matching criteria.
func RunThreadCommand(c *client.Client, criteria *imap.SearchCriteria) ([]*sortthread.Thread, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}

	threads, err := sortthread.NewThreadClient(c).UidThread(sortthread.References, criteria)
	if err != nil {
		return nil, fmt.Errorf("THREAD command returned error: %w", err)
	}
	return threads, nil
}

// threadRoots maps every UID in the thread forest to the UID of its root.
func threadRoots(threads []*sortthread.Thread) map[uint32]uint32 {
	roots := make(map[uint32]uint32)
	var walk func(t *sortthread.Thread, root uint32)
	walk = func(t *sortthread.Thread, root uint32) {
		if t == nil {
			return
		}
		// Id 0 is a placeholder node for a missing parent.
		if t.Id != 0 {
			if root == 0 {
				root = t.Id
			}
			roots[t.Id] = root
		}
		for _, child := range t.Children {
			walk(child, root)
		}
	}
	for _, t := range threads {
		walk(t, 0)
	}
	return roots
}

// applyServerThreads sets ProviderThreadID to the root Message-ID reported by
// the server's THREAD extension. Servers without THREAD=REFERENCES are skipped.
func applyServerThreads(c *client.Client, criteria *imap.SearchCriteria, msgs []*models.Message, uids []uint32) {
	if ok, _ := c.Support("THREAD=REFERENCES"); !ok || len(msgs) == 0 {
		return
	}

	threads, err := RunThreadCommand(c, criteria)
	if err != nil {
		log.Debug().Err(err).Msg("IMAP THREAD failed, falling back to header threading")
		return
	}
	roots := threadRoots(threads)

	messageIDs := make(map[uint32]string, len(msgs))
	for i, m := range msgs {
		messageIDs[uids[i]] = m.MessageID
	}

	var missing []uint32
	for _, uid := range uids {
		if root, ok := roots[uid]; ok {
			if _, known := messageIDs[root]; !known {
				missing = append(missing, root)
			}
		}
	}
	if len(missing) > 0 {
		envelopes, err := fetchEnvelopes(c, missing)
		if err != nil {
			log.Debug().Err(err).Msg("Failed to fetch IMAP thread roots")
			return
		}
		for uid, env := range envelopes {
			if env != nil && strings.TrimSpace(env.MessageId) != "" {
				messageIDs[uid] = strings.TrimSpace(env.MessageId)
			}
		}
	}

	for i, m := range msgs {
		if root, ok := roots[uids[i]]; ok {
			if id := messageIDs[root]; id != "" {
				m.ProviderThreadID = id
			}
		}
	}
}
