package imap

import (
	"fmt"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// bodySection picks the full message or only its header. PEEK keeps \Seen untouched.
func bodySection(includeBody bool) *imap.BodySectionName {
	section := &imap.BodySectionName{Peek: true}
	if !includeBody {
		section.Specifier = imap.HeaderSpecifier
	}
	return section
}

// FetchMessages fetches the given UIDs and returns them in the same order.
// UIDs the server did not return are left out.
func FetchMessages(c *client.Client, uids []uint32, section *imap.BodySectionName) ([]*imap.Message, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}

	if len(uids) == 0 {
		return []*imap.Message{}, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	items := []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchFlags,
		imap.FetchUid,
		imap.FetchRFC822Size,
		imap.FetchInternalDate,
		section.FetchItem(),
	}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)

	go func() {
		done <- c.UidFetch(seqSet, items, messages)
	}()

	byUID := make(map[uint32]*imap.Message, len(uids))
	for msg := range messages {
		byUID[msg.Uid] = msg
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	result := make([]*imap.Message, 0, len(uids))
	for _, uid := range uids {
		if msg, ok := byUID[uid]; ok {
			result = append(result, msg)
		}
	}
	return result, nil
}

// fetchEnvelopes fetches only envelopes, keyed by UID.
func fetchEnvelopes(c *client.Client, uids []uint32) (map[uint32]*imap.Envelope, error) {
	out := make(map[uint32]*imap.Envelope, len(uids))
	if len(uids) == 0 {
		return out, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqSet, []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid}, messages)
	}()
	for msg := range messages {
		out[msg.Uid] = msg.Envelope
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch envelopes: %w", err)
	}
	return out, nil
}

// markSeen adds \Seen to the given UIDs.
func markSeen(c *client.Client, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := c.UidStore(seqSet, item, []interface{}{imap.SeenFlag}, nil); err != nil {
		return fmt.Errorf("failed to set \\Seen: %w", err)
	}
	return nil
}
