package threading

import (
	"regexp"
	"strings"

	"github.com/vdavid/marketdesk/internal/models"
)

var (
	// replyPrefix matches "Re:", "RE[2]:", "Fwd:", "Fw:", and the common localized forms.
	replyPrefix = regexp.MustCompile(`(?i)^(re|fwd?|aw|sv|wg|tr|antw)\s*(\[\d+\]|\(\d+\))?\s*:\s*`)
	leadingTag  = regexp.MustCompile(`^\[[^\]]*\]\s*`)
	whitespace  = regexp.MustCompile(`\s+`)
	orderID     = regexp.MustCompile(`(?i)\border\b\s*(id|no\.?|number)?\s*[:#]?\s*[a-z]*-?\d{2,}`)
)

// NormalizeSubject strips reply/forward prefixes and leading bracket tags, collapses
// whitespace and case-folds. It is idempotent.
func NormalizeSubject(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		stripped := replyPrefix.ReplaceAllString(s, "")
		stripped = leadingTag.ReplaceAllString(stripped, "")
		stripped = strings.TrimSpace(stripped)
		if stripped == s {
			break
		}
		s = stripped
	}
	s = whitespace.ReplaceAllString(s, " ")
	return strings.ToLower(s)
}

// ReplySubject prefixes "Re: " unless the subject already starts with a reply prefix.
func ReplySubject(subject string) string {
	trimmed := strings.TrimSpace(subject)
	if strings.HasPrefix(strings.ToLower(trimmed), "re:") {
		return trimmed
	}
	return "Re: " + trimmed
}

// ReplyReferences returns the References list for a reply to original: the
// original's own references followed by its message id.
func ReplyReferences(original *models.Message) []string {
	refs := make([]string, 0, len(original.References)+1)
	seen := make(map[string]bool)
	for _, id := range original.References {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		refs = append(refs, id)
	}
	if original.MessageID != "" && !seen[original.MessageID] {
		refs = append(refs, original.MessageID)
	}
	return refs
}

// InferThreadType classifies a conversation from the first message's content.
func InferThreadType(msg *models.Message) models.ThreadType {
	subject := strings.ToLower(msg.Subject)
	body := strings.ToLower(msg.BodyText + " " + msg.BodyHTML)

	switch {
	case containsAny(subject, "unsubscribe", "newsletter", "promotion") ||
		containsAny(body, "unsubscribe", "newsletter", "promotion"):
		return models.ThreadMarketing
	case containsAny(subject, "notification", "alert", "system", "update"):
		return models.ThreadSystem
	case containsAny(subject, "receipt", "invoice", "confirmation") || orderID.MatchString(msg.Subject):
		return models.ThreadNotification
	default:
		return models.ThreadConversation
	}
}

func containsAny(s string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
