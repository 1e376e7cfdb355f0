package bot

import (
	"strings"

	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/channels"
	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/replyctx"
)

// replySummaryRunes caps summaries recorded for later reply resolution.
const replySummaryRunes = 200

// summarizeEvent renders a short, human-readable description of ev for the
// reply-context cache.
func summarizeEvent(ev *channels.Event) string {
	text := strings.TrimSpace(ev.Text)
	var s string
	switch ev.Kind {
	case channels.KindText:
		s = text
	case channels.KindContact:
		s = "[contact]"
		if ev.Contact != nil && ev.Contact.DisplayName != "" {
			s = "[contact] " + ev.Contact.DisplayName
		}
	case channels.KindDocument:
		s = "[document]"
		if ev.Payload != nil && ev.Payload.Filename != "" {
			s = "[document] " + ev.Payload.Filename
		}
		if text != "" {
			s += ": " + text
		}
	default:
		s = "[" + string(ev.Kind) + "]"
		if text != "" {
			s += " " + text
		}
	}
	return truncateRunes(s, replySummaryRunes)
}

// quotedExtractor builds the cache-miss fallback from the quote forwarded by
// the transport.
func quotedExtractor(q *channels.Quoted) replyctx.Extractor {
	if q == nil {
		return nil
	}
	return func() (string, channels.EventKind, bool) {
		text := strings.TrimSpace(q.Text)
		if text == "" && q.Kind == "" {
			return "", "", false
		}
		summary := text
		if q.Kind != "" && q.Kind != channels.KindText {
			summary = strings.TrimSpace("[" + string(q.Kind) + "] " + text)
		}
		return truncateRunes(summary, replySummaryRunes), q.Kind, true
	}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
