package router

import (
	"strings"

	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/aggregator"
	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/channels"
)

// Route is the classification of a submission.
type Route struct {
	// Kind is the dominant content kind.
	Kind channels.EventKind

	// Command is the lowercased command name when the first event is a
	// command, without prefix or bot mention.
	Command string

	// Args is the text following the command name.
	Args string

	// Counts holds the number of events per kind.
	Counts map[channels.EventKind]int
}

// String renders the route for task names and logs.
func (r Route) String() string {
	if r.Command != "" {
		return "command/" + r.Command
	}
	return string(r.Kind)
}

// Label is the low-cardinality metrics label of the route.
func (r Route) Label() string {
	if r.Command != "" {
		return "command"
	}
	return string(r.Kind)
}

// kindPriority breaks ties between non-text kinds; lower wins.
var kindPriority = map[channels.EventKind]int{
	channels.KindVoice:    0,
	channels.KindImage:    1,
	channels.KindVideo:    2,
	channels.KindDocument: 3,
	channels.KindContact:  4,
}

// Classify computes the route of sub. It is a pure function of the
// submission events and prefix.
func Classify(sub *aggregator.Submission, prefix string) Route {
	events := sub.Events()
	route := Route{Kind: channels.KindText, Counts: make(map[channels.EventKind]int)}
	for _, ev := range events {
		route.Counts[ev.Kind]++
	}

	if len(events) > 0 && events[0].Kind == channels.KindText {
		if name, args, ok := ParseCommand(events[0].Text, prefix); ok {
			route.Command = name
			route.Args = args
			return route
		}
	}

	best, bestCount := channels.EventKind(""), 0
	for kind, n := range route.Counts {
		if kind == channels.KindText {
			continue
		}
		p, known := kindPriority[kind]
		if !known {
			continue
		}
		if n > bestCount || (n == bestCount && p < kindPriority[best]) {
			best, bestCount = kind, n
		}
	}
	if bestCount > 0 {
		route.Kind = best
	}
	return route
}

// ParseCommand splits "/name@bot args" into name and args.
func ParseCommand(text, prefix string) (name, args string, ok bool) {
	if prefix == "" {
		prefix = "/"
	}
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, prefix) {
		return "", "", false
	}
	body := strings.TrimPrefix(text, prefix)
	head, rest, _ := strings.Cut(body, " ")
	if i := strings.IndexAny(head, "\n\t"); i >= 0 {
		rest = head[i+1:] + " " + rest
		head = head[:i]
	}
	head, _, _ = strings.Cut(head, "@")
	if head == "" {
		return "", "", false
	}
	return strings.ToLower(head), strings.TrimSpace(rest), true
}
