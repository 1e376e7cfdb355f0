package aggregator

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/channels"
	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/replyctx"
)

// Mode tells how a window was opened.
type Mode string

const (
	// ModeImplicit is a regular debounced window.
	ModeImplicit Mode = "implicit"

	// ModeCommand is a single command event flushed on arrival.
	ModeCommand Mode = "command"
)

// Reason tells why a window was closed.
type Reason string

const (
	ReasonQuiet    Reason = "quiet"
	ReasonCommand  Reason = "command"
	ReasonExplicit Reason = "explicit"
	ReasonFull     Reason = "full"
	ReasonStop     Reason = "stop"
)

// Submission is the combined result of one flushed window. It is never
// mutated after it leaves the aggregator; WithReply returns a copy.
type Submission struct {
	ID        string
	Key       channels.ActorKey
	Mode      Mode
	Reason    Reason
	OpenedAt  time.Time
	FlushedAt time.Time

	// Reply is the resolved context of the message the submission replies
	// to, if any.
	Reply *replyctx.Entry

	events []*channels.Event
}

func newSubmission(key channels.ActorKey, mode Mode, reason Reason, opened time.Time, events []*channels.Event) *Submission {
	return &Submission{
		ID:        uuid.NewString(),
		Key:       key,
		Mode:      mode,
		Reason:    reason,
		OpenedAt:  opened,
		FlushedAt: time.Now(),
		events:    events,
	}
}

// NewSubmission builds a submission outside of the aggregator, e.g. for
// events that bypass debouncing.
func NewSubmission(key channels.ActorKey, mode Mode, events ...*channels.Event) *Submission {
	evs := make([]*channels.Event, len(events))
	copy(evs, events)
	return newSubmission(key, mode, ReasonExplicit, time.Now(), evs)
}

// Events returns the buffered events in submission order.
func (s *Submission) Events() []*channels.Event {
	out := make([]*channels.Event, len(s.events))
	copy(out, s.events)
	return out
}

// Len returns the number of events.
func (s *Submission) Len() int { return len(s.events) }

// First returns the first event, or nil for an empty submission.
func (s *Submission) First() *channels.Event {
	if len(s.events) == 0 {
		return nil
	}
	return s.events[0]
}

// Text joins the text and captions of every event, one per line.
func (s *Submission) Text() string {
	parts := make([]string, 0, len(s.events))
	for _, ev := range s.events {
		if t := strings.TrimSpace(ev.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}

// ReplyTarget returns the first reply target declared by any event together
// with that event, or "" when no event replies to an earlier message.
func (s *Submission) ReplyTarget() (string, *channels.Event) {
	for _, ev := range s.events {
		if ev.ReplyTo != "" {
			return ev.ReplyTo, ev
		}
	}
	return "", nil
}

// WithReply returns a copy of s carrying the resolved reply context.
func (s *Submission) WithReply(e replyctx.Entry) *Submission {
	cp := *s
	cp.Reply = &e
	return &cp
}
