package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/aggregator"
	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/channels"
	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/isolator"
	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/providers"
	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/router"
	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/supervisor"
)

const defaultImagePrompt = "Describe this image."

// commandHelp is shown by /help, keyed by command name.
var commandHelp = map[string]string{
	"start":  "introduce the bot",
	"help":   "list the available commands",
	"status": "show runtime status",
	"cancel": "discard the messages you are still typing",
}

func (b *Bot) registerHandlers() {
	b.router.Register(channels.KindText, router.HandlerFunc(b.handleText))
	b.router.Register(channels.KindImage, router.HandlerFunc(b.handleImage))
	b.router.Register(channels.KindVoice, router.HandlerFunc(b.handleVoice))
	b.router.Register(channels.KindVideo, router.HandlerFunc(b.handleAttachment))
	b.router.Register(channels.KindDocument, router.HandlerFunc(b.handleAttachment))
	b.router.Register(channels.KindContact, router.HandlerFunc(b.handleContact))

	b.router.RegisterCommand("start", router.HandlerFunc(b.cmdStart))
	b.router.RegisterCommand("help", router.HandlerFunc(b.cmdHelp))
	b.router.RegisterCommand("status", router.HandlerFunc(b.cmdStatus))
	// /cancel is answered before aggregation; this covers it arriving
	// inside an already flushed window.
	b.router.RegisterCommand("cancel", router.HandlerFunc(b.cmdCancel))
}

// ---------- Content handlers ----------

func (b *Bot) handleText(ctx context.Context, sub *aggregator.Submission, _ router.Route) error {
	answer, err := b.llm.Chat(ctx, sub.Text(), replyContext(sub))
	if err != nil {
		return err
	}
	return b.reply(ctx, sub, answer)
}

func (b *Bot) handleImage(ctx context.Context, sub *aggregator.Submission, _ router.Route) error {
	var urls []string
	for _, ev := range sub.Events() {
		if ev.Kind != channels.KindImage {
			continue
		}
		u, err := b.fileURL(ctx, ev.Key.Channel, ev.Payload)
		if err != nil {
			return fmt.Errorf("resolving image: %w", err)
		}
		urls = append(urls, u)
	}

	prompt := sub.Text()
	if prompt == "" {
		prompt = defaultImagePrompt
	}
	if rc := replyContext(sub); rc != "" {
		prompt = "In reply to: " + rc + "\n\n" + prompt
	}

	answer, err := b.llm.Describe(ctx, prompt, urls)
	if err != nil {
		return err
	}
	return b.reply(ctx, sub, answer)
}

// handleVoice transcribes every clip, records the transcript as the clip's
// reply context and answers the combined text.
func (b *Bot) handleVoice(ctx context.Context, sub *aggregator.Submission, _ router.Route) error {
	var parts []string
	for _, ev := range sub.Events() {
		switch ev.Kind {
		case channels.KindVoice:
			u, err := b.fileURL(ctx, ev.Key.Channel, ev.Payload)
			if err != nil {
				return fmt.Errorf("resolving voice clip: %w", err)
			}
			transcript, err := b.llm.Transcribe(ctx, u, voiceFilename(ev))
			if err != nil {
				return err
			}
			if transcript == "" {
				continue
			}
			b.replies.Record(ev.ID, truncateRunes("[voice] "+transcript, replySummaryRunes), channels.KindVoice)
			parts = append(parts, transcript)
		default:
			if t := strings.TrimSpace(ev.Text); t != "" {
				parts = append(parts, t)
			}
		}
	}
	if len(parts) == 0 {
		return b.reply(ctx, sub, "I couldn't make out any words in that recording.")
	}

	transcript := strings.Join(parts, "\n")
	answer, err := b.llm.Chat(ctx, transcript, replyContext(sub))
	if err != nil {
		return err
	}
	return b.reply(ctx, sub, "🎙 "+transcript+"\n\n"+answer)
}

func (b *Bot) handleAttachment(ctx context.Context, sub *aggregator.Submission, route router.Route) error {
	n := route.Counts[route.Kind]
	noun := string(route.Kind)
	if n != 1 {
		noun += "s"
	}
	msg := fmt.Sprintf("Got %d %s.", n, noun)
	if route.Kind == channels.KindDocument {
		var names []string
		for _, ev := range sub.Events() {
			if ev.Kind == channels.KindDocument && ev.Payload != nil && ev.Payload.Filename != "" {
				names = append(names, ev.Payload.Filename)
			}
		}
		if len(names) > 0 {
			msg = fmt.Sprintf("Got %d %s: %s.", n, noun, strings.Join(names, ", "))
		}
	}
	return b.reply(ctx, sub, msg+" I can't read these yet, but I've kept them in this conversation.")
}

func (b *Bot) handleContact(ctx context.Context, sub *aggregator.Submission, _ router.Route) error {
	var names []string
	for _, ev := range sub.Events() {
		if ev.Kind == channels.KindContact && ev.Contact != nil {
			names = append(names, ev.Contact.DisplayName)
		}
	}
	if len(names) == 0 {
		return b.reply(ctx, sub, "Got the contact.")
	}
	return b.reply(ctx, sub, "Got contact: "+strings.Join(names, ", ")+".")
}

// ---------- Commands ----------

func (b *Bot) cmdStart(ctx context.Context, sub *aggregator.Submission, _ router.Route) error {
	name := b.cfg.Name
	if name == "" {
		name = "your assistant"
	}
	msg := fmt.Sprintf("Hi, I'm %s. Send me text, photos or voice notes. "+
		"Take your time: messages sent in quick succession are answered together. "+
		"Send %shelp for commands.", name, b.commandPrefix())
	return b.reply(ctx, sub, msg)
}

func (b *Bot) cmdHelp(ctx context.Context, sub *aggregator.Submission, _ router.Route) error {
	names := b.router.Commands()
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString("Commands:\n")
	for _, name := range names {
		fmt.Fprintf(&sb, "%s%s", b.commandPrefix(), name)
		if h, ok := commandHelp[name]; ok {
			sb.WriteString(" - " + h)
		}
		sb.WriteByte('\n')
	}
	return b.reply(ctx, sub, strings.TrimRight(sb.String(), "\n"))
}

func (b *Bot) cmdStatus(ctx context.Context, sub *aggregator.Submission, _ router.Route) error {
	h := b.Health()

	var sb strings.Builder
	fmt.Fprintf(&sb, "Status: %s\n", h.Status)
	fmt.Fprintf(&sb, "Uptime: %s\n", h.Uptime)
	fmt.Fprintf(&sb, "Open windows: %d\n", h.ActiveWindows)
	fmt.Fprintf(&sb, "Running tasks: %d\n", h.RunningTasks)
	fmt.Fprintf(&sb, "Reply entries: %d\n", h.ReplyEntries)

	names := make([]string, 0, len(h.Channels))
	for name := range h.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ch := h.Channels[name]
		state := "connected"
		if !ch.Connected {
			state = "disconnected"
		}
		fmt.Fprintf(&sb, "Channel %s: %s, %d errors\n", name, state, ch.ErrorCount)
	}

	if b.journal != nil {
		counts, err := b.journal.Counts(ctx, time.Now().Add(-24*time.Hour))
		if err != nil {
			b.logger.Warn("reading task journal", "error", err)
		} else {
			statuses := make([]supervisor.Status, 0, len(counts))
			for st := range counts {
				statuses = append(statuses, st)
			}
			sort.Slice(statuses, func(i, j int) bool { return statuses[i] < statuses[j] })
			parts := make([]string, 0, len(statuses))
			for _, st := range statuses {
				parts = append(parts, fmt.Sprintf("%s %d", st, counts[st]))
			}
			if len(parts) > 0 {
				fmt.Fprintf(&sb, "Tasks (24h): %s\n", strings.Join(parts, ", "))
			}
		}
	}
	return b.reply(ctx, sub, strings.TrimRight(sb.String(), "\n"))
}

func (b *Bot) cmdCancel(ctx context.Context, sub *aggregator.Submission, _ router.Route) error {
	return b.reply(ctx, sub, cancelMessage(b.agg.Cancel(sub.Key)))
}

// ---------- Messages ----------

func cancelMessage(discarded int) string {
	switch discarded {
	case 0:
		return "Nothing to cancel."
	case 1:
		return "Cancelled 1 pending message."
	default:
		return fmt.Sprintf("Cancelled %d pending messages.", discarded)
	}
}

// failureMessage is the participant-facing text for a failed submission.
func failureMessage(err error) string {
	switch {
	case errors.Is(err, providers.ErrNoAPIKey):
		return "I'm not connected to a language model yet. Ask the operator to configure an API key."
	case errors.Is(err, isolator.ErrTimeout):
		return "That took too long and was stopped. Please try again, perhaps with a shorter request."
	default:
		return "Sorry, something went wrong. Please try again."
	}
}

func replyContext(sub *aggregator.Submission) string {
	if sub.Reply == nil {
		return ""
	}
	return sub.Reply.Summary
}

func voiceFilename(ev *channels.Event) string {
	if ev.Payload != nil && ev.Payload.Filename != "" {
		return ev.Payload.Filename
	}
	return "voice.ogg"
}
