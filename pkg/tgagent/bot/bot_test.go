package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/channels"
	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/isolator"
	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/providers"
)

// ---------- Fakes ----------

type fakeChannel struct {
	in chan *channels.Event

	mu        sync.Mutex
	connected bool
	sent      []channels.OutgoingMessage
	reactions []string
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{in: make(chan *channels.Event, 16)}
}

func (f *fakeChannel) Name() string { return "fake" }

func (f *fakeChannel) Connect(context.Context) error {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Disconnect() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Send(_ context.Context, _ string, msg *channels.OutgoingMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, *msg)
	return fmt.Sprintf("out-%d", len(f.sent)), nil
}

func (f *fakeChannel) SendReaction(_ context.Context, _, messageID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, messageID+emoji)
	return nil
}

func (f *fakeChannel) FileURL(_ context.Context, fileID string) (string, error) {
	return "https://files.test/" + fileID, nil
}

func (f *fakeChannel) Receive() <-chan *channels.Event { return f.in }

func (f *fakeChannel) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeChannel) Health() channels.HealthStatus {
	return channels.HealthStatus{Connected: f.IsConnected()}
}

func (f *fakeChannel) Sent() []channels.OutgoingMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]channels.OutgoingMessage(nil), f.sent...)
}

func (f *fakeChannel) Reactions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reactions...)
}

// fakeExecutor answers provider requests in-process.
type fakeExecutor struct {
	mu    sync.Mutex
	calls []*isolator.Request
	// fail, when set, is consulted before answering; a non-nil error is
	// returned for that call.
	fail func(call int, req *isolator.Request) error
}

func (e *fakeExecutor) Execute(_ context.Context, req *isolator.Request) (*isolator.Result, error) {
	e.mu.Lock()
	e.calls = append(e.calls, req)
	n := len(e.calls)
	fail := e.fail
	e.mu.Unlock()

	if fail != nil {
		if err := fail(n, req); err != nil {
			return nil, err
		}
	}

	var text string
	switch req.Op {
	case providers.OpChat:
		var args providers.ChatArgs
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return nil, err
		}
		text = "echo: " + args.Prompt
	case providers.OpVision:
		var args providers.VisionArgs
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return nil, err
		}
		text = fmt.Sprintf("saw %d image(s)", len(args.ImageURLs))
	case providers.OpTranscribe:
		text = "transcribed words"
	default:
		return nil, &isolator.Failure{Kind: isolator.KindOperation, Op: req.Op, Err: errors.New("unknown op")}
	}
	payload, _ := json.Marshal(providers.TextResult{Text: text})
	return &isolator.Result{Payload: payload}, nil
}

func (e *fakeExecutor) Calls() []*isolator.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*isolator.Request(nil), e.calls...)
}

func chatArgs(t *testing.T, req *isolator.Request) providers.ChatArgs {
	t.Helper()
	var args providers.ChatArgs
	require.NoError(t, json.Unmarshal(req.Args, &args))
	return args
}

// ---------- Helpers ----------

var testKey = channels.ActorKey{Channel: "fake", ChatID: "c1", UserID: "u1"}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Telegram.Token = "123:abc"
	cfg.LLM.APIKey = "sk-test"
	cfg.Aggregator.QuietPeriod = 80 * time.Millisecond
	cfg.Supervisor.GracePeriod = 2 * time.Second
	cfg.Retry.Backoff = 0
	cfg.Journal.Path = ""
	return cfg
}

func startBot(t *testing.T, cfg *Config, exec *fakeExecutor) (*Bot, *fakeChannel) {
	t.Helper()
	ch := newFakeChannel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b, err := New(cfg, logger, WithChannel(ch), WithExecutor(exec))
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop() })
	return b, ch
}

func textEvent(id, text string) *channels.Event {
	return &channels.Event{
		ID:        id,
		Key:       testKey,
		Kind:      channels.KindText,
		Text:      text,
		Timestamp: time.Now(),
	}
}

func waitSent(t *testing.T, ch *fakeChannel, n int) []channels.OutgoingMessage {
	t.Helper()
	require.Eventually(t, func() bool { return len(ch.Sent()) >= n }, 3*time.Second, 10*time.Millisecond)
	return ch.Sent()
}

// ---------- Pipeline ----------

func TestBot_BurstIsAnsweredOnce(t *testing.T) {
	t.Parallel()
	exec := &fakeExecutor{}
	_, ch := startBot(t, testConfig(), exec)

	ch.in <- textEvent("1", "a")
	ch.in <- textEvent("2", "b")

	sent := waitSent(t, ch, 1)
	assert.Equal(t, "echo: a\nb", sent[0].Content)
	assert.Empty(t, sent[0].ReplyTo, "private chats are not threaded")

	calls := exec.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, providers.OpChat, calls[0].Op)
	assert.Equal(t, "sk-test", calls[0].Secrets[providers.SecretAPIKey])
}

func TestBot_GroupRepliesAreThreaded(t *testing.T) {
	t.Parallel()
	exec := &fakeExecutor{}
	_, ch := startBot(t, testConfig(), exec)

	ev1, ev2 := textEvent("7", "first"), textEvent("8", "second")
	ev1.IsGroup, ev2.IsGroup = true, true
	ch.in <- ev1
	ch.in <- ev2

	sent := waitSent(t, ch, 1)
	assert.Equal(t, "8", sent[0].ReplyTo)
}

func TestBot_ReplyToBotMessageCarriesContext(t *testing.T) {
	t.Parallel()
	exec := &fakeExecutor{}
	_, ch := startBot(t, testConfig(), exec)

	ch.in <- textEvent("1", "hello")
	waitSent(t, ch, 1)

	follow := textEvent("2", "and then?")
	follow.ReplyTo = "out-1"
	ch.in <- follow
	waitSent(t, ch, 2)

	calls := exec.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "echo: hello", chatArgs(t, calls[1]).ReplyContext)
}

func TestBot_ReplyCacheMissUsesQuote(t *testing.T) {
	t.Parallel()
	exec := &fakeExecutor{}
	_, ch := startBot(t, testConfig(), exec)

	ev := textEvent("5", "what about this?")
	ev.ReplyTo = "old-42"
	ev.Quoted = &channels.Quoted{Text: "meeting at noon", Kind: channels.KindText}
	ch.in <- ev
	waitSent(t, ch, 1)

	calls := exec.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "meeting at noon", chatArgs(t, calls[0]).ReplyContext)
}

func TestBot_CancelDiscardsPendingMessages(t *testing.T) {
	t.Parallel()
	exec := &fakeExecutor{}
	cfg := testConfig()
	cfg.Aggregator.QuietPeriod = 300 * time.Millisecond
	_, ch := startBot(t, cfg, exec)

	ch.in <- textEvent("1", "never mind")
	ch.in <- textEvent("2", "/cancel")

	sent := waitSent(t, ch, 1)
	assert.Equal(t, "Cancelled 1 pending message.", sent[0].Content)
	assert.Eventually(t, func() bool { return len(ch.Reactions()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"2👌"}, ch.Reactions())

	time.Sleep(2 * cfg.Aggregator.QuietPeriod)
	assert.Empty(t, exec.Calls())
	assert.Len(t, ch.Sent(), 1)
}

func TestBot_CommandFlushesPendingWindowFirst(t *testing.T) {
	t.Parallel()
	exec := &fakeExecutor{}
	cfg := testConfig()
	cfg.Aggregator.QuietPeriod = time.Minute
	_, ch := startBot(t, cfg, exec)

	ch.in <- textEvent("1", "note to self")
	ch.in <- textEvent("2", "/help")

	sent := waitSent(t, ch, 2)
	var contents []string
	for _, m := range sent {
		contents = append(contents, m.Content)
	}
	assert.Contains(t, contents, "echo: note to self")
	assert.Contains(t, contents, "Commands:\n/cancel - discard the messages you are still typing\n"+
		"/help - list the available commands\n/start - introduce the bot\n/status - show runtime status")
}

func TestBot_UnknownCommand(t *testing.T) {
	t.Parallel()
	_, ch := startBot(t, testConfig(), &fakeExecutor{})

	ch.in <- textEvent("1", "/frobnicate now")

	sent := waitSent(t, ch, 1)
	assert.Equal(t, "Unknown command /frobnicate. Send /help for the list.", sent[0].Content)
}

func TestBot_HandlerFailureIsReported(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "operation error",
			err:  &isolator.Failure{Kind: isolator.KindOperation, Op: providers.OpChat, Err: errors.New("rate limited")},
			want: "Sorry, something went wrong. Please try again.",
		},
		{
			name: "timeout",
			err:  &isolator.Failure{Kind: isolator.KindTimeout, Op: providers.OpChat},
			want: "That took too long and was stopped. Please try again, perhaps with a shorter request.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			exec := &fakeExecutor{fail: func(int, *isolator.Request) error { return tt.err }}
			cfg := testConfig()
			cfg.Retry.MaxAttempts = 1
			_, ch := startBot(t, cfg, exec)

			ch.in <- textEvent("1", "hi")

			sent := waitSent(t, ch, 1)
			assert.Equal(t, tt.want, sent[0].Content)
		})
	}
}

func TestBot_MissingAPIKey(t *testing.T) {
	t.Parallel()
	exec := &fakeExecutor{}
	cfg := testConfig()
	cfg.LLM.APIKey = ""
	_, ch := startBot(t, cfg, exec)

	ch.in <- textEvent("1", "hi")

	sent := waitSent(t, ch, 1)
	assert.Contains(t, sent[0].Content, "API key")
	assert.Empty(t, exec.Calls())
}

func TestBot_RetryPolicy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		firstErr  error
		wantCalls int
		want      string
	}{
		{
			name:      "crashed worker is retried",
			firstErr:  &isolator.Failure{Kind: isolator.KindCrashed, Op: providers.OpChat, ExitCode: 2},
			wantCalls: 2,
			want:      "echo: hi",
		},
		{
			name:      "malformed output is final",
			firstErr:  &isolator.Failure{Kind: isolator.KindMalformedOutput, Op: providers.OpChat},
			wantCalls: 1,
			want:      "Sorry, something went wrong. Please try again.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			exec := &fakeExecutor{fail: func(call int, _ *isolator.Request) error {
				if call == 1 {
					return tt.firstErr
				}
				return nil
			}}
			_, ch := startBot(t, testConfig(), exec)

			ch.in <- textEvent("1", "hi")

			sent := waitSent(t, ch, 1)
			assert.Equal(t, tt.want, sent[0].Content)
			assert.Len(t, exec.Calls(), tt.wantCalls)
		})
	}
}

func TestBot_VoiceIsTranscribedThenAnswered(t *testing.T) {
	t.Parallel()
	exec := &fakeExecutor{}
	b, ch := startBot(t, testConfig(), exec)

	ch.in <- &channels.Event{
		ID:      "v1",
		Key:     testKey,
		Kind:    channels.KindVoice,
		Payload: &channels.Payload{FileID: "file-9"},
	}

	sent := waitSent(t, ch, 1)
	assert.Equal(t, "🎙 transcribed words\n\necho: transcribed words", sent[0].Content)

	calls := exec.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, providers.OpTranscribe, calls[0].Op)
	var targs providers.TranscribeArgs
	require.NoError(t, json.Unmarshal(calls[0].Args, &targs))
	assert.Equal(t, "https://files.test/file-9", targs.URL)
	assert.Equal(t, "voice.ogg", targs.Filename)

	entry, ok := b.replies.Resolve("v1")
	require.True(t, ok)
	assert.Equal(t, "[voice] transcribed words", entry.Summary)
}

func TestBot_ImagesAreDescribedTogether(t *testing.T) {
	t.Parallel()
	exec := &fakeExecutor{}
	_, ch := startBot(t, testConfig(), exec)

	for i := 1; i <= 2; i++ {
		ch.in <- &channels.Event{
			ID:      fmt.Sprintf("p%d", i),
			Key:     testKey,
			Kind:    channels.KindImage,
			Payload: &channels.Payload{FileID: fmt.Sprintf("img-%d", i)},
		}
	}

	sent := waitSent(t, ch, 1)
	assert.Equal(t, "saw 2 image(s)", sent[0].Content)

	calls := exec.Calls()
	require.Len(t, calls, 1)
	var vargs providers.VisionArgs
	require.NoError(t, json.Unmarshal(calls[0].Args, &vargs))
	assert.Equal(t, defaultImagePrompt, vargs.Prompt)
	assert.Equal(t, []string{"https://files.test/img-1", "https://files.test/img-2"}, vargs.ImageURLs)
}

func TestBot_StopFlushesPendingWindows(t *testing.T) {
	t.Parallel()
	exec := &fakeExecutor{}
	cfg := testConfig()
	cfg.Aggregator.QuietPeriod = time.Minute
	b, ch := startBot(t, cfg, exec)

	ch.in <- textEvent("1", "last words")
	require.Eventually(t, func() bool { return b.agg.Pending(testKey) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Stop())
	require.NoError(t, b.Stop())

	sent := ch.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "echo: last words", sent[0].Content)
}

func TestBot_StatusAndHealth(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Journal.Path = ":memory:"
	b, ch := startBot(t, cfg, &fakeExecutor{})

	ch.in <- textEvent("1", "/status")
	sent := waitSent(t, ch, 1)
	assert.Contains(t, sent[0].Content, "Status: ok")
	assert.Contains(t, sent[0].Content, "Channel fake: connected, 0 errors")

	rec := httptest.NewRecorder()
	b.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var h Health
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&h))
	assert.Equal(t, "ok", h.Status)
	assert.Contains(t, h.Channels, "fake")
}

// ---------- Units ----------

func TestSummarizeEvent(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		ev   *channels.Event
		want string
	}{
		{"text", &channels.Event{Kind: channels.KindText, Text: "  hi  "}, "hi"},
		{"captioned image", &channels.Event{Kind: channels.KindImage, Text: "my cat"}, "[image] my cat"},
		{"bare voice", &channels.Event{Kind: channels.KindVoice}, "[voice]"},
		{"document", &channels.Event{Kind: channels.KindDocument, Payload: &channels.Payload{Filename: "cv.pdf"}}, "[document] cv.pdf"},
		{"contact", &channels.Event{Kind: channels.KindContact, Contact: &channels.Contact{DisplayName: "Ann"}}, "[contact] Ann"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, summarizeEvent(tt.ev))
		})
	}
}

func TestQuotedExtractor(t *testing.T) {
	t.Parallel()
	assert.Nil(t, quotedExtractor(nil))

	summary, kind, ok := quotedExtractor(&channels.Quoted{Text: "look", Kind: channels.KindImage})()
	assert.True(t, ok)
	assert.Equal(t, "[image] look", summary)
	assert.Equal(t, channels.KindImage, kind)

	_, _, ok = quotedExtractor(&channels.Quoted{})()
	assert.False(t, ok)
}

func TestTruncateRunes(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "héllo", truncateRunes("héllo", 5))
	assert.Equal(t, "hé…", truncateRunes("héllo", 3))
}
