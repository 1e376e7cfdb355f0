package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/aggregator"
	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/channels"
	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/replyctx"
	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/supervisor"
)

var key = channels.ActorKey{Channel: "telegram", ChatID: "42", UserID: "7"}

func ev(kind channels.EventKind, text string) *channels.Event {
	return &channels.Event{Key: key, Kind: kind, Text: text}
}

func sub(events ...*channels.Event) *aggregator.Submission {
	return aggregator.NewSubmission(key, aggregator.ModeImplicit, events...)
}

func newTestRouter(t *testing.T, opts ...Option) (*Router, *supervisor.Supervisor) {
	t.Helper()
	sup, err := supervisor.New(supervisor.DefaultConfig(), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sup.Shutdown(time.Second) })
	return New(sup, nil, opts...), sup
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		events      []*channels.Event
		wantKind    channels.EventKind
		wantCommand string
		wantArgs    string
	}{
		{"text only", []*channels.Event{ev(channels.KindText, "a"), ev(channels.KindText, "b")}, channels.KindText, "", ""},
		{"image with caption text", []*channels.Event{ev(channels.KindText, "look"), ev(channels.KindImage, "")}, channels.KindImage, "", ""},
		{"majority wins", []*channels.Event{ev(channels.KindImage, ""), ev(channels.KindDocument, ""), ev(channels.KindDocument, "")}, channels.KindDocument, "", ""},
		{"tie voice beats image", []*channels.Event{ev(channels.KindImage, ""), ev(channels.KindVoice, "")}, channels.KindVoice, "", ""},
		{"tie image beats video", []*channels.Event{ev(channels.KindVideo, ""), ev(channels.KindImage, "")}, channels.KindImage, "", ""},
		{"tie document beats contact", []*channels.Event{ev(channels.KindContact, ""), ev(channels.KindDocument, "")}, channels.KindDocument, "", ""},
		{"command first", []*channels.Event{ev(channels.KindText, "/Status@my_bot now please"), ev(channels.KindImage, "")}, channels.KindImage, "status", "now please"},
		{"command not first", []*channels.Event{ev(channels.KindText, "hi"), ev(channels.KindText, "/start")}, channels.KindText, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := sub(tt.events...)
			// Classification must not depend on map iteration order.
			for i := 0; i < 20; i++ {
				got := Classify(s, "/")
				if got.Command != tt.wantCommand {
					t.Fatalf("Command = %q, want %q", got.Command, tt.wantCommand)
				}
				if tt.wantCommand == "" && got.Kind != tt.wantKind {
					t.Fatalf("Kind = %q, want %q", got.Kind, tt.wantKind)
				}
				if got.Args != tt.wantArgs {
					t.Fatalf("Args = %q, want %q", got.Args, tt.wantArgs)
				}
			}
		})
	}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in       string
		wantName string
		wantArgs string
		wantOK   bool
	}{
		{"/start", "start", "", true},
		{"  /help topics ", "help", "topics", true},
		{"/cancel@tg_agent_bot", "cancel", "", true},
		{"/note\nfirst line", "note", "first line", true},
		{"/", "", "", false},
		{"/@bot", "", "", false},
		{"hello", "", "", false},
	}
	for _, tt := range tests {
		name, args, ok := ParseCommand(tt.in, "/")
		if name != tt.wantName || args != tt.wantArgs || ok != tt.wantOK {
			t.Errorf("ParseCommand(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.in, name, args, ok, tt.wantName, tt.wantArgs, tt.wantOK)
		}
	}
}

func TestRoute_DispatchesAsTrackedTask(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)

	got := make(chan string, 1)
	r.Register(channels.KindImage, HandlerFunc(func(ctx context.Context, s *aggregator.Submission, route Route) error {
		task, ok := supervisor.FromContext(ctx)
		if !ok {
			got <- "untracked"
			return nil
		}
		got <- task.Name
		return nil
	}))

	task, err := r.Route(sub(ev(channels.KindImage, "cat")))
	require.NoError(t, err)
	require.NoError(t, task.Wait(context.Background()))
	assert.Equal(t, "route:image:telegram:42:7", <-got)
}

func TestRoute_Commands(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)

	got := make(chan Route, 1)
	r.RegisterCommand("Status", HandlerFunc(func(ctx context.Context, s *aggregator.Submission, route Route) error {
		got <- route
		return nil
	}))

	task, err := r.Route(sub(ev(channels.KindText, "/status@bot verbose")))
	require.NoError(t, err)
	require.NoError(t, task.Wait(context.Background()))
	route := <-got
	assert.Equal(t, "status", route.Command)
	assert.Equal(t, "verbose", route.Args)
	assert.ElementsMatch(t, []string{"status"}, r.Commands())
}

func TestRoute_HandlerReceivesReplyContext(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)

	got := make(chan string, 1)
	r.Register(channels.KindText, HandlerFunc(func(ctx context.Context, s *aggregator.Submission, route Route) error {
		if s.Reply == nil {
			got <- ""
			return nil
		}
		got <- s.Reply.Summary
		return nil
	}))

	s := sub(&channels.Event{Key: key, Kind: channels.KindText, Text: "and?", ReplyTo: "msg-1"}).
		WithReply(replyctx.Entry{MessageID: "msg-1", Summary: "Summary X"})
	task, err := r.Route(s)
	require.NoError(t, err)
	require.NoError(t, task.Wait(context.Background()))
	assert.Equal(t, "Summary X", <-got)
}

func TestRoute_UnhandledIsReported(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t, WithEscalation(2))

	var mu sync.Mutex
	var missed []Route
	r.OnUnhandled(func(s *aggregator.Submission, route Route) {
		mu.Lock()
		defer mu.Unlock()
		missed = append(missed, route)
	})

	_, err := r.Route(sub(ev(channels.KindContact, "")))
	require.ErrorIs(t, err, ErrNoHandler)
	_, err = r.Route(sub(ev(channels.KindText, "/unknown")))
	require.ErrorIs(t, err, ErrNoHandler)
	assert.Equal(t, 2, r.ConsecutiveUnhandled())

	mu.Lock()
	require.Len(t, missed, 2)
	assert.Equal(t, channels.KindContact, missed[0].Kind)
	assert.Equal(t, "unknown", missed[1].Command)
	mu.Unlock()

	// A handled submission resets the run.
	r.SetFallback(HandlerFunc(func(ctx context.Context, s *aggregator.Submission, route Route) error { return nil }))
	task, err := r.Route(sub(ev(channels.KindContact, "")))
	require.NoError(t, err)
	require.NoError(t, task.Wait(context.Background()))
	assert.Equal(t, 0, r.ConsecutiveUnhandled())
}

func TestRoute_FailuresAreReported(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)

	reported := make(chan error, 2)
	r.OnFailure(func(ctx context.Context, s *aggregator.Submission, err error) {
		reported <- err
	})

	boom := errors.New("provider down")
	r.Register(channels.KindText, HandlerFunc(func(ctx context.Context, s *aggregator.Submission, route Route) error {
		return boom
	}))
	r.Register(channels.KindVoice, HandlerFunc(func(ctx context.Context, s *aggregator.Submission, route Route) error {
		panic("nil transcript")
	}))

	task, err := r.Route(sub(ev(channels.KindText, "hi")))
	require.NoError(t, err)
	assert.ErrorIs(t, task.Wait(context.Background()), boom)
	assert.ErrorIs(t, <-reported, boom)

	task, err = r.Route(sub(ev(channels.KindVoice, "")))
	require.NoError(t, err)
	assert.ErrorIs(t, task.Wait(context.Background()), ErrHandlerPanic)
	assert.ErrorIs(t, <-reported, ErrHandlerPanic)
}

func TestRoute_Empty(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t)

	_, err := r.Route(nil)
	assert.ErrorIs(t, err, ErrEmpty)
	_, err = r.Route(sub())
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestRoute_SupervisorClosed(t *testing.T) {
	t.Parallel()
	r, sup := newTestRouter(t)
	r.SetFallback(HandlerFunc(func(ctx context.Context, s *aggregator.Submission, route Route) error { return nil }))
	require.NoError(t, sup.Shutdown(time.Second))

	_, err := r.Route(sub(ev(channels.KindText, "late")))
	assert.ErrorIs(t, err, supervisor.ErrClosed)
}

func TestRoute_SaturatedPoolDoesNotBlockIntake(t *testing.T) {
	t.Parallel()
	sup, err := supervisor.New(supervisor.Config{GracePeriod: time.Second, MaxConcurrent: 1}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sup.Shutdown(time.Second) })
	r := New(sup, nil)

	helped := make(chan channels.ActorKey, 1)
	r.RegisterCommand("help", HandlerFunc(func(ctx context.Context, s *aggregator.Submission, route Route) error {
		helped <- s.Key
		return nil
	}))

	// Key A's slow handler holds the only slot.
	release := make(chan struct{})
	_, err = sup.Spawn("route:text:"+key.String(), func(ctx context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	agg := aggregator.New(aggregator.Config{QuietPeriod: time.Hour}, func(s *aggregator.Submission) {
		_, _ = r.Route(s)
	}, nil, nil)
	t.Cleanup(agg.Stop)

	keyB := channels.ActorKey{Channel: "telegram", ChatID: "43", UserID: "8"}
	submitted := make(chan error, 1)
	go func() {
		submitted <- agg.Submit(&channels.Event{Key: keyB, Kind: channels.KindText, Text: "/help"})
	}()

	select {
	case err := <-submitted:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Submit for an unrelated key blocked while the pool was saturated")
	}
	assert.Equal(t, 1, sup.Queued())

	close(release)
	select {
	case got := <-helped:
		assert.Equal(t, keyB, got)
	case <-time.After(time.Second):
		t.Fatal("queued command handler never ran")
	}
}
