// Package aggregator collects bursts of inbound events from the same
// conversation actor into one combined submission.
//
// Every actor key owns at most one window. A window buffers events in arrival
// order and is flushed once no new event has arrived for the quiet period
// (last-event-wins debounce). Command events flush any pending buffer first
// and are then delivered on their own, so a command is never merged with the
// chatter around it.
//
// Windows are kept in a sync.Map and each one carries its own mutex, so
// unrelated conversations never contend on a shared lock.
package aggregator

import (
	"errors"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/channels"
	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/metrics"
)

const (
	defaultQuietPeriod   = 2500 * time.Millisecond
	defaultCommandPrefix = "/"
	defaultMaxEvents     = 50
)

// Config holds the aggregation settings.
type Config struct {
	// QuietPeriod is the inactivity required before a window flushes
	// (default: 2.5s).
	QuietPeriod time.Duration `yaml:"quiet_period"`

	// CommandPrefix marks text events that force a flush (default: "/").
	// Set to "-" to disable command detection.
	CommandPrefix string `yaml:"command_prefix"`

	// MaxEvents caps a single window; reaching it flushes immediately
	// (default: 50).
	MaxEvents int `yaml:"max_events"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		QuietPeriod:   defaultQuietPeriod,
		CommandPrefix: defaultCommandPrefix,
		MaxEvents:     defaultMaxEvents,
	}
}

// Errors.
var (
	ErrStopped      = errors.New("aggregator is stopped")
	ErrInvalidEvent = errors.New("invalid event")
)

// FlushFunc receives every combined submission. It runs on the goroutine that
// closed the window (a timer or the submitting caller) and must hand work off
// instead of processing it inline.
type FlushFunc func(sub *Submission)

// CancelFunc is notified when a pending window is discarded.
type CancelFunc func(key channels.ActorKey, discarded int)

// Aggregator is safe for concurrent use.
type Aggregator struct {
	cfg      Config
	onFlush  FlushFunc
	onCancel CancelFunc
	logger   *slog.Logger
	metrics  *metrics.Metrics

	windows sync.Map // channels.ActorKey -> *window
	active  atomic.Int64
	stopped atomic.Bool
}

// New creates an aggregator delivering submissions to onFlush. m may be nil.
func New(cfg Config, onFlush FlushFunc, logger *slog.Logger, m *metrics.Metrics) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QuietPeriod <= 0 {
		cfg.QuietPeriod = defaultQuietPeriod
	}
	if cfg.CommandPrefix == "" {
		cfg.CommandPrefix = defaultCommandPrefix
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = defaultMaxEvents
	}
	return &Aggregator{
		cfg:     cfg,
		onFlush: onFlush,
		logger:  logger.With("component", "aggregator"),
		metrics: m,
	}
}

// OnCancel registers a hook for discarded windows.
func (a *Aggregator) OnCancel(fn CancelFunc) {
	a.onCancel = fn
}

// IsCommand reports whether ev is a command under the configured prefix: the
// prefix must be followed directly by a command name.
func (a *Aggregator) IsCommand(ev *channels.Event) bool {
	if a.cfg.CommandPrefix == "-" || ev == nil || ev.Kind != channels.KindText {
		return false
	}
	rest, ok := strings.CutPrefix(strings.TrimSpace(ev.Text), a.cfg.CommandPrefix)
	if !ok {
		return false
	}
	if i := strings.IndexAny(rest, " \n\t"); i >= 0 {
		rest = rest[:i]
	}
	name, _, _ := strings.Cut(rest, "@")
	return name != ""
}

// Submit buffers ev in the window of its actor key and rearms the quiet
// period. It never waits for the window to flush.
func (a *Aggregator) Submit(ev *channels.Event) error {
	if ev == nil || !ev.Kind.Valid() {
		return ErrInvalidEvent
	}
	if a.stopped.Load() {
		return ErrStopped
	}
	if a.IsCommand(ev) {
		a.submitCommand(ev)
		return nil
	}

	for {
		w := a.windowFor(ev.Key)
		w.mu.Lock()
		if w.closed {
			// Lost the race against a flush; the key now maps to a fresh
			// window or nothing.
			w.mu.Unlock()
			continue
		}
		if a.stopped.Load() {
			// Stop raced this call. A window that already holds events is
			// flushed by Stop; an empty one was opened here and is dropped.
			if len(w.events) == 0 {
				w.closeLocked()
				if a.windows.CompareAndDelete(w.key, w) {
					a.active.Add(-1)
					a.metrics.WindowClosed(string(ReasonStop), 0)
				}
			}
			w.mu.Unlock()
			return ErrStopped
		}

		w.events = append(w.events, ev)
		if len(w.events) >= a.cfg.MaxEvents {
			sub := a.closeLocked(w, ReasonFull)
			w.mu.Unlock()
			a.emit(sub)
			return nil
		}

		w.gen++
		gen := w.gen
		if w.timer != nil {
			w.timer.Stop()
		}
		w.timer = time.AfterFunc(a.cfg.QuietPeriod, func() { a.fire(w, gen) })
		w.mu.Unlock()
		return nil
	}
}

// Flush closes the window of key immediately. It reports whether a window
// was pending.
func (a *Aggregator) Flush(key channels.ActorKey) bool {
	sub := a.closeKey(key, ReasonExplicit)
	if sub == nil {
		return false
	}
	a.emit(sub)
	return true
}

// Cancel discards the pending window of key and returns how many events were
// dropped.
func (a *Aggregator) Cancel(key channels.ActorKey) int {
	v, ok := a.windows.Load(key)
	if !ok {
		return 0
	}
	w := v.(*window)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return 0
	}
	n := len(w.events)
	w.closeLocked()
	a.windows.CompareAndDelete(key, w)
	w.mu.Unlock()

	a.active.Add(-1)
	a.metrics.WindowClosed("cancelled", 0)
	a.logger.Debug("window cancelled", "key", key.String(), "discarded", n)
	if a.onCancel != nil {
		a.onCancel(key, n)
	}
	return n
}

// Pending returns the number of buffered events for key.
func (a *Aggregator) Pending(key channels.ActorKey) int {
	v, ok := a.windows.Load(key)
	if !ok {
		return 0
	}
	w := v.(*window)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0
	}
	return len(w.events)
}

// Active returns the number of open windows.
func (a *Aggregator) Active() int {
	return int(a.active.Load())
}

// Stop flushes every pending window and rejects further submits. Each window
// is closed under its lock, and Submit re-checks the stopped flag under the
// same lock, so no window flushes after Stop returns. Safe to call more than
// once.
func (a *Aggregator) Stop() {
	if a.stopped.Swap(true) {
		return
	}
	flushed := 0
	a.windows.Range(func(k, _ any) bool {
		if sub := a.closeKey(k.(channels.ActorKey), ReasonStop); sub != nil {
			a.emit(sub)
			flushed++
		}
		return true
	})
	a.logger.Info("aggregator stopped", "flushed", flushed)
}

func (a *Aggregator) submitCommand(ev *channels.Event) {
	if pending := a.closeKey(ev.Key, ReasonCommand); pending != nil {
		a.emit(pending)
	}
	a.metrics.WindowOpened()
	a.emit(newSubmission(ev.Key, ModeCommand, ReasonCommand, ev.Timestamp, []*channels.Event{ev}))
}

func (a *Aggregator) windowFor(key channels.ActorKey) *window {
	if v, ok := a.windows.Load(key); ok {
		return v.(*window)
	}
	v, loaded := a.windows.LoadOrStore(key, newWindow(key))
	if !loaded {
		a.active.Add(1)
		a.metrics.WindowOpened()
	}
	return v.(*window)
}

// fire is the quiet-period timer callback. A stale generation means the
// window was rearmed or closed after this timer was scheduled.
func (a *Aggregator) fire(w *window, gen uint64) {
	w.mu.Lock()
	if w.closed || w.gen != gen {
		w.mu.Unlock()
		return
	}
	sub := a.closeLocked(w, ReasonQuiet)
	w.mu.Unlock()
	a.emit(sub)
}

// closeKey closes the window of key, if any, and returns its submission.
func (a *Aggregator) closeKey(key channels.ActorKey, reason Reason) *Submission {
	v, ok := a.windows.Load(key)
	if !ok {
		return nil
	}
	w := v.(*window)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	return a.closeLocked(w, reason)
}

// closeLocked turns w into a submission and unregisters it. w.mu must be held.
// Removal happens under the window lock, so a concurrent Submit either
// appended before this point or observes closed and opens a new window.
func (a *Aggregator) closeLocked(w *window, reason Reason) *Submission {
	events := w.closeLocked()
	a.windows.CompareAndDelete(w.key, w)
	a.active.Add(-1)
	return newSubmission(w.key, ModeImplicit, reason, w.openedAt, events)
}

func (a *Aggregator) emit(sub *Submission) {
	a.metrics.WindowClosed(string(sub.Reason), sub.Len())
	if sub.Len() == 0 {
		return
	}
	a.logger.Debug("window flushed",
		"key", sub.Key.String(),
		"events", sub.Len(),
		"reason", sub.Reason,
		"mode", sub.Mode,
	)
	if a.onFlush == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("flush handler panicked",
				"key", sub.Key.String(), "panic", r, "stack", string(debug.Stack()))
		}
	}()
	a.onFlush(sub)
}

// window is the per-key buffer.
type window struct {
	key      channels.ActorKey
	openedAt time.Time

	mu     sync.Mutex
	events []*channels.Event
	timer  *time.Timer
	gen    uint64
	closed bool
}

func newWindow(key channels.ActorKey) *window {
	return &window{key: key, openedAt: time.Now()}
}

// closeLocked marks the window closed, stops its timer and hands over the
// buffer. w.mu must be held.
func (w *window) closeLocked() []*channels.Event {
	w.closed = true
	w.gen++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	events := w.events
	w.events = nil
	return events
}
