// Package router classifies combined submissions and dispatches each one to
// exactly one handler, running it as a supervised task.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/aggregator"
	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/channels"
	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/metrics"
	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/supervisor"
)

// defaultEscalateAfter is the number of consecutive unhandled submissions
// that escalates from a warning to an error.
const defaultEscalateAfter = 5

// Handler processes one combined submission. It runs inside a tracked task;
// ctx is cancelled on shutdown.
type Handler interface {
	Handle(ctx context.Context, sub *aggregator.Submission, route Route) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, sub *aggregator.Submission, route Route) error

func (f HandlerFunc) Handle(ctx context.Context, sub *aggregator.Submission, route Route) error {
	return f(ctx, sub, route)
}

// Spawner starts tracked tasks; *supervisor.Supervisor implements it.
type Spawner interface {
	Spawn(name string, fn supervisor.Func) (*supervisor.Task, error)
}

// FailureReporter is told when a handler fails, so the participant gets an
// outward error indication.
type FailureReporter func(ctx context.Context, sub *aggregator.Submission, err error)

// UnhandledFunc observes submissions no handler matched.
type UnhandledFunc func(sub *aggregator.Submission, route Route)

// Errors.
var (
	ErrNoHandler    = errors.New("no handler for submission")
	ErrEmpty        = errors.New("empty submission")
	ErrHandlerPanic = errors.New("handler panicked")
)

// Router is safe for concurrent use. Register handlers before routing.
type Router struct {
	spawner  Spawner
	prefix   string
	logger   *slog.Logger
	metrics  *metrics.Metrics
	escalate int

	mu        sync.RWMutex
	byKind    map[channels.EventKind]Handler
	commands  map[string]Handler
	fallback  Handler
	onFailure FailureReporter
	onMiss    UnhandledFunc

	missMu      sync.Mutex
	consecutive int
}

// Option configures a Router.
type Option func(*Router)

// WithCommandPrefix sets the command prefix (default "/").
func WithCommandPrefix(prefix string) Option {
	return func(r *Router) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// WithEscalation sets how many consecutive unhandled submissions escalate
// to an error log.
func WithEscalation(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.escalate = n
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// New creates a router dispatching through spawner.
func New(spawner Spawner, logger *slog.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		spawner:  spawner,
		prefix:   "/",
		logger:   logger.With("component", "router"),
		escalate: defaultEscalateAfter,
		byKind:   make(map[channels.EventKind]Handler),
		commands: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register sets the handler for a content kind.
func (r *Router) Register(kind channels.EventKind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKind[kind] = h
}

// RegisterCommand sets the handler for a command name, without prefix.
func (r *Router) RegisterCommand(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[strings.ToLower(name)] = h
}

// SetFallback sets the handler used when nothing else matches.
func (r *Router) SetFallback(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = h
}

// OnFailure registers the failure reporter.
func (r *Router) OnFailure(fn FailureReporter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFailure = fn
}

// OnUnhandled registers the unhandled-submission hook.
func (r *Router) OnUnhandled(fn UnhandledFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onMiss = fn
}

// Commands returns the registered command names.
func (r *Router) Commands() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	return names
}

// Route classifies sub, picks its handler and starts it as a tracked task.
// It returns the task handle without waiting for the handler. When no
// handler matches, the unhandled signal fires and ErrNoHandler is returned.
func (r *Router) Route(sub *aggregator.Submission) (*supervisor.Task, error) {
	if sub == nil || sub.Len() == 0 {
		return nil, ErrEmpty
	}

	route := Classify(sub, r.prefix)
	h := r.handlerFor(route)
	if h == nil {
		r.unhandled(sub, route)
		return nil, fmt.Errorf("%s: %w", route, ErrNoHandler)
	}
	r.resetMisses()

	name := "route:" + route.String() + ":" + sub.Key.String()
	task, err := r.spawner.Spawn(name, func(ctx context.Context) error {
		return r.run(ctx, h, sub, route)
	})
	if err != nil {
		r.logger.Error("dispatch failed", "route", route.String(), "key", sub.Key.String(), "error", err)
		return nil, fmt.Errorf("dispatching %s: %w", route, err)
	}

	r.metrics.Routed(route.Label())
	r.logger.Debug("submission routed",
		"route", route.String(),
		"key", sub.Key.String(),
		"events", sub.Len(),
		"task", task.ID,
	)
	return task, nil
}

func (r *Router) handlerFor(route Route) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if route.Command != "" {
		if h, ok := r.commands[route.Command]; ok {
			return h
		}
		return r.fallback
	}
	if h, ok := r.byKind[route.Kind]; ok {
		return h
	}
	return r.fallback
}

// run executes h, converting panics into errors and reporting failures.
func (r *Router) run(ctx context.Context, h Handler, sub *aggregator.Submission, route Route) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("handler panicked",
				"route", route.String(), "key", sub.Key.String(),
				"panic", rec, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, rec)
		}
		if err != nil {
			r.reportFailure(ctx, sub, route, err)
		}
	}()
	return h.Handle(ctx, sub, route)
}

func (r *Router) reportFailure(ctx context.Context, sub *aggregator.Submission, route Route, err error) {
	r.mu.RLock()
	report := r.onFailure
	r.mu.RUnlock()

	// Shutdown cancellations are not the participant's problem.
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return
	}
	r.logger.Warn("handler failed", "route", route.String(), "key", sub.Key.String(), "error", err)
	if report == nil {
		return
	}
	// The task context may already be done; reporting must still be able to
	// reach the participant.
	report(context.WithoutCancel(ctx), sub, err)
}

func (r *Router) unhandled(sub *aggregator.Submission, route Route) {
	r.missMu.Lock()
	r.consecutive++
	n := r.consecutive
	r.missMu.Unlock()

	r.metrics.Unhandled()
	attrs := []any{"route", route.String(), "key", sub.Key.String(), "events", sub.Len(), "consecutive", n}
	if n >= r.escalate {
		r.logger.Error("repeated unhandled submissions, check handler registration", attrs...)
	} else {
		r.logger.Warn("unhandled submission", attrs...)
	}

	r.mu.RLock()
	hook := r.onMiss
	r.mu.RUnlock()
	if hook != nil {
		hook(sub, route)
	}
}

func (r *Router) resetMisses() {
	r.missMu.Lock()
	r.consecutive = 0
	r.missMu.Unlock()
}

// ConsecutiveUnhandled returns the current run of unhandled submissions.
func (r *Router) ConsecutiveUnhandled() int {
	r.missMu.Lock()
	defer r.missMu.Unlock()
	return r.consecutive
}
