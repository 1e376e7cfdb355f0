// Package supervisor registers every long-running unit of background work so
// the process can wait for or cancel it during shutdown.
//
// Tasks run on a bounded goroutine pool (panjf2000/ants). Tasks spawned while
// every slot is busy wait in a FIFO queue and start as slots free up, so
// Spawn never blocks its caller. Each task gets a context derived from the
// supervisor root; Shutdown cancels the root, waits
// for a grace period and then abandons whatever is still running. Goroutines
// cannot be preempted, so blocking work must be bound to the task context:
// isolated executions kill their worker process group when it is cancelled.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/metrics"
)

// Config holds the supervisor configuration.
type Config struct {
	// GracePeriod is how long Shutdown waits for cooperative completion.
	// Defaults to 10s.
	GracePeriod time.Duration `yaml:"grace_period"`

	// MaxConcurrent bounds the number of tasks running at once. Excess tasks
	// are queued in spawn order. Defaults to 64.
	MaxConcurrent int `yaml:"max_concurrent"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		GracePeriod:   10 * time.Second,
		MaxConcurrent: 64,
	}
}

// Errors.
var (
	ErrClosed          = errors.New("supervisor is shut down")
	ErrShutdownTimeout = errors.New("tasks still running after grace period")
)

// Observer is notified of task lifecycle transitions.
type Observer interface {
	TaskStarted(t *Task)
	TaskFinished(t *Task)
}

// Supervisor tracks spawned tasks.
type Supervisor struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	observer Observer
	pool     *ants.Pool

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	tasks  map[string]*Task
	closed bool
	wg     sync.WaitGroup

	// qmu guards the slot accounting: active counts occupied slots and
	// queue holds tasks waiting for one.
	qmu    sync.Mutex
	active int
	queue  []job

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a supervisor. m may be nil.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Supervisor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultConfig().GracePeriod
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	logger = logger.With("component", "supervisor")

	pool, err := ants.NewPool(cfg.MaxConcurrent,
		ants.WithLogger(antsLogger{logger}),
		ants.WithPanicHandler(func(p any) {
			logger.Error("worker pool panic", "panic", p)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("creating task pool: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		pool:    pool,
		ctx:     ctx,
		cancel:  cancel,
		tasks:   make(map[string]*Task),
	}, nil
}

// job is a registered task waiting for, or holding, a pool slot.
type job struct {
	ctx context.Context
	t   *Task
	fn  Func
}

// SetObserver registers a lifecycle observer. Call before spawning.
func (s *Supervisor) SetObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = o
}

// Spawn starts fn as a tracked task and returns its handle. It never blocks:
// when every slot is busy the task is queued, already registered and
// cancellable, and starts once a running task finishes. A queued task
// cancelled before it starts finishes as cancelled without running.
func (s *Supervisor) Spawn(name string, fn Func) (*Task, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}

	ctx, cancel := context.WithCancel(s.ctx)
	t := &Task{
		ID:        uuid.NewString(),
		Name:      name,
		StartedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
		status:    StatusRunning,
	}
	s.tasks[t.ID] = t
	s.wg.Add(1)
	observer := s.observer
	s.mu.Unlock()

	s.metrics.TaskStarted()
	if observer != nil {
		observer.TaskStarted(t)
	}

	j := job{ctx: WithTask(ctx, t), t: t, fn: fn}
	s.qmu.Lock()
	if s.active >= s.cfg.MaxConcurrent {
		s.queue = append(s.queue, j)
		queued := len(s.queue)
		s.qmu.Unlock()
		s.logger.Debug("task queued", "task", name, "id", t.ID, "queued", queued)
		return t, nil
	}
	s.active++
	s.qmu.Unlock()

	// A slot is accounted free, so Submit waits at most for a worker that is
	// returning to the pool.
	if err := s.pool.Submit(func() { s.work(j) }); err != nil {
		s.qmu.Lock()
		s.active--
		s.qmu.Unlock()
		s.finish(t, StatusCancelled, fmt.Errorf("submitting task: %w", err))
		return nil, fmt.Errorf("spawning %q: %w", name, err)
	}

	s.logger.Debug("task spawned", "task", name, "id", t.ID)
	return t, nil
}

// work runs j and then keeps its slot busy with queued tasks until the queue
// is empty.
func (s *Supervisor) work(j job) {
	for {
		if err := j.ctx.Err(); err != nil {
			s.finish(j.t, StatusCancelled, err)
		} else {
			s.run(j.ctx, j.t, j.fn)
		}
		next, ok := s.next()
		if !ok {
			return
		}
		j = next
	}
}

// next pops the oldest queued task, or releases the caller's slot when there
// is none.
func (s *Supervisor) next() (job, bool) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if len(s.queue) == 0 {
		s.active--
		return job{}, false
	}
	j := s.queue[0]
	s.queue[0] = job{}
	s.queue = s.queue[1:]
	return j, true
}

// Queued returns the number of tasks waiting for a free slot.
func (s *Supervisor) Queued() int {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	return len(s.queue)
}

// Go is Spawn for callers that do not need the handle; failures to spawn are
// logged.
func (s *Supervisor) Go(name string, fn Func) {
	if _, err := s.Spawn(name, fn); err != nil {
		s.logger.Warn("task not started", "task", name, "error", err)
	}
}

// Count returns the number of registered tasks, queued ones included.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// List returns a snapshot of the running tasks, oldest first.
func (s *Supervisor) List() []Info {
	s.mu.Lock()
	tasks := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	out := make([]Info, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Wait blocks until every registered task has finished or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels every task, waits up to grace for cooperative completion
// and abandons the stragglers. Safe to call more than once; later calls
// return the first result. A non-positive grace uses the configured period.
func (s *Supervisor) Shutdown(grace time.Duration) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(grace)
	})
	return s.shutdownErr
}

func (s *Supervisor) shutdown(grace time.Duration) error {
	if grace <= 0 {
		grace = s.cfg.GracePeriod
	}

	s.mu.Lock()
	s.closed = true
	running := len(s.tasks)
	s.mu.Unlock()

	s.logger.Info("shutting down tasks", "running", running, "grace", grace)
	s.cancel()

	s.qmu.Lock()
	queued := s.queue
	s.queue = nil
	s.qmu.Unlock()
	for _, j := range queued {
		s.finish(j.t, StatusCancelled, context.Canceled)
	}

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	waitErr := s.Wait(ctx)

	var err error
	if waitErr != nil {
		names := s.abandon()
		if len(names) > 0 {
			s.metrics.TasksAbandoned(len(names))
			s.logger.Error("tasks abandoned after grace period",
				"count", len(names), "tasks", strings.Join(names, ","))
			err = fmt.Errorf("%w: %s", ErrShutdownTimeout, strings.Join(names, ", "))
		}
	}

	s.pool.Release()
	s.logger.Info("supervisor stopped")
	return err
}

// abandon removes every remaining task from the registry.
func (s *Supervisor) abandon() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var names []string
	for id, t := range s.tasks {
		t.mu.Lock()
		t.status = StatusAbandoned
		t.mu.Unlock()
		delete(s.tasks, id)
		names = append(names, t.Name)
	}
	sort.Strings(names)
	return names
}

// run executes fn with panic recovery so one failing task never takes down
// its siblings.
func (s *Supervisor) run(ctx context.Context, t *Task, fn Func) {
	status := StatusOK
	var err error

	defer func() {
		if r := recover(); r != nil {
			status = StatusPanic
			err = fmt.Errorf("panic: %v", r)
			s.logger.Error("task panicked",
				"task", t.Name, "id", t.ID, "panic", r, "stack", string(debug.Stack()))
		}
		s.finish(t, status, err)
	}()

	err = fn(ctx)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		status = StatusCancelled
	default:
		status = StatusError
		s.logger.Warn("task failed", "task", t.Name, "id", t.ID, "error", err)
	}
}

// finish records the outcome and unregisters the task.
func (s *Supervisor) finish(t *Task, status Status, err error) {
	t.mu.Lock()
	if t.status == StatusAbandoned {
		status = StatusAbandoned
	}
	t.status = status
	t.err = err
	t.finishedAt = time.Now()
	t.mu.Unlock()

	t.cancel()
	close(t.done)

	s.mu.Lock()
	delete(s.tasks, t.ID)
	observer := s.observer
	s.mu.Unlock()

	s.metrics.TaskFinished(string(status))
	if observer != nil {
		observer.TaskFinished(t)
	}
	s.logger.Debug("task finished",
		"task", t.Name, "id", t.ID, "status", status, "duration", t.Duration())
	s.wg.Done()
}

// antsLogger adapts slog to the ants pool logger.
type antsLogger struct{ l *slog.Logger }

func (a antsLogger) Printf(format string, args ...any) {
	a.l.Warn(fmt.Sprintf(format, args...))
}
