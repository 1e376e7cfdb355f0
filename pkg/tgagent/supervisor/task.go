package supervisor

import (
	"context"
	"sync"
	"time"
)

// Status is the lifecycle state of a tracked task.
type Status string

const (
	StatusRunning   Status = "running"
	StatusOK        Status = "ok"
	StatusError     Status = "error"
	StatusPanic     Status = "panic"
	StatusCancelled Status = "cancelled"
	StatusAbandoned Status = "abandoned"
)

// Func is a unit of background work. It must return promptly once ctx is
// cancelled.
type Func func(ctx context.Context) error

// Task is the handle to one unit of supervised background work.
type Task struct {
	// ID is a unique identifier (uuid).
	ID string

	// Name is the human-readable task name used in logs.
	Name string

	// StartedAt is when the task was spawned.
	StartedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	status     Status
	err        error
	finishedAt time.Time
}

// Done is closed when the task function has returned.
func (t *Task) Done() <-chan struct{} { return t.done }

// Cancel signals the task to stop. It does not wait.
func (t *Task) Cancel() { t.cancel() }

// Err returns the error the task finished with, if any.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Status returns the current lifecycle state.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Duration is the run time so far, or the total run time once finished.
func (t *Task) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finishedAt.IsZero() {
		return time.Since(t.StartedAt)
	}
	return t.finishedAt.Sub(t.StartedAt)
}

// FinishedAt returns the completion time (zero while running).
func (t *Task) FinishedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finishedAt
}

// Wait blocks until the task finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Info is a point-in-time snapshot of a task.
type Info struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

func (t *Task) info() Info {
	return Info{
		ID:        t.ID,
		Name:      t.Name,
		Status:    t.Status(),
		StartedAt: t.StartedAt,
		Duration:  t.Duration(),
	}
}

type ctxKey struct{}

// FromContext returns the tracked task running with ctx, if any.
func FromContext(ctx context.Context) (*Task, bool) {
	t, ok := ctx.Value(ctxKey{}).(*Task)
	return t, ok
}

// WithTask attaches t to ctx. Spawn does this for every task; it is exported
// for callers that hand work across goroutines inside the same task.
func WithTask(ctx context.Context, t *Task) context.Context {
	return context.WithValue(ctx, ctxKey{}, t)
}
