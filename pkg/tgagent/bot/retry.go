package bot

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/isolator"
	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/providers"
)

// retryingExecutor re-runs an isolated execution when the worker timed out or
// crashed. Malformed output and operation errors are final: running the same
// request again would produce the same answer.
type retryingExecutor struct {
	next     providers.Executor
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
}

func newRetryingExecutor(next providers.Executor, cfg RetryConfig, logger *slog.Logger) *retryingExecutor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &retryingExecutor{
		next:     next,
		attempts: cfg.MaxAttempts,
		backoff:  cfg.Backoff,
		logger:   logger,
	}
}

func (r *retryingExecutor) Execute(ctx context.Context, req *isolator.Request) (*isolator.Result, error) {
	for attempt := 1; ; attempt++ {
		res, err := r.next.Execute(ctx, req)
		if err == nil || attempt >= r.attempts || !retryable(err) || ctx.Err() != nil {
			return res, err
		}
		r.logger.Warn("isolated execution failed, retrying",
			"op", req.Op, "attempt", attempt, "kind", isolator.KindOf(err), "error", err)

		if r.backoff > 0 {
			timer := time.NewTimer(r.backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, err
			case <-timer.C:
			}
		}
	}
}

func retryable(err error) bool {
	return errors.Is(err, isolator.ErrTimeout) || errors.Is(err, isolator.ErrCrashed)
}
