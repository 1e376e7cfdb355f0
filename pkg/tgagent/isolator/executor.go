package isolator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/metrics"
	"github.com/glebis/telegram-agent-sub000/pkg/tgagent/supervisor"
)

// Isolator executes requests in worker processes. It holds no per-request
// state and is safe for concurrent use.
type Isolator struct {
	cfg            Config
	bin            string
	args           []string
	env            *envFilter
	requireTracked bool
	logger         *slog.Logger
	metrics        *metrics.Metrics
}

// New creates an isolator. m may be nil.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Isolator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid isolator config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Deadline == 0 {
		cfg.Deadline = defaultDeadline
	}
	if cfg.MaxOutputBytes == 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}
	if cfg.BlockedEnv == nil {
		cfg.BlockedEnv = defaultBlockedEnv()
	}

	argv := cfg.WorkerCommand
	if len(argv) == 0 {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolving worker executable: %w", err)
		}
		argv = []string{self, "worker"}
	}

	return &Isolator{
		cfg:            cfg,
		bin:            argv[0],
		args:           argv[1:],
		env:            newEnvFilter(cfg.BlockedEnv),
		requireTracked: cfg.RequireTracked == nil || *cfg.RequireTracked,
		logger:         logger.With("component", "isolator"),
		metrics:        m,
	}, nil
}

// Execute runs req in a fresh worker and waits for its result. The effective
// deadline is the smallest of the configured deadline, req.Deadline and the
// deadline of ctx; cancelling ctx kills the worker as well.
//
// Any failure is a *Failure; match kinds with errors.Is(err, ErrTimeout) and
// friends.
func (i *Isolator) Execute(ctx context.Context, req *Request) (*Result, error) {
	if req == nil || req.Op == "" {
		return nil, ErrInvalidRequest
	}
	if i.requireTracked {
		if _, ok := supervisor.FromContext(ctx); !ok {
			return nil, fmt.Errorf("%s: %w", req.Op, ErrUntracked)
		}
	}

	deadline := i.cfg.Deadline
	if req.Deadline > 0 && req.Deadline < deadline {
		deadline = req.Deadline
	}

	input, err := json.Marshal(&Request{Op: req.Op, Args: req.Args, Secrets: req.Secrets, Deadline: deadline})
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", req.Op, err)
	}

	execCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	cmd := exec.CommandContext(execCtx, i.bin, i.args...)
	cmd.Dir = i.cfg.WorkDir
	cmd.Env = i.env.build(i.cfg.ExtraEnv)
	cmd.Stdin = bytes.NewReader(input)
	// Give stdout/stderr copying a moment after the kill so Wait returns even
	// if a grandchild still holds the pipes.
	cmd.WaitDelay = time.Second
	isolateProcess(cmd)

	stdout := &cappedBuffer{limit: i.cfg.MaxOutputBytes}
	stderr := &cappedBuffer{limit: maxStderrBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	i.logger.Debug("executing isolated operation", "op", req.Op, "deadline", deadline)
	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	res, failure := i.interpret(execCtx, ctx, req.Op, runErr, stdout, stderr)
	kind := ""
	if failure != nil {
		kind = string(failure.Kind)
		i.logger.Warn("isolated operation failed",
			"op", req.Op,
			"kind", failure.Kind,
			"exit_code", failure.ExitCode,
			"duration", elapsed,
			"error", failure.Err,
		)
	}
	i.metrics.Execution(req.Op, kind, elapsed.Seconds())
	if failure != nil {
		return nil, failure
	}

	res.Duration = elapsed
	i.logger.Debug("isolated operation finished", "op", req.Op, "duration", elapsed)
	return res, nil
}

// interpret turns the outcome of one worker run into a result or a failure.
func (i *Isolator) interpret(execCtx, parent context.Context, op string, runErr error, stdout, stderr *cappedBuffer) (*Result, *Failure) {
	fail := func(kind FailureKind, err error) *Failure {
		f := &Failure{Kind: kind, Op: op, Err: err, Stderr: stderr.tail()}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			f.ExitCode = exitErr.ExitCode()
		}
		return f
	}

	if execCtx.Err() != nil {
		if parent.Err() != nil {
			return nil, fail(KindTimeout, parent.Err())
		}
		return nil, fail(KindTimeout, context.DeadlineExceeded)
	}

	if stdout.overflow {
		return nil, fail(KindMalformedOutput, fmt.Errorf("output exceeds %d bytes", stdout.limit))
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fail(KindCrashed, fmt.Errorf("starting worker: %w", runErr))
		}
		return nil, fail(KindCrashed, fmt.Errorf("worker exited: %w", runErr))
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return nil, fail(KindCrashed, errors.New("worker exited without a result"))
	}

	env, err := decodeEnvelope(out)
	if err != nil {
		return nil, fail(KindMalformedOutput, err)
	}
	if !env.OK {
		msg := env.Error
		if msg == "" {
			msg = "operation failed"
		}
		return nil, fail(KindOperation, errors.New(msg))
	}
	return &Result{Payload: env.Payload}, nil
}

// decodeEnvelope requires exactly one JSON envelope and nothing after it.
func decodeEnvelope(out []byte) (*envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(out))
	var env envelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("decoding result: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after result")
	}
	if !env.OK && env.Error == "" && len(env.Payload) == 0 {
		return nil, errors.New("empty result envelope")
	}
	return &env, nil
}

// cappedBuffer keeps at most limit bytes and records whether more arrived.
// It never fails a write, so the worker is not killed by a broken pipe.
// The buffer is a named field: an embedded bytes.Buffer would promote
// ReadFrom and let io.Copy bypass the limit.
type cappedBuffer struct {
	buf      bytes.Buffer
	limit    int64
	overflow bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - int64(b.buf.Len())
	if room <= 0 {
		if len(p) > 0 {
			b.overflow = true
		}
		return len(p), nil
	}
	if int64(len(p)) > room {
		b.overflow = true
		b.buf.Write(p[:room])
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) Bytes() []byte  { return b.buf.Bytes() }
func (b *cappedBuffer) String() string { return b.buf.String() }

// tail returns the end of the buffer for diagnostics.
func (b *cappedBuffer) tail() string {
	s := strings.TrimSpace(b.String())
	const tailBytes = 2048
	if len(s) > tailBytes {
		s = s[len(s)-tailBytes:]
	}
	return s
}
