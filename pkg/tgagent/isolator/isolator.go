// Package isolator runs blocking external operations in a separate worker
// process with a hard deadline.
//
// The parent re-executes a worker command (by default the tgagent binary
// itself with the "worker" subcommand) in its own process group, writes one
// JSON request to its stdin and reads exactly one JSON envelope from its
// stdout. Secrets travel inside the request, never in the argument vector.
//
// Failures are typed so callers can pick a retry policy per kind:
//
//   - timeout:          the deadline (or the caller's context) expired; the
//     whole process group was killed
//   - crashed:          the worker exited abnormally or without a result
//   - malformed_output: the worker wrote something that is not one envelope
//   - operation:        the worker ran but the operation reported an error
package isolator

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	defaultDeadline       = 60 * time.Second
	defaultMaxOutputBytes = 8 << 20
	maxStderrBytes        = 64 << 10
)

// Config holds the isolator configuration.
type Config struct {
	// Deadline is the maximum run time of one execution. A request may ask
	// for less, never for more. Defaults to 60s.
	Deadline time.Duration `yaml:"deadline"`

	// WorkerCommand is the argv of the worker process. Defaults to the
	// running executable followed by "worker".
	WorkerCommand []string `yaml:"worker_command"`

	// MaxOutputBytes limits the size of the worker result. Larger output is
	// a malformed result, not a truncated one. Defaults to 8MB.
	MaxOutputBytes int64 `yaml:"max_output_bytes"`

	// RequireTracked makes Execute refuse calls that are not made from a
	// supervised task. Defaults to true.
	RequireTracked *bool `yaml:"require_tracked"`

	// WorkDir is the working directory of the worker.
	WorkDir string `yaml:"work_dir"`

	// ExtraEnv is added to the worker environment after filtering.
	ExtraEnv map[string]string `yaml:"extra_env"`

	// BlockedEnv lists variables never passed to the worker. Secrets the
	// parent reads from its own environment belong here.
	BlockedEnv []string `yaml:"blocked_env"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	tracked := true
	return Config{
		Deadline:       defaultDeadline,
		MaxOutputBytes: defaultMaxOutputBytes,
		RequireTracked: &tracked,
		BlockedEnv:     defaultBlockedEnv(),
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Deadline < 0 {
		return fmt.Errorf("deadline must not be negative")
	}
	if c.MaxOutputBytes < 0 {
		return fmt.Errorf("max_output_bytes must not be negative")
	}
	for _, arg := range c.WorkerCommand {
		if arg == "" {
			return fmt.Errorf("worker_command contains an empty argument")
		}
	}
	return nil
}

// Request is one operation to run in a worker.
type Request struct {
	// Op names the operation registered on the worker side.
	Op string `json:"op"`

	// Args are the operation arguments.
	Args json.RawMessage `json:"args,omitempty"`

	// Secrets are handed to the operation through stdin only.
	Secrets map[string]string `json:"secrets,omitempty"`

	// Deadline shortens the configured deadline for this request.
	Deadline time.Duration `json:"deadline,omitempty"`
}

// NewRequest marshals args into a request for op.
func NewRequest(op string, args any) (*Request, error) {
	req := &Request{Op: op}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("encoding %s args: %w", op, err)
		}
		req.Args = raw
	}
	return req, nil
}

// Result is the success payload of an execution, exactly as produced by the
// worker.
type Result struct {
	Payload  json.RawMessage
	Duration time.Duration
}

// Decode unmarshals the payload into v.
func (r *Result) Decode(v any) error {
	if len(r.Payload) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(r.Payload, v)
}

// envelope is the single message a worker writes to stdout.
type envelope struct {
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// FailureKind classifies execution failures.
type FailureKind string

const (
	KindTimeout         FailureKind = "timeout"
	KindCrashed         FailureKind = "crashed"
	KindMalformedOutput FailureKind = "malformed_output"
	KindOperation       FailureKind = "operation"
)

// Failure is the error returned by Execute when the request did not produce
// a success payload.
type Failure struct {
	Kind     FailureKind
	Op       string
	ExitCode int
	Stderr   string
	Err      error
}

func (f *Failure) Error() string {
	msg := fmt.Sprintf("isolated %s: %s", f.Op, f.Kind)
	if f.Op == "" {
		msg = "isolated execution: " + string(f.Kind)
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Failure) Unwrap() error { return f.Err }

// Is matches failures of the same kind, so errors.Is(err, ErrTimeout) works
// for any timed-out operation.
func (f *Failure) Is(target error) bool {
	t, ok := target.(*Failure)
	if !ok {
		return false
	}
	return t.Kind == f.Kind && (t.Op == "" || t.Op == f.Op)
}

// Sentinels for errors.Is.
var (
	ErrTimeout         error = &Failure{Kind: KindTimeout}
	ErrCrashed         error = &Failure{Kind: KindCrashed}
	ErrMalformedOutput error = &Failure{Kind: KindMalformedOutput}
	ErrOperation       error = &Failure{Kind: KindOperation}
)

// Errors that are not execution failures.
var (
	ErrUntracked      = errors.New("isolated execution outside a tracked task")
	ErrInvalidRequest = errors.New("invalid execution request")
)

// KindOf returns the failure kind of err, or "" when err is not a Failure.
func KindOf(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}
