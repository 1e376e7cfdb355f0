package isolator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// Call is the worker-side view of one request.
type Call struct {
	Op      string
	Args    json.RawMessage
	Secrets map[string]string
}

// Bind unmarshals the call arguments into v.
func (c *Call) Bind(v any) error {
	if len(c.Args) == 0 {
		return fmt.Errorf("%s: missing arguments", c.Op)
	}
	if err := json.Unmarshal(c.Args, v); err != nil {
		return fmt.Errorf("%s: invalid arguments: %w", c.Op, err)
	}
	return nil
}

// Secret returns the named secret or an error naming it.
func (c *Call) Secret(name string) (string, error) {
	if v := c.Secrets[name]; v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%s: secret %q not provided", c.Op, name)
}

// Operation is a blocking call run inside a worker. The returned value is
// JSON-encoded into the result payload.
type Operation func(ctx context.Context, call *Call) (any, error)

// Registry maps operation names to implementations.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]Operation
}

// NewRegistry creates a registry holding the built-in operations.
func NewRegistry() *Registry {
	r := &Registry{ops: make(map[string]Operation)}
	r.Register("echo", opEcho)
	r.Register("sleep", opSleep)
	return r
}

// Register adds or replaces an operation.
func (r *Registry) Register(name string, op Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[name] = op
}

// Lookup returns the operation registered under name.
func (r *Registry) Lookup(name string) (Operation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.ops[name]
	return op, ok
}

// Names returns the registered operation names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Serve is the worker side of the protocol: it reads one request from in,
// runs the matching operation and writes exactly one envelope to out.
//
// Operation errors are reported inside the envelope and Serve returns nil.
// A non-nil error means no envelope could be written; the caller should exit
// non-zero so the parent reports a crash.
func Serve(ctx context.Context, in io.Reader, out io.Writer, reg *Registry) error {
	var req Request
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		return writeEnvelope(out, &envelope{Error: fmt.Sprintf("decoding request: %v", err)})
	}
	if req.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Deadline)
		defer cancel()
	}

	op, ok := reg.Lookup(req.Op)
	if !ok {
		return writeEnvelope(out, &envelope{Error: fmt.Sprintf("unknown operation %q", req.Op)})
	}

	payload, err := runOperation(ctx, op, &Call{Op: req.Op, Args: req.Args, Secrets: req.Secrets})
	if err != nil {
		return writeEnvelope(out, &envelope{Error: err.Error()})
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return writeEnvelope(out, &envelope{Error: fmt.Sprintf("encoding result: %v", err)})
	}
	return writeEnvelope(out, &envelope{OK: true, Payload: raw})
}

// runOperation converts a panic inside op into an operation error.
func runOperation(ctx context.Context, op Operation, call *Call) (payload any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", call.Op, r)
		}
	}()
	return op(ctx, call)
}

func writeEnvelope(out io.Writer, env *envelope) error {
	if err := json.NewEncoder(out).Encode(env); err != nil {
		return fmt.Errorf("writing result: %w", err)
	}
	return nil
}

// opEcho returns its arguments unchanged.
func opEcho(_ context.Context, call *Call) (any, error) {
	if len(call.Args) == 0 {
		return nil, nil
	}
	return call.Args, nil
}

type sleepArgs struct {
	Duration string `json:"duration"`
}

// opSleep waits for the given duration or until the deadline.
func opSleep(ctx context.Context, call *Call) (any, error) {
	var args sleepArgs
	if err := call.Bind(&args); err != nil {
		return nil, err
	}
	d, err := time.ParseDuration(args.Duration)
	if err != nil {
		return nil, fmt.Errorf("sleep: %w", err)
	}
	select {
	case <-time.After(d):
		return map[string]string{"slept": d.String()}, nil
	case <-ctx.Done():
		return nil, errors.New("sleep: interrupted")
	}
}
