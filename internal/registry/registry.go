// Package registry maps job handler keys to the code that executes them.
//
// A Registry is built once at startup and passed to the worker; tests build
// their own isolated registries.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrHandlerNotFound  = errors.New("handler not found")
	ErrDuplicateHandler = errors.New("handler already registered")

	// ErrNonRetryable can be wrapped by handler errors to skip remaining retries.
	ErrNonRetryable = errors.New("non-retryable")
)

// JobContext identifies the attempt a handler is running.
type JobContext struct {
	JobID      string
	TenantID   string
	RetryCount int
}

type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeRetryable
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result is what a handler reports for one attempt.
type Result struct {
	Outcome Outcome
	Err     error
}

func OK() Result { return Result{Outcome: OutcomeOK} }

func Retry(err error) Result { return Result{Outcome: OutcomeRetryable, Err: err} }

func Fatal(err error) Result { return Result{Outcome: OutcomeFatal, Err: err} }

func (r Result) Success() bool { return r.Outcome == OutcomeOK }

func (r Result) Retryable() bool { return r.Outcome == OutcomeRetryable }

// Reason is the error text recorded on the job, empty for a bare failure.
func (r Result) Reason() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Handler executes one job attempt. Implementations must honor ctx
// cancellation: the worker stops waiting at the job's deadline.
type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage, jc JobContext) Result
}

type HandlerFunc func(ctx context.Context, payload json.RawMessage, jc JobContext) Result

func (f HandlerFunc) Handle(ctx context.Context, payload json.RawMessage, jc JobContext) Result {
	return f(ctx, payload, jc)
}

// Func adapts an error-returning function. A nil error is success, an error
// wrapping ErrNonRetryable is fatal, anything else is retried.
func Func(fn func(ctx context.Context, payload json.RawMessage, jc JobContext) error) Handler {
	return HandlerFunc(func(ctx context.Context, payload json.RawMessage, jc JobContext) Result {
		return resultOf(fn(ctx, payload, jc))
	})
}

// Typed decodes the payload into T before calling fn. A payload that does
// not decode is a fatal failure since retrying cannot fix it.
func Typed[T any](fn func(ctx context.Context, payload T, jc JobContext) error) Handler {
	return HandlerFunc(func(ctx context.Context, raw json.RawMessage, jc JobContext) Result {
		var v T
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &v); err != nil {
				return Fatal(fmt.Errorf("decode payload: %w", err))
			}
		}
		return resultOf(fn(ctx, v, jc))
	})
}

func resultOf(err error) Result {
	switch {
	case err == nil:
		return OK()
	case errors.Is(err, ErrNonRetryable):
		return Fatal(err)
	default:
		return Retry(err)
	}
}

// Registry is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func New() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds key to h. Each key may be registered once.
func (r *Registry) Register(key string, h Handler) error {
	if key == "" {
		return errors.New("handler key is empty")
	}
	if h == nil {
		return fmt.Errorf("handler %q is nil", key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, key)
	}
	r.handlers[key] = h
	return nil
}

// MustRegister is Register for startup wiring where a duplicate is a bug.
func (r *Registry) MustRegister(key string, h Handler) {
	if err := r.Register(key, h); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(key string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotFound, key)
	}
	return h, nil
}

// Keys returns the registered keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
