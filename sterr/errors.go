// Package sterr defines the error-kind taxonomy shared across the stride
// runner packages (spec §7): a small set of named kinds, each carrying an
// optional cause and free-form context, discriminated with errors.Is/As
// instead of string matching.
package sterr

import (
	"fmt"
	"log/slog"
)

// Kind names one of the error categories the engine treats specially.
type Kind string

const (
	KindNetworkTransient    Kind = "NETWORK_TRANSIENT"
	KindServerRejected      Kind = "SERVER_REJECTED"
	KindCorruptStore        Kind = "CORRUPT_STORE"
	KindMalformedInstance   Kind = "MALFORMED_INSTANCE"
	KindMalformedSolution   Kind = "MALFORMED_SOLUTION"
	KindInfeasibleSolution  Kind = "INFEASIBLE_SOLUTION"
	KindSupervisionFailure  Kind = "SUPERVISION_FAILURE"
	KindTimeout             Kind = "TIMEOUT"
	KindConfigError         Kind = "CONFIG_ERROR"
	KindNoSelection         Kind = "NO_SELECTION"
	KindCancelled           Kind = "CANCELLED"
)

// Error is the shared error value for every package below. Operation and
// Context exist for log enrichment, not control flow; callers branch on
// Kind via errors.As.
type Error struct {
	Kind      Kind
	Message   string
	Operation string
	Cause     error
	Context   map[string]any
}

// New creates an Error with no cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Context: make(map[string]any)}
}

// Wrap creates an Error recording cause as the underlying error.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause, Context: make(map[string]any)}
}

// WithOperation annotates which operation raised the error.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// WithContext attaches a diagnostic key/value pair.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, sterr.New(kind, "")) to match on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether the error kind is safe to retry internally
// (spec §7: only NetworkTransient is retried by the engine itself).
func (e *Error) Retryable() bool {
	return e.Kind == KindNetworkTransient
}

// Fatal reports whether the error kind must abort the run at startup
// (spec §7: CorruptStore and ConfigError).
func (e *Error) Fatal() bool {
	return e.Kind == KindCorruptStore || e.Kind == KindConfigError
}

// LogValue implements slog.LogValuer for structured logging.
func (e *Error) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("kind", string(e.Kind)),
		slog.String("message", e.Message),
	}
	if e.Operation != "" {
		attrs = append(attrs, slog.String("operation", e.Operation))
	}
	if e.Cause != nil {
		attrs = append(attrs, slog.String("cause", e.Cause.Error()))
	}
	if len(e.Context) > 0 {
		kv := make([]any, 0, len(e.Context)*2)
		for k, v := range e.Context {
			kv = append(kv, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Group("context", kv...))
	}
	return slog.GroupValue(attrs...)
}

// ServerRejected is the 4xx-class upload/fetch rejection named in spec
// §4.E. It is a distinct type (rather than an *Error with Context
// entries) because callers need the status code and body as typed
// fields, not map lookups.
type ServerRejected struct {
	IID    uint32
	Status int
	Body   string
}

func (e *ServerRejected) Error() string {
	return fmt.Sprintf("server rejected iid %d: status %d: %s", e.IID, e.Status, e.Body)
}

func (e *ServerRejected) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("iid", uint64(e.IID)),
		slog.Int("status", e.Status),
		slog.String("body", e.Body),
	)
}
