// Package fault defines the structured error taxonomy shared by the component
// execution runtime. Every failure surfaced by a runner, activity, or gateway
// is classified by Kind, which determines whether the orchestrator may retry
// it and how it is reported to operators.
package fault

import (
	"errors"
	"fmt"

	"go.temporal.io/sdk/temporal"
)

// Kind classifies a runtime failure. Kinds map one-to-one onto retry
// semantics: Validation, Configuration, Auth and NotFound are terminal,
// Timeout and Service are retryable, Container is retryable only when the
// component's policy allows it.
type Kind string

const (
	// KindValidation indicates a parameter or output record failed its
	// declared contract, or a component produced malformed result JSON.
	KindValidation Kind = "validation"
	// KindConfiguration indicates missing required configuration such as an
	// absent master key or an unsupported runner kind.
	KindConfiguration Kind = "configuration"
	// KindContainer indicates a container exited non-zero. The stderr tail
	// and exit code are preserved in Details.
	KindContainer Kind = "container"
	// KindTimeout indicates the wall-clock deadline for an execution was
	// breached.
	KindTimeout Kind = "timeout"
	// KindService indicates a transient failure calling an internal
	// dependency.
	KindService Kind = "service"
	// KindAuth indicates a bad webhook signature or an expired or invalid
	// session token.
	KindAuth Kind = "auth"
	// KindNotFound indicates an unknown component id or a missing secret.
	KindNotFound Kind = "not_found"
)

// StderrTailLimit bounds the stderr excerpt attached to container faults.
const StderrTailLimit = 500

// Error is the structured runtime error. Details carries kind-specific
// context (exit codes, captured stdout, component ids) that survives
// serialization across the activity boundary.
type Error struct {
	Kind    Kind
	Message string
	// ComponentID identifies the component whose execution failed, when known.
	ComponentID string
	// Details holds kind-specific context such as "exitCode", "stdout" or
	// "stderr". Values must be JSON-serializable.
	Details map[string]any
	// Cause is the wrapped underlying error, if any.
	Cause error
}

// New constructs a fault of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs a fault with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs a fault that wraps cause. The cause remains reachable via
// errors.Is/As.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithComponent returns the error annotated with the component id.
func (e *Error) WithComponent(id string) *Error {
	e.ComponentID = id
	return e
}

// WithDetail attaches a single detail entry, allocating the map on first use.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.ComponentID != "" {
		return fmt.Sprintf("%s: %s [%s]", e.Kind, e.Message, e.ComponentID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Retryable reports whether the orchestrator may re-attempt the failed
// operation. Container faults are conditionally retryable; the component's
// retry policy decides, so they report true here and policies list the kind
// as non-retryable when appropriate.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindService, KindContainer:
		return true
	default:
		return false
	}
}

// KindOf extracts the fault kind from an arbitrary error. Unclassified errors
// report KindService so they remain retryable by default.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	// Temporal round-trips faults as application errors typed by kind.
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		switch k := Kind(appErr.Type()); k {
		case KindValidation, KindConfiguration, KindContainer, KindTimeout, KindService, KindAuth, KindNotFound:
			return k
		}
	}
	return KindService
}

// FromError converts an arbitrary error into a fault, preserving an existing
// classification when present.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return &Error{Kind: KindOf(err), Message: err.Error(), Cause: err}
}

// ToTemporal translates a fault into the Temporal application error the node
// activity returns. Terminal kinds become non-retryable application errors so
// the orchestrator's retry policy never re-attempts them.
func ToTemporal(err error) error {
	if err == nil {
		return nil
	}
	fe := FromError(err)
	details := []any{}
	if len(fe.Details) > 0 {
		details = append(details, fe.Details)
	}
	if fe.Retryable() {
		return temporal.NewApplicationErrorWithOptions(fe.Error(), string(fe.Kind), temporal.ApplicationErrorOptions{
			Details: details,
			Cause:   fe.Cause,
		})
	}
	return temporal.NewApplicationErrorWithOptions(fe.Error(), string(fe.Kind), temporal.ApplicationErrorOptions{
		NonRetryable: true,
		Details:      details,
		Cause:        fe.Cause,
	})
}

// StderrTail returns at most StderrTailLimit bytes from the end of stderr,
// the portion most likely to carry the failure reason.
func StderrTail(stderr []byte) string {
	if len(stderr) <= StderrTailLimit {
		return string(stderr)
	}
	return string(stderr[len(stderr)-StderrTailLimit:])
}
