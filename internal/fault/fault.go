// Package fault classifies errors by their propagation policy: validation
// and precondition failures surface synchronously, resource shortages queue
// silently, external timeouts and failures fail the owning workflow, and
// internal errors only warn. RPC handlers map kinds to response codes.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the propagation class of an error.
type Kind int

const (
	// KindUnknown marks errors that carry no fault classification.
	KindUnknown Kind = iota
	// Validation: malformed input; surfaced to the caller, no state mutation.
	Validation
	// Precondition: state does not permit the operation; surfaced with a
	// suggested recovery in the message.
	Precondition
	// Resource: transient shortage (no agents available); the request is
	// queued and no error surfaces.
	Resource
	// ExternalTimeout: an expected completion signal never arrived.
	ExternalTimeout
	// ExternalFailure: an external agent CLI reported failure.
	ExternalFailure
	// Internal: recoverable daemon defect; logged at WARN, operation continues.
	Internal
	// Fatal: unrecoverable within the operation (disk write failure); logged
	// at ERROR, operation fails, no retry.
	Fatal
	// CoordinatorEval: an LLM evaluation failed after retries and was dropped.
	CoordinatorEval
)

// Code returns the stable wire identifier for the kind.
func (k Kind) Code() string {
	switch k {
	case Validation:
		return "validation_error"
	case Precondition:
		return "precondition_error"
	case Resource:
		return "resource_error"
	case ExternalTimeout:
		return "external_timeout"
	case ExternalFailure:
		return "external_failure"
	case Internal:
		return "internal_error"
	case Fatal:
		return "fatal_error"
	case CoordinatorEval:
		return "coordinator_eval_failure"
	default:
		return "unknown_error"
	}
}

func (k Kind) String() string { return k.Code() }

// Fault is an error with a Kind and an optional wrapped cause.
type Fault struct {
	kind Kind
	msg  string
	err  error
}

// New creates a fault with a formatted message.
func New(kind Kind, format string, args ...any) *Fault {
	return &Fault{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap creates a fault wrapping err with a formatted message.
func Wrap(kind Kind, err error, format string, args ...any) *Fault {
	return &Fault{kind: kind, msg: fmt.Sprintf(format, args...), err: err}
}

func (f *Fault) Error() string {
	if f.err != nil {
		return f.msg + ": " + f.err.Error()
	}
	return f.msg
}

func (f *Fault) Unwrap() error { return f.err }

// Kind returns the fault's propagation class.
func (f *Fault) Kind() Kind { return f.kind }

// Message returns the message without the wrapped cause.
func (f *Fault) Message() string { return f.msg }

// KindOf returns the Kind of the first *Fault in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.kind
	}
	return KindUnknown
}

// IsKind reports whether err's chain contains a fault of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
