// Package rterr defines the error kinds of the SHAD dispatch runtime (§7)
// and the plumbing to classify lower-level transport errors (from
// github.com/grailbio/base/errors, as used throughout
// github.com/grailbio/bigslice/exec) into them.
package rterr

import (
	stderrors "errors"
	"fmt"

	"github.com/grailbio/base/errors"
)

// Kind identifies one of the error categories defined in §7.
type Kind int

const (
	// Other is the zero value; it should not be constructed directly.
	Other Kind = iota
	// InvalidLocality indicates a target locality outside [0, N).
	InvalidLocality
	// ActionUnknown indicates an action key not resolvable at the callee.
	ActionUnknown
	// ResultBufferTooSmall indicates the callee wrote more than the
	// caller's advertised RetBuff capacity.
	ResultBufferTooSmall
	// TransportFailure indicates delivery could not complete.
	TransportFailure
	// UserActionFailure wraps an error signalled by user action code.
	UserActionFailure
)

func (k Kind) String() string {
	switch k {
	case InvalidLocality:
		return "invalid locality"
	case ActionUnknown:
		return "action unknown"
	case ResultBufferTooSmall:
		return "result buffer too small"
	case TransportFailure:
		return "transport failure"
	case UserActionFailure:
		return "user action failure"
	default:
		return "error"
	}
}

// Error is the concrete error type returned by dispatcher operations.
type Error struct {
	Kind   Kind
	Action string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Action != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Action, e.Err)
	case e.Action != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Action)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs an *Error of the given kind, optionally naming the action
// key involved and wrapping a cause.
func E(kind Kind, action string, cause error) *Error {
	return &Error{Kind: kind, Action: action, Err: cause}
}

// Is reports whether err is an *Error of the given kind.
func Is(kind Kind, err error) bool {
	var e *Error
	if !stderrors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// fatalMark is used the same way bigmachineExecutor uses fatalErr: a
// sentinel matched against with errors.Match to decide whether a
// transport error is retryable.
var fatalMark = errors.E(errors.Fatal)

// Fatal wraps err so that Retryable reports false for it, mirroring
// errors.E(errors.Fatal, err) in bigmachine.go.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return errors.E(errors.Fatal, err)
}

// Retryable classifies a transport-layer error the same way
// bigmachineExecutor.Run does: network, unavailability, and other
// transient conditions are retryable; anything matched as Fatal is not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Match(fatalErrMark(), err) {
		return false
	}
	return errors.Is(errors.Net, err) || errors.Is(errors.Unavailable, err) || errors.IsTemporary(err)
}

func fatalErrMark() error { return fatalMark }
