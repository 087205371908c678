package minimize

import (
	"errors"
	"fmt"
)

// Kind classifies engine errors.
type Kind int

const (
	// KindConfiguration covers invalid selections, step budgets and names.
	KindConfiguration Kind = iota + 1
	// KindState covers calls made out of order.
	KindState
	// KindForceField covers force-field setup that failed even after the
	// fallback was tried.
	KindForceField
	// KindTopology covers topology build failures.
	KindTopology
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindState:
		return "state"
	case KindForceField:
		return "force field"
	case KindTopology:
		return "topology"
	default:
		return "unknown"
	}
}

var (
	// ErrRunning is returned when a call needs an idle engine.
	ErrRunning = errors.New("minimization already running")
	// ErrNotStarted is returned by Step, Stop and Finish outside a run.
	ErrNotStarted = errors.New("minimization not started")
	// ErrNotPrepared is returned by Start before a successful Prepare.
	ErrNotPrepared = errors.New("minimization not prepared")
	// ErrNotConfigured is returned by Prepare before Configure.
	ErrNotConfigured = errors.New("minimization not configured")
	// ErrEmptySelection is returned when the working set has no atoms.
	ErrEmptySelection = errors.New("no atoms selected")
	// ErrNoBonds is returned when bonded terms are required but absent.
	ErrNoBonds = errors.New("no bonds in selection")
	// ErrForceFieldSetup is returned when no force field accepted the topology.
	ErrForceFieldSetup = errors.New("force field setup failed")
	// ErrUnknownForceField is returned for an unregistered force-field name.
	ErrUnknownForceField = errors.New("unknown force field")
)

// Error represents a minimization error with context
// that can be wrapped with additional information.
type Error struct {
	// Kind classifies the failure.
	Kind Kind
	// Message describes the error that occurred.
	Message string
	// Op is the operation that caused the error.
	Op string
	// Component is the component where the error occurred.
	Component string
	// Err is the underlying error that triggered this one, if any.
	Err error
}

// Error returns the string representation of the error.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var prefix string
	if e.Component != "" && e.Op != "" {
		prefix = fmt.Sprintf("%s: %s", e.Component, e.Op)
	} else if e.Component != "" {
		prefix = e.Component
	} else if e.Op != "" {
		prefix = e.Op
	}

	if e.Err != nil {
		if prefix != "" {
			return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}

	if prefix != "" {
		return fmt.Sprintf("%s: %s", prefix, e.Message)
	}
	return e.Message
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// WithOperation adds operation context to the error.
func (e *Error) WithOperation(op string) *Error {
	e.Op = op
	return e
}

// WithComponent adds component context to the error.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// NewError creates a new minimization error of the given kind.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// NewErrorf creates a new minimization error with formatted message.
func NewErrorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps an existing error with additional context.
// If err is nil, WrapError returns nil.
func WrapError(err error, kind Kind, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// WrapErrorf wraps an existing error with additional formatted context.
// If err is nil, WrapErrorf returns nil.
func WrapErrorf(err error, kind Kind, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// AsError reports whether err is, or wraps, an *Error and returns it.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	e, ok := AsError(err)
	return ok && e.Kind == kind
}
