// Package errors provides the service-level error type of the minimization
// HTTP edge. An Error records where it was raised, the HTTP status it maps
// to and the stack at creation; StatusCode and KindOf translate engine
// errors into the same shape.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"

	"github.com/copyleftdev/molmin/internal/minimize"
)

// Error is an error raised at the service edge.
type Error struct {
	// Err is the cause, if any.
	Err error
	// Message describes the failure to the client.
	Message string
	// Operation is the handler step that failed.
	Operation string
	// Component is the package that raised the error.
	Component string
	// Status is the HTTP status to answer with; zero defers to the cause.
	Status int
	// Stack holds the frames outside this package at creation.
	Stack []string
}

// Error renders "component/operation: message: cause", omitting empty parts.
func (e *Error) Error() string {
	var parts []string
	switch {
	case e.Component != "" && e.Operation != "":
		parts = append(parts, e.Component+"/"+e.Operation)
	case e.Component != "":
		parts = append(parts, e.Component)
	case e.Operation != "":
		parts = append(parts, e.Operation)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	return strings.Join(parts, ": ")
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithMessage replaces the message.
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// WithOperation records the failing operation.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// WithComponent records the raising component.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithStatus sets the HTTP status the error answers with.
func (e *Error) WithStatus(code int) *Error {
	e.Status = code
	return e
}

// StackTrace returns the frames captured at creation.
func (e *Error) StackTrace() []string {
	return e.Stack
}

// New returns an Error with msg.
func New(msg string) *Error {
	return &Error{Message: msg, Stack: callers()}
}

// Errorf returns an Error with a formatted message.
func Errorf(format string, args ...interface{}) *Error {
	return &Error{Message: fmt.Sprintf(format, args...), Stack: callers()}
}

// Wrap attaches msg to err. An *Error is annotated in place; a nil err
// yields nil.
func Wrap(err error, msg string) *Error {
	if err == nil {
		return nil
	}
	e := adopt(err)
	if msg != "" {
		e.Message = msg
	}
	return e
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	e := adopt(err)
	e.Message = fmt.Sprintf(format, args...)
	return e
}

func adopt(err error) *Error {
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{Err: err, Stack: callers()}
}

// callers returns the stack above the constructor, without runtime and
// errors-package frames.
func callers() []string {
	var pcs [32]uintptr
	n := runtime.Callers(3, pcs[:])
	if n == 0 {
		return nil
	}
	frames := runtime.CallersFrames(pcs[:n])
	stack := make([]string, 0, n)
	for {
		f, more := frames.Next()
		own := strings.Contains(f.File, "internal/errors/") && !strings.HasSuffix(f.File, "_test.go")
		if !own && !strings.Contains(f.File, "runtime/") {
			stack = append(stack, fmt.Sprintf("%s\n\t%s:%d", f.Function, f.File, f.Line))
		}
		if !more {
			return stack
		}
	}
}

// StatusCode maps err onto an HTTP status. An explicit Status on an *Error
// in the chain wins, then the kind of a minimization error. Anything else
// is a bad request.
func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var e *Error
	if stderrors.As(err, &e) && e.Status != 0 {
		return e.Status
	}
	var me *minimize.Error
	if stderrors.As(err, &me) {
		switch me.Kind {
		case minimize.KindState:
			return http.StatusConflict
		case minimize.KindForceField:
			return http.StatusUnprocessableEntity
		}
	}
	return http.StatusBadRequest
}

// KindOf returns the minimization error kind in err's chain, or "".
func KindOf(err error) string {
	var me *minimize.Error
	if stderrors.As(err, &me) {
		return me.Kind.String()
	}
	return ""
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	if err == nil || target == nil {
		return false
	}
	return stderrors.As(err, target)
}

// Unwrap returns the cause recorded by err, or nil.
func Unwrap(err error) error {
	return stderrors.Unwrap(err)
}
