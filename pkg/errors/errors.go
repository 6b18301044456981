// Package errors provides the domain error type shared by every layer of the
// homeserver: the service framework, the database handle and the HTTP router.
package errors

import (
	"errors"
	"fmt"
	"maps"
	"runtime"
	"strings"
)

// Sentinel errors
var (
	ErrNotFound      = errors.New("resource not found")
	ErrAlreadyExists = errors.New("resource already exists")
	ErrInvalidInput  = errors.New("invalid input")
	ErrUnauthorized  = errors.New("unauthorized access")
	ErrInternal      = errors.New("internal error")
	ErrUnavailable   = errors.New("service unavailable")
	ErrTimeout       = errors.New("operation timed out")
	ErrReadOnly      = errors.New("read-only")
	ErrShutdown      = errors.New("shutting down")
)

// Sprintf is a convenience function for fmt.Sprintf
func Sprintf(format string, args ...any) string {
	return fmt.Sprintf(format, args...)
}

// Unwrap provides compatibility with the standard errors package
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// Is provides compatibility with the standard errors package
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As provides compatibility with the standard errors package
func As(err error, target any) bool {
	return errors.As(err, target)
}

// New creates a new error with the given message
func New(message string) error {
	return errors.New(message)
}

// Errorf provides compatibility with fmt.Errorf
func Errorf(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}

// Join provides compatibility with the standard errors package
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// Error represents a domain error with additional context
type Error struct {
	// Original is the original error
	Original error
	// Domain is the domain of the error (e.g., "service", "storage", "api")
	Domain string
	// Code is a machine-readable error code
	Code string
	// Message is a human-readable error message
	Message string
	// Operation is the operation that failed (e.g., "Build", "Poll")
	Operation string
	// Fields contains additional context about the error
	Fields map[string]any
	// Stack contains the stack trace
	Stack string
}

// Error implements the error interface.
// Format: [Domain.Operation] Code=CODE: Message: Original
func (e *Error) Error() string {
	var sb strings.Builder

	sb.WriteString("[")
	switch {
	case e.Domain != "" && e.Operation != "":
		sb.WriteString(e.Domain + "." + e.Operation)
	case e.Domain != "":
		sb.WriteString(e.Domain)
	default:
		sb.WriteString(e.Operation)
	}
	sb.WriteString("] ")

	if e.Code != "" {
		sb.WriteString("Code=" + e.Code + ": ")
	}
	sb.WriteString(e.Message)

	if e.Original != nil {
		if e.Message != "" {
			sb.WriteString(": ")
		}
		sb.WriteString(e.Original.Error())
	}

	return sb.String()
}

// Unwrap implements the errors.Unwrapper interface
func (e *Error) Unwrap() error {
	return e.Original
}

// clone returns a copy of err as a domain error so that callers can adjust a
// single attribute without mutating an error someone else may hold.
func clone(err error) *Error {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		c := *domainErr
		c.Fields = maps.Clone(domainErr.Fields)
		return &c
	}
	return &Error{Original: err}
}

// WithStack adds a stack trace to the error
func WithStack(err error) error {
	if err == nil {
		return nil
	}

	var domainErr *Error
	if errors.As(err, &domainErr) && domainErr.Stack != "" {
		return err
	}

	e := clone(err)
	e.Stack = captureStack(3)
	return e
}

// Wrap wraps an error with a message
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	e := clone(err)
	e.Message = message
	return e
}

// WrapWithDomain wraps an error with a domain
func WrapWithDomain(err error, domain string) error {
	if err == nil {
		return nil
	}
	e := clone(err)
	e.Domain = domain
	return e
}

// WrapWithOperation wraps an error with an operation
func WrapWithOperation(err error, operation string) error {
	if err == nil {
		return nil
	}
	e := clone(err)
	e.Operation = operation
	return e
}

// WrapWithCode wraps an error with a code
func WrapWithCode(err error, code string) error {
	if err == nil {
		return nil
	}
	e := clone(err)
	e.Code = code
	return e
}

// WrapWithField wraps an error with a field
func WrapWithField(err error, key string, value any) error {
	if err == nil {
		return nil
	}
	e := clone(err)
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// E is a convenience function for creating domain errors. Strings fill
// Message, Domain, Operation and Code in that order.
func E(args ...any) error {
	if len(args) == 0 {
		return nil
	}

	e := &Error{}
	for _, arg := range args {
		switch a := arg.(type) {
		case string:
			switch {
			case e.Message == "":
				e.Message = a
			case e.Domain == "":
				e.Domain = a
			case e.Operation == "":
				e.Operation = a
			case e.Code == "":
				e.Code = a
			}
		case error:
			e.Original = a
		case map[string]any:
			e.Fields = a
		}
	}

	return e
}

// CodeOf returns the code of the outermost domain error in err's chain.
func CodeOf(err error) string {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}

func captureStack(skip int) string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(skip, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var sb strings.Builder
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "runtime/") {
			fmt.Fprintf(&sb, "%s:%d %s\n", frame.File, frame.Line, frame.Function)
		}
		if !more {
			break
		}
	}
	return sb.String()
}
