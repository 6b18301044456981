// pkg/errors/service.go
package errors

import "fmt"

// Service error codes
const (
	// ServiceErrBuild indicates a service constructor failed
	ServiceErrBuild = "SERVICE_BUILD"
	// ServiceErrMissingDependency indicates a dependency was not yet registered
	ServiceErrMissingDependency = "SERVICE_MISSING_DEPENDENCY"
	// ServiceErrDependencyType indicates a dependency has an unexpected type
	ServiceErrDependencyType = "SERVICE_DEPENDENCY_TYPE"
	// ServiceErrWorker indicates a background worker returned an error
	ServiceErrWorker = "SERVICE_WORKER"
	// ServiceErrPanic indicates a recovered panic
	ServiceErrPanic = "SERVICE_PANIC"
	// ServiceErrNotStarted indicates an operation on a bundle that never started
	ServiceErrNotStarted = "SERVICE_NOT_STARTED"
)

// Service domain name
const ServiceDomain = "service"

// Service operations
const (
	OpBuild  = "Build"
	OpDepend = "Depend"
	OpStart  = "Start"
	OpStop   = "Stop"
	OpPoll   = "Poll"
	OpRun    = "Run"
	OpWorker = "Worker"
)

// NewServiceError creates a new service error
func NewServiceError(code string, message string, err error) error {
	return &Error{
		Domain:   ServiceDomain,
		Code:     code,
		Message:  message,
		Original: err,
	}
}

// ServiceErrorf creates a new service error with formatted message
func ServiceErrorf(code string, format string, args ...any) error {
	return &Error{
		Domain:  ServiceDomain,
		Code:    code,
		Message: Sprintf(format, args...),
	}
}

// ServiceWrap wraps an error with service domain, operation and code
func ServiceWrap(err error, operation string, code string, message string) error {
	if err == nil {
		return nil
	}

	return &Error{
		Domain:    ServiceDomain,
		Operation: operation,
		Code:      code,
		Message:   message,
		Original:  err,
	}
}

// IsServiceError checks if an error is a service error with the given code
func IsServiceError(err error, code string) bool {
	var domainErr *Error
	if As(err, &domainErr) {
		return domainErr.Domain == ServiceDomain && domainErr.Code == code
	}
	return false
}

// FromPanic converts a recovered panic value into a service error carrying
// the stack of the panicking goroutine. It must be called from the deferred
// function that recovered.
func FromPanic(v any) error {
	var original error
	switch p := v.(type) {
	case error:
		original = p
	case string:
		original = New(p)
	default:
		original = fmt.Errorf("%v", p)
	}

	return &Error{
		Domain:   ServiceDomain,
		Code:     ServiceErrPanic,
		Message:  "panic",
		Original: original,
		Stack:    captureStack(4),
	}
}
