// pkg/errors/api.go
package errors

import (
	"encoding/json"
	"net/http"
)

// API error codes. Values are the errcodes carried in JSON error bodies.
const (
	// APIErrBadRequest indicates a malformed request
	APIErrBadRequest = "M_BAD_JSON"
	// APIErrInvalidParam indicates a parameter with an invalid value
	APIErrInvalidParam = "M_INVALID_PARAM"
	// APIErrMissingToken indicates a request without an access token
	APIErrMissingToken = "M_MISSING_TOKEN"
	// APIErrUnauthorized indicates an invalid token
	APIErrUnauthorized = "M_UNKNOWN_TOKEN"
	// APIErrForbidden indicates a forbidden request
	APIErrForbidden = "M_FORBIDDEN"
	// APIErrNotFound indicates a resource was not found
	APIErrNotFound = "M_NOT_FOUND"
	// APIErrUnrecognized indicates an unknown endpoint
	APIErrUnrecognized = "M_UNRECOGNIZED"
	// APIErrRateLimitExceeded indicates a rate limit was exceeded
	APIErrRateLimitExceeded = "M_LIMIT_EXCEEDED"
	// APIErrUnavailable indicates the services are shutting down or restarting
	APIErrUnavailable = "M_UNAVAILABLE"
	// APIErrInternalServer indicates an internal server error
	APIErrInternalServer = "M_UNKNOWN"
)

// API domain name
const APIDomain = "api"

// API operations
const (
	OpHandleRequest = "HandleRequest"
	OpAuthenticate  = "Authenticate"
	OpStartServer   = "StartServer"
	OpShutdown      = "ShutdownServer"
)

// NewAPIError creates a new API error
func NewAPIError(code string, message string, err error) error {
	return &Error{
		Domain:   APIDomain,
		Code:     code,
		Message:  message,
		Original: err,
	}
}

// APIErrorf creates a new API error with formatted message
func APIErrorf(code string, format string, args ...any) error {
	return &Error{
		Domain:  APIDomain,
		Code:    code,
		Message: Sprintf(format, args...),
	}
}

// IsAPIError checks if an error is an API error with the given code
func IsAPIError(err error, code string) bool {
	var domainErr *Error
	if As(err, &domainErr) {
		return domainErr.Domain == APIDomain && domainErr.Code == code
	}
	return false
}

// HTTPStatusFromAPIError returns the HTTP status code for an API error
func HTTPStatusFromAPIError(err error) int {
	var domainErr *Error
	if !As(err, &domainErr) {
		return http.StatusInternalServerError
	}

	switch domainErr.Code {
	case APIErrBadRequest, APIErrInvalidParam:
		return http.StatusBadRequest
	case APIErrUnauthorized, APIErrMissingToken:
		return http.StatusUnauthorized
	case APIErrForbidden:
		return http.StatusForbidden
	case APIErrNotFound, APIErrUnrecognized, StorageErrNotFound:
		return http.StatusNotFound
	case APIErrRateLimitExceeded:
		return http.StatusTooManyRequests
	case APIErrUnavailable:
		return http.StatusServiceUnavailable
	case StorageErrReadOnly:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Body is the JSON error body written to HTTP clients.
type Body struct {
	ErrCode string `json:"errcode"`
	Error   string `json:"error"`
}

// WriteJSON writes err to w as a JSON error body with the matching status.
// Errors outside the api domain are reported as M_UNKNOWN without leaking
// their message.
func WriteJSON(w http.ResponseWriter, err error) {
	body := Body{ErrCode: APIErrInternalServer, Error: "Internal server error"}

	var domainErr *Error
	if As(err, &domainErr) {
		switch {
		case domainErr.Domain == APIDomain:
			body.ErrCode = domainErr.Code
			body.Error = domainErr.Message
		case domainErr.Code == StorageErrNotFound:
			body.ErrCode = APIErrNotFound
			body.Error = "Not found"
		case domainErr.Code == StorageErrReadOnly:
			body.ErrCode = APIErrForbidden
			body.Error = "Database is read-only"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatusFromAPIError(err))
	_ = json.NewEncoder(w).Encode(body)
}
