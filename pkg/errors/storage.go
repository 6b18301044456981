// pkg/errors/storage.go
package errors

// Storage error codes
const (
	// StorageErrConnection indicates the backend could not be reached
	StorageErrConnection = "STORAGE_CONNECTION"
	// StorageErrRead indicates a read error
	StorageErrRead = "STORAGE_READ"
	// StorageErrWrite indicates a write error
	StorageErrWrite = "STORAGE_WRITE"
	// StorageErrReadOnly indicates a write against a read-only database
	StorageErrReadOnly = "STORAGE_READ_ONLY"
	// StorageErrNotFound indicates a key was not found
	StorageErrNotFound = "STORAGE_NOT_FOUND"
	// StorageErrTimeout indicates the per-query timeout elapsed
	StorageErrTimeout = "STORAGE_TIMEOUT"
	// StorageErrHealth indicates a failed health probe
	StorageErrHealth = "STORAGE_HEALTH"
	// StorageErrBackend indicates an unknown or misconfigured backend
	StorageErrBackend = "STORAGE_BACKEND"
)

// Storage domain name
const StorageDomain = "storage"

// Storage operations
const (
	OpOpen        = "Open"
	OpClose       = "Close"
	OpGet         = "Get"
	OpPut         = "Put"
	OpDelete      = "Delete"
	OpKeys        = "Keys"
	OpClear       = "Clear"
	OpHealthCheck = "HealthCheck"
	OpReconnect   = "Reconnect"
)

// NewStorageError creates a new storage error
func NewStorageError(code string, message string, err error) error {
	return &Error{
		Domain:   StorageDomain,
		Code:     code,
		Message:  message,
		Original: err,
	}
}

// StorageErrorf creates a new storage error with formatted message
func StorageErrorf(code string, format string, args ...any) error {
	return &Error{
		Domain:  StorageDomain,
		Code:    code,
		Message: Sprintf(format, args...),
	}
}

// StorageWrapWithCode wraps an error with storage domain and code
func StorageWrapWithCode(err error, operation string, code string, message string) error {
	if err == nil {
		return nil
	}

	return &Error{
		Domain:    StorageDomain,
		Operation: operation,
		Code:      code,
		Message:   message,
		Original:  err,
	}
}

// IsStorageError checks if an error is a storage error with the given code
func IsStorageError(err error, code string) bool {
	var domainErr *Error
	if As(err, &domainErr) {
		return domainErr.Domain == StorageDomain && domainErr.Code == code
	}
	return false
}
