// pkg/errors/config.go
package errors

// Config error codes
const (
	// ConfigErrInvalid indicates a value no component can run with
	ConfigErrInvalid = "CONFIG_INVALID"
)

// Config domain name
const ConfigDomain = "config"

// OpValidate is the config validation operation
const OpValidate = "Validate"

// ConfigErrorf creates a validation error for key with a formatted message
func ConfigErrorf(key string, format string, args ...any) error {
	return &Error{
		Domain:    ConfigDomain,
		Operation: OpValidate,
		Code:      ConfigErrInvalid,
		Message:   Sprintf(format, args...),
		Fields:    map[string]any{"key": key},
	}
}

// IsConfigError checks if an error is a config error with the given code
func IsConfigError(err error, code string) bool {
	var domainErr *Error
	if As(err, &domainErr) {
		return domainErr.Domain == ConfigDomain && domainErr.Code == code
	}
	return false
}
