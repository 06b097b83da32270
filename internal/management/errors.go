package management

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingConnectionInfo indicates that remote mode is selected but no
	// base URL or credential has been configured.
	ErrMissingConnectionInfo = errors.New("management: remote connection is not configured")

	// ErrConfigUnavailable indicates the local config file could not be read
	// while resolving a local-mode connection.
	ErrConfigUnavailable = errors.New("management: local configuration is unavailable")

	// ErrProtocol indicates the backend returned a payload the client could
	// not interpret (malformed JSON or missing required fields).
	ErrProtocol = errors.New("management: unexpected response payload")
)

// StatusError reports a non-2xx response from the management API.
type StatusError struct {
	// Code is the HTTP status code of the response.
	Code int

	// Body holds the trimmed response body, if any.
	Body string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("management: HTTP %d", e.Code)
	}
	return fmt.Sprintf("management: HTTP %d: %s", e.Code, e.Body)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code == code
	}
	return false
}
