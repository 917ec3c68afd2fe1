package dualai

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNoData is returned by report exports when the filtered result set is
// empty. It signals "nothing to export", not a failure.
var ErrNoData = errors.New("no interactions matched the given filter")

// ConfigurationError indicates that a required credential or identifier is
// missing from the configuration. It is always returned before any network
// I/O is attempted.
type ConfigurationError struct {
	Provider string
	Missing  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s configuration incomplete: %s is missing", e.Provider, e.Missing)
}

// ValidationError indicates that caller-supplied parameters were malformed or
// incomplete.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid parameter %q: %s", e.Field, e.Reason)
}

// APIError indicates that an upstream provider call failed, either at the
// transport level or with a non-success HTTP status. StatusCode carries the
// upstream status (0 for transport failures) and Message the upstream or
// rewritten error text.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s API error: %s", e.Provider, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// DecodeError indicates that an upstream response body could not be parsed in
// the expected shape.
type DecodeError struct {
	Provider string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode %s API response: %v", e.Provider, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// StorageError indicates that a local write (e.g. a synthesized audio file)
// failed. These calls are not retried.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s (%s): %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// AuthorizationError indicates that the caller's security token or privilege
// check failed at the gateway, before any provider client was reached.
type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("authorization failed: %s", e.Reason)
}

// httpStatusFor maps an error from the taxonomy to the HTTP status the
// gateway reports. Upstream statuses pass through on APIError so the browser
// widget sees the same code the provider returned.
func httpStatusFor(err error) int {
	var (
		confErr  *ConfigurationError
		valErr   *ValidationError
		apiErr   *APIError
		decErr   *DecodeError
		storeErr *StorageError
		authErr  *AuthorizationError
	)
	switch {
	case errors.As(err, &confErr):
		return http.StatusBadRequest
	case errors.As(err, &valErr):
		return http.StatusBadRequest
	case errors.As(err, &apiErr):
		if apiErr.StatusCode > 0 {
			return apiErr.StatusCode
		}
		return http.StatusBadGateway
	case errors.As(err, &decErr):
		return http.StatusBadGateway
	case errors.As(err, &storeErr):
		return http.StatusInternalServerError
	case errors.As(err, &authErr):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
