// Package apierr defines the error taxonomy shared by the transport layer
// and the synchronizers. Callers classify with errors.Is and errors.As.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnauthenticated means there is no session; no request was sent.
	ErrUnauthenticated = errors.New("not signed in")
	// ErrUnauthorized means the server rejected the credential. The session
	// has already been invalidated when this is returned.
	ErrUnauthorized = errors.New("session expired, sign in again")
	// ErrNetworkUnavailable covers DNS, connection and timeout failures.
	ErrNetworkUnavailable = errors.New("network unavailable")
	// ErrValidationFailed is matched by every *ValidationError.
	ErrValidationFailed = errors.New("validation failed")
	// ErrInFlight is returned when the same mutation is already pending.
	ErrInFlight = errors.New("request already in progress")
)

// RequestFailedError is a non-2xx response other than a credential rejection.
type RequestFailedError struct {
	StatusCode int
	Message    string
}

func (e *RequestFailedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("request failed (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("request failed (%d %s)", e.StatusCode, http.StatusText(e.StatusCode))
}

// ValidationError is a local pre-flight check failure. It never reaches the network.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

// Invalid builds a *ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// StatusCode extracts the HTTP status from a RequestFailedError, or 0.
func StatusCode(err error) int {
	var rf *RequestFailedError
	if errors.As(err, &rf) {
		return rf.StatusCode
	}
	return 0
}

// UserMessage renders err for display. Server-supplied messages are shown verbatim.
func UserMessage(err error) string {
	var (
		rf *RequestFailedError
		ve *ValidationError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return ve.Reason
	case errors.As(err, &rf):
		if rf.Message != "" {
			return rf.Message
		}
		return "An error occurred (" + http.StatusText(rf.StatusCode) + ")"
	case errors.Is(err, ErrUnauthenticated), errors.Is(err, ErrUnauthorized):
		return "Please sign in"
	case errors.Is(err, ErrNetworkUnavailable):
		return "Unable to connect to server. Please check your internet connection."
	case errors.Is(err, ErrInFlight):
		return "Please wait for the previous request to finish"
	default:
		return err.Error()
	}
}
