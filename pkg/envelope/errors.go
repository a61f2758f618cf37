package envelope

import (
	"fmt"

	"github.com/pkg/errors"
)

// DefaultFailure is used when neither the server nor the operation supplies a message.
const DefaultFailure = "Request failed"

// TransportError means the gateway call itself failed: network error, circuit
// open, or a non-2xx answer whose body is not an envelope.
type TransportError struct {
	Method     string
	Resource   string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transport: %s %s: status %d", e.Method, e.Resource, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("transport: %s %s: %v", e.Method, e.Resource, e.Err)
	}
	return fmt.Sprintf("transport: %s %s failed", e.Method, e.Resource)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ApplicationError means the server answered success=false. Error returns
// the server message verbatim so callers can present it as-is.
type ApplicationError struct {
	Resource string
	Action   string
	Message  string
}

func (e *ApplicationError) Error() string { return e.Message }

// Failure builds the ApplicationError for a success=false envelope.
func Failure(r *Raw, resource, action, fallback string) *ApplicationError {
	msg := ""
	if r != nil {
		msg = r.Message
	}
	if msg == "" {
		msg = fallback
	}
	if msg == "" {
		msg = DefaultFailure
	}
	return &ApplicationError{Resource: resource, Action: action, Message: msg}
}

// IsTransport reports whether err is (or wraps) a *TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsApplication reports whether err is (or wraps) an *ApplicationError.
func IsApplication(err error) bool {
	var ae *ApplicationError
	return errors.As(err, &ae)
}

// Message returns the user-presentable description of err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var ae *ApplicationError
	if errors.As(err, &ae) {
		return ae.Message
	}
	if IsTransport(err) {
		return DefaultFailure
	}
	return err.Error()
}
