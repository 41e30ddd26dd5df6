package stream

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyJobID            = errors.New("stream: job id is required")
	ErrNoCredentials         = errors.New("stream: credential source is required")
	ErrCredentialUnavailable = errors.New("stream: credential unavailable")
	ErrUnauthorized          = errors.New("stream: credential rejected")
	ErrMalformedFrame        = errors.New("stream: malformed frame")
	ErrIdleTimeout           = errors.New("stream: idle timeout")
	ErrConnectTimeout        = errors.New("stream: connect timeout")
	ErrClosed                = errors.New("stream: subscription closed")
)

// ServerError is an application error reported by the server in an error
// frame. It does not change the connection state.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}

// TransportError wraps a recoverable transport failure with the attempt it
// ended.
type TransportError struct {
	Attempt int
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure (attempt %d): %v", e.Attempt, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Fatal reports whether err ends a subscription without retry.
func Fatal(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrCredentialUnavailable)
}
