package remote

import (
	"errors"
	"fmt"
)

// ErrAPIOffline is returned when the device health check fails.
var ErrAPIOffline = errors.New("API offline (health check failed)")

// HTTPError reports a non-success status from a device endpoint.
type HTTPError struct {
	Status int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d", e.Status)
}

// TransportError reports a network or decoding failure.
type TransportError struct {
	Detail string
	Err    error
}

func (e *TransportError) Error() string {
	return e.Detail
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func transportError(op string, err error) *TransportError {
	return &TransportError{Detail: fmt.Sprintf("%s: %v", op, err), Err: err}
}
