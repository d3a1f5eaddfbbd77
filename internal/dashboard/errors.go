package dashboard

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated means there is no usable dashboard session.
	// Callers redirect to the login page unless running silently.
	ErrUnauthenticated = errors.New("not authenticated")

	// ErrQueued means the save could not reach the dashboard and was
	// stored for a later drain.
	ErrQueued = errors.New("dashboard unreachable, save queued")
)

type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("dashboard API error: %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("dashboard API error: %d", e.StatusCode)
}

func (e *HTTPError) Temporary() bool {
	return e.StatusCode == 429 || (e.StatusCode >= 500 && e.StatusCode <= 599)
}

func (e *HTTPError) Unwrap() error {
	if e.StatusCode == 401 {
		return ErrUnauthenticated
	}
	return nil
}
