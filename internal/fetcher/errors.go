package fetcher

import (
	"errors"
	"fmt"

	"raspbot/internal/timetable"
)

var (
	// ErrTimeout marks a navigation or selector wait that ran out of time.
	ErrTimeout = errors.New("fetcher: timeout")
	// ErrNotReady is returned when the browser has not finished launching.
	ErrNotReady = errors.New("fetcher: browser not ready")
	// ErrStopped is returned once the browser is shut down.
	ErrStopped = errors.New("fetcher: browser stopped")

	errDepartmentGone = errors.New("department not listed")
)

// TransientFetchError is a navigation failure worth retrying: a timeout, a
// missing results element or a network error.
type TransientFetchError struct {
	URL string
	Err error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a timeout.
func (e *TransientFetchError) Timeout() bool { return errors.Is(e.Err, ErrTimeout) }

// ParseError means the page loaded but its structure was not recognized.
// It is never retried within the same call.
type ParseError struct {
	What   string
	Reason string
}

func (e *ParseError) Error() string {
	return "parse " + e.What + ": " + e.Reason
}

// StaleIdentityError means a group could not be re-resolved by its names.
type StaleIdentityError struct {
	Group timetable.GroupIdentity
	Err   error
}

func (e *StaleIdentityError) Error() string {
	if e.Err == nil {
		return "stale identity " + e.Group.String()
	}
	return "stale identity " + e.Group.String() + ": " + e.Err.Error()
}

func (e *StaleIdentityError) Unwrap() error { return e.Err }

func isTransient(err error) bool {
	var te *TransientFetchError
	return errors.As(err, &te)
}

func isParse(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}
