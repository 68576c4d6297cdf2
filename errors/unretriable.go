package errors

import (
	stderrors "errors"

	"github.com/cenkalti/backoff/v4"
)

// UnretriableError marks failures that retry loops must not repeat, e.g. a 4xx
// response while downloading an input.
type UnretriableError struct {
	Err error
}

func (e UnretriableError) Error() string {
	return e.Err.Error()
}

func (e UnretriableError) Unwrap() error {
	return e.Err
}

// Unretriable wraps err so that IsUnretriable reports true and backoff-based
// retry loops stop immediately.
func Unretriable(err error) error {
	return backoff.Permanent(UnretriableError{Err: err})
}

func IsUnretriable(err error) bool {
	var ue UnretriableError
	return stderrors.As(err, &ue)
}
