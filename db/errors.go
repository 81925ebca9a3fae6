package db

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when an account name must resolve and does not.
var ErrNotFound = errors.New("account not found")

// ErrConstraint matches storage errors caused by a schema constraint.
var ErrConstraint = errors.New("constraint violation")

// StorageError reports a failure of the backing store. The operation that
// hit it had no durable effect.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrConstraint) see through driver errors.
func (e *StorageError) Is(target error) bool {
	return target == ErrConstraint && isConstraintViolation(e.Err)
}

func notFound(name string) error {
	return fmt.Errorf("%w: %q", ErrNotFound, name)
}

func wrap(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// isConstraintViolation checks for SQLite constraint failures from either driver.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "constraint failed")
}
