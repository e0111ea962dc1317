package mutation

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes mutation failures.
type ErrorCode string

const (
	// CodeNotFound indicates update/delete of a missing entity.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeValidation indicates attributes that fail the schema. The
	// mutation was not applied.
	CodeValidation ErrorCode = "VALIDATION"

	// CodeStorage indicates a local persistence failure. The processor
	// halts after one.
	CodeStorage ErrorCode = "STORAGE"

	// CodeHalted indicates the processor refused the mutation because an
	// earlier storage failure has not been cleared by Reinitialize.
	CodeHalted ErrorCode = "HALTED"
)

// MutationError is the only error type mutation calls return to callers
// (context cancellation aside). None of them are retried.
type MutationError struct {
	Code       ErrorCode
	Collection string
	ID         string
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *MutationError) Error() string {
	target := e.Collection
	if e.ID != "" {
		target += "/" + e.ID
	}
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = fmt.Sprintf("%s: %v", msg, e.Err)
		}
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, msg, target)
}

// Unwrap returns the underlying cause.
func (e *MutationError) Unwrap() error {
	return e.Err
}

func hasCode(err error, code ErrorCode) bool {
	var me *MutationError
	if errors.As(err, &me) {
		return me.Code == code
	}
	return false
}

// IsNotFound returns true if err is a NOT_FOUND mutation error.
// Uses errors.As to handle wrapped errors.
func IsNotFound(err error) bool { return hasCode(err, CodeNotFound) }

// IsValidation returns true if err is a VALIDATION mutation error.
func IsValidation(err error) bool { return hasCode(err, CodeValidation) }

// IsStorage returns true if err is a STORAGE mutation error.
func IsStorage(err error) bool { return hasCode(err, CodeStorage) }

// IsHalted returns true if err is a HALTED mutation error.
func IsHalted(err error) bool { return hasCode(err, CodeHalted) }

func notFound(collection, id string) *MutationError {
	return &MutationError{Code: CodeNotFound, Collection: collection, ID: id, Message: "entity does not exist"}
}

func invalid(collection, id string, err error) *MutationError {
	return &MutationError{Code: CodeValidation, Collection: collection, ID: id, Err: err}
}
