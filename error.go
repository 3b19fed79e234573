package omen

import (
	"errors"
	"fmt"
)

type ErrorCode int

const (
	Unknown ErrorCode = iota
	// DuplicateKey is returned on an identity map or storage insert collision.
	DuplicateKey
	// StaleObject is returned when operating on a removed or invalid row.
	StaleObject
	// NotFound is returned when a select/update/remove target is absent.
	NotFound
	// MoreThanOne is returned by SelectOne when the predicate is ambiguous.
	MoreThanOne
	// NoPrimaryKey is returned when a row's primary key fields are incomplete.
	NoPrimaryKey
	// UnknownField is returned when a field name is not part of the schema.
	UnknownField
	// StorageFailure wraps an error reported by the storage collaborator.
	StorageFailure
	// TransactionAborted signals that a rollback occurred; Err carries the
	// original triggering error.
	TransactionAborted
	// RollbackFailed signals the rollback itself also failed; Err carries the
	// original error and UserData the secondary rollback error.
	RollbackFailed
)

// Omen custom error.
type Error struct {
	Code     ErrorCode
	Err      error
	UserData any
}

func (e Error) Error() string {
	if e.UserData != nil {
		return fmt.Sprintf("error code: %d, user data: %v, details: %v", e.Code, e.UserData, e.Err)
	}
	return fmt.Sprintf("error code: %d, details: %v", e.Code, e.Err)
}

func (e Error) Unwrap() error {
	return e.Err
}

// Is reports whether err (or anything it wraps) is an omen Error carrying code.
func Is(err error, code ErrorCode) bool {
	var e Error
	return errors.As(err, &e) && e.Code == code
}

// Errorf builds an omen Error with a formatted detail message.
func Errorf(code ErrorCode, format string, args ...any) error {
	return Error{Code: code, Err: fmt.Errorf(format, args...)}
}
