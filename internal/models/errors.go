package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record or expected bytes are missing.
	ErrNotFound = errors.New("not found")
	// ErrIllegalState is returned when an operation does not fit the record's state.
	ErrIllegalState = errors.New("illegal state")
	// ErrTransport is returned when the archive session fails.
	ErrTransport = errors.New("archive transport failure")
	// ErrAggregate is returned by batches that finished with per-record failures.
	ErrAggregate = errors.New("batch finished with failures")
)

// IllegalStateError is a guard failure on a single record.
type IllegalStateError struct {
	ID     string
	Op     string
	Reason string
}

func (e *IllegalStateError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.ID, e.Reason)
}

func (e *IllegalStateError) Is(target error) bool {
	return target == ErrIllegalState
}

// TransportError carries the connection diagnostics operators need when the
// archive session cannot be established or breaks.
type TransportError struct {
	Host          string
	Port          int
	Username      string
	KeyConfigured bool
	SessionUp     bool
	Err           error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("archive %s@%s:%d (key configured: %t, session up: %t): %v",
		e.Username, e.Host, e.Port, e.KeyConfigured, e.SessionUp, e.Err)
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// BatchError reports that a batch completed but some records failed.
type BatchError struct {
	Operation string
	Failed    int
	Total     int
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%s: %d of %d records failed, review logs", e.Operation, e.Failed, e.Total)
}

func (e *BatchError) Is(target error) bool {
	return target == ErrAggregate
}
