package storage

import (
	"errors"
	"fmt"
)

var (
	ErrConnectionFailed = errors.New("storage: connection failed")
	ErrQueryFailed      = errors.New("storage: query failed")

	// ErrInsertFailed marks a response batch dropped after its retries ran out.
	ErrInsertFailed = errors.New("storage: batch insert failed")

	// ErrWriterClosed is returned by writes after Close.
	ErrWriterClosed = errors.New("storage: batch writer closed")
)

// StorageError carries the operation and table behind a failure. Err wraps
// one of the sentinels above.
type StorageError struct {
	Op      string
	Table   string
	Err     error
	Retries int
}

func (e *StorageError) Error() string {
	target := e.Op
	if e.Table != "" {
		target = fmt.Sprintf("%s(%s)", e.Op, e.Table)
	}
	if e.Retries > 0 {
		return fmt.Sprintf("storage.%s after %d retries: %v", target, e.Retries, e.Err)
	}
	return fmt.Sprintf("storage.%s: %v", target, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsConnectionError reports whether ClickHouse could not be reached.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrConnectionFailed)
}

// IsQueryError reports whether a DDL or query statement was rejected.
func IsQueryError(err error) bool {
	return errors.Is(err, ErrQueryFailed)
}

// WrapConnectionError wraps a failure to open or ping the connection.
func WrapConnectionError(op string, err error) error {
	return &StorageError{Op: op, Err: fmt.Errorf("%w: %v", ErrConnectionFailed, err)}
}

// WrapQueryError wraps a failed migration or query statement.
func WrapQueryError(op, table string, err error) error {
	return &StorageError{Op: op, Table: table, Err: fmt.Errorf("%w: %v", ErrQueryFailed, err)}
}

// WrapInsertError wraps the last insert error after retries ran out.
func WrapInsertError(table string, err error, retries int) error {
	return &StorageError{
		Op:      "Insert",
		Table:   table,
		Err:     fmt.Errorf("%w: %v", ErrInsertFailed, err),
		Retries: retries,
	}
}
