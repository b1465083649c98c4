package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrStorage matches every StorageError through errors.Is.
	ErrStorage = errors.New("local storage failure")

	ErrChangeNotFound  = errors.New("pending change not found")
	ErrDuplicateChange = errors.New("pending change already exists")

	ErrCompression = errors.New("cache compression failure")
)

// StorageError reports a failure of the local persistence layer. It is never
// retried automatically: the caller must learn that the write did not happen.
type StorageError struct {
	Op  string
	Err error
}

func NewStorageError(op string, err error) *StorageError {
	return &StorageError{Op: op, Err: err}
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// SyncNetworkError is the failure of applying a change upstream. It ends up
// recorded on the change, not returned to the caller of a sync sweep.
type SyncNetworkError struct {
	Entity     string
	StatusCode int
	Message    string
	Err        error
}

func (e *SyncNetworkError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("%s: server returned %d: %s", e.Entity, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: server returned %d", e.Entity, e.StatusCode)
	case e.Message == "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Entity, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Entity, e.Message)
}

func (e *SyncNetworkError) Unwrap() error {
	return e.Err
}
