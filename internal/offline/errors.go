package offline

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record or queue item does not exist
	ErrNotFound = errors.New("offline: not found")

	// ErrUnknownKind is returned for kinds outside appointment/contact/consent
	ErrUnknownKind = errors.New("offline: unknown record kind")

	// ErrClosed is returned when the store is used after Close
	ErrClosed = errors.New("offline: store closed")

	// ErrAlreadySynced is returned when requeueing a record the backend already has
	ErrAlreadySynced = errors.New("offline: record already synced")

	// ErrAlreadyQueued is returned when requeueing a record that still has a queue item
	ErrAlreadyQueued = errors.New("offline: record already queued")
)

// StorageError reports a local durability failure. The action was not
// recorded at all, so callers should tell the user instead of retrying
// silently.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("offline: storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorageError reports whether err carries a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
