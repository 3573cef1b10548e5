package credstore

import "fmt"

// StorageError reports that the persistence layer rejected an operation.
// The in-memory credential is still updated when a write fails.
type StorageError struct {
	Op  string // "load", "save", "clear"
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("credential storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
