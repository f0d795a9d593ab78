package session

import "fmt"

// StorageError reports a failed store operation.
type StorageError struct {
	Op        string // load, save, search, list, delete, open
	SessionID string
	Err       error
}

func (e *StorageError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("session store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("session store %s %q: %v", e.Op, e.SessionID, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op, id string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, SessionID: id, Err: err}
}
