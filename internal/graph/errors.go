package graph

import (
	"errors"
	"fmt"
)

var (
	// ErrReferential is returned when an edge names a node that does not exist.
	ErrReferential = errors.New("referential integrity violation")
	ErrNotFound    = errors.New("not found")
	// ErrInvalid marks a write rejected before reaching the database.
	ErrInvalid = errors.New("invalid graph write")
)

// StorageError wraps a failure of the underlying database.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("graph store: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) || errors.Is(err, ErrReferential) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalid) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
