package odm

import (
	"errors"
	"fmt"
)

var (
	// ErrDoesNotExist is returned by single-result queries that match no document.
	ErrDoesNotExist = errors.New("docmap: no document matched the query")

	// ErrMultipleObjectsReturned is returned by One when a single-result query
	// matches more than one document.
	ErrMultipleObjectsReturned = errors.New("docmap: multiple documents matched a single-result query")

	// ErrStopIteration signals the end of a cursor's result stream.
	ErrStopIteration = errors.New("docmap: cursor exhausted")

	// ErrCursorClosed is returned when advancing a closed cursor.
	ErrCursorClosed = errors.New("docmap: cursor is closed")

	// ErrCursorBusy is returned when a cursor is advanced while a previous
	// advance is still in flight. Cursors are single-owner and forward-only.
	ErrCursorBusy = errors.New("docmap: concurrent advance on cursor")

	// ErrNotRegistered is returned when a model type is used before being
	// registered with the Registry.
	ErrNotRegistered = errors.New("docmap: model type is not registered")

	// ErrNoPrimaryKey is returned when a model type has no field mapped to "_id".
	ErrNoPrimaryKey = errors.New("docmap: model has no primary key field")

	// ErrNotPersisted is returned when an operation requires a stored document
	// but the instance's primary key is unset.
	ErrNotPersisted = errors.New("docmap: instance has not been saved")

	// ErrCascadeDepthExceeded is returned when cascading deletes recurse past
	// the defensive depth bound.
	ErrCascadeDepthExceeded = errors.New("docmap: cascade delete exceeded maximum depth")
)

// ReferentialIntegrityError is returned when a delete would violate a DENY
// delete rule: a document in the owning collection still refers to one of the
// documents being deleted.
type ReferentialIntegrityError struct {
	// Referenced is the collection of the documents being deleted.
	Referenced string

	// Owning is the collection holding the denying reference.
	Owning string

	// Field is the referring field path in the owning collection.
	Field string
}

func (e *ReferentialIntegrityError) Error() string {
	return fmt.Sprintf(
		"docmap: cannot delete a %s document while a %s document refers to it through its %q field",
		e.Referenced, e.Owning, e.Field)
}

// ValidationError wraps an error reported by a model's Validate method.
// The underlying error is preserved unchanged and can be unwrapped.
type ValidationError struct {
	Collection string
	Err        error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("docmap: validation failed for %s: %v", e.Collection, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
