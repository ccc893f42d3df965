package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound reports a query against an unknown identifier. Callers treat
// it as permanent: retrying the same request will never succeed.
type ErrNotFound struct {
	Entity EntityType
	ID     string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// IsNotFound reports whether err is an ErrNotFound of any entity type.
func IsNotFound(err error) bool {
	var nf ErrNotFound
	return errors.As(err, &nf)
}

// ProtocolError reports a malformed negotiation or object stream. It is
// always fatal to the association; nothing is persisted.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

func (e ProtocolError) Unwrap() error { return e.Err }

// AuthorizationError reports an unregistered or inactive sender identifier.
// The association is rejected before any object is read.
type AuthorizationError struct {
	AETitle string
}

func (e AuthorizationError) Error() string {
	return fmt.Sprintf("calling AE title %q is not registered or inactive", e.AETitle)
}

// ValidationError reports missing or inconsistent mandatory identifiers on a
// received object, or a study-UID/facility ownership mismatch. The object is
// rejected; the association stays open.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StorageError reports a write or decode failure against the durable store.
// It is retryable per object; persistent failures escalate to aborting the
// association.
type StorageError struct {
	Op  string
	Err error
}

func (e StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e StorageError) Unwrap() error { return e.Err }

// ReconstructionError reports a geometrically inconsistent series. No
// partial volume is ever returned alongside it.
type ReconstructionError struct {
	SeriesID string
	Reason   string
}

func (e ReconstructionError) Error() string {
	return fmt.Sprintf("series %s cannot be reconstructed: %s", e.SeriesID, e.Reason)
}

// ErrDuplicateObject marks a re-received SOP instance UID. It is an internal
// signal only: callers report the reception as success (idempotent no-op).
var ErrDuplicateObject = errors.New("duplicate sop instance uid")

// ErrOutOfBounds reports a reformation index outside the valid range.
// No extrapolation is attempted.
var ErrOutOfBounds = errors.New("reformation index out of bounds")
