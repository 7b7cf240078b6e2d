package types

import "errors"

var (
	// ErrNotFound is returned when a resource id has no stored record.
	ErrNotFound = errors.New("resource not found")

	// ErrConflict is returned by Persist when the expected version does
	// not match the stored version. Always retryable: the caller simply
	// re-evaluates from a fresh read on the next pass.
	ErrConflict = errors.New("version conflict")

	// ErrLeaseLost is returned when a lease operation finds the entry is
	// no longer held by the caller. The holder must discard its decision
	// without persisting anything.
	ErrLeaseLost = errors.New("lease lost")

	// ErrUnknownKind is returned for kind strings outside the closed set.
	ErrUnknownKind = errors.New("unknown resource kind")

	// ErrInvalidResourceID is returned for malformed resource identifiers.
	ErrInvalidResourceID = errors.New("invalid resource id")
)
