package scene

import "errors"

// Validation, not-found, and capacity errors returned by Store mutations.
// These are returned to the caller and never retried, per spec §4.1 and §7.
var (
	ErrDuplicateElement = errors.New("scene: element id already exists")
	ErrElementNotFound  = errors.New("scene: element not found")
	ErrTooManyElements  = errors.New("scene: element cap exceeded")
	ErrPayloadTooLarge  = errors.New("scene: text payload exceeds size limit")
	// ErrStaleOperation is returned when an update/replace op's timestamp is
	// older than the element's current TouchedAt; the store drops it
	// (last-write-wins) instead of applying it.
	ErrStaleOperation = errors.New("scene: operation is older than the element's current state")
)
