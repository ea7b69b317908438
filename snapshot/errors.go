package snapshot

import "errors"

var (
	// ErrNotFound is returned when a name or id does not resolve to an
	// active resource.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when a name collides with a currently
	// active resource of the same kind.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidState is returned for structurally forbidden operations,
	// e.g. dropping the default partition.
	ErrInvalidState = errors.New("invalid state")

	// ErrStaleSnapshot is returned when an operation was built against a
	// snapshot that has been superseded. The caller should re-fetch the
	// current snapshot and rebuild the operation.
	ErrStaleSnapshot = errors.New("stale snapshot")

	// ErrCorruptData is returned when a commit chain references a resource
	// that cannot be resolved.
	ErrCorruptData = errors.New("corrupt data")
)
