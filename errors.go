package snapdb

import (
	"errors"

	"github.com/hupe1980/snapdb/snapshot"
)

var (
	// ErrClosed is returned when the database has been closed.
	ErrClosed = errors.New("database closed")

	// ErrNotFound is returned when a collection, partition, field or
	// element does not exist.
	ErrNotFound = snapshot.ErrNotFound

	// ErrAlreadyExists is returned when a name is already taken.
	ErrAlreadyExists = snapshot.ErrAlreadyExists

	// ErrInvalidState is returned when an operation's preconditions do not
	// hold, e.g. dropping the default partition.
	ErrInvalidState = snapshot.ErrInvalidState

	// ErrStaleSnapshot is returned when a concurrent commit superseded the
	// operation's base snapshot.
	ErrStaleSnapshot = snapshot.ErrStaleSnapshot

	// ErrCorruptData is returned when persisted metadata or segment
	// payloads do not parse.
	ErrCorruptData = snapshot.ErrCorruptData
)
