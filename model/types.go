package model

import "fmt"

// ID is a resource identifier. IDs are allocated monotonically within one
// collection and never reused for the lifetime of that collection.
// The zero value means "absent".
type ID uint64

// LSN is a log sequence number. LSNs are strictly increasing per collection
// and totally order committed state transitions.
type LSN uint64

// State is the lifecycle state of a versioned resource.
type State uint8

const (
	// StateNew marks a resource staged by an operation but not yet published.
	StateNew State = iota
	// StateActive marks a resource visible in the current snapshot.
	StateActive
	// StateStale marks a resource superseded by a later commit. Stale
	// resources are retained for readers still holding older snapshots.
	StateStale
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateActive:
		return "ACTIVE"
	case StateStale:
		return "STALE"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// FieldType is the data type of a schema field.
type FieldType uint8

const (
	FieldTypeUnknown FieldType = iota
	FieldTypeInt32
	FieldTypeInt64
	FieldTypeDouble
	FieldTypeString
	FieldTypeVector
)

// String returns a human-readable field type name.
func (t FieldType) String() string {
	switch t {
	case FieldTypeInt32:
		return "INT32"
	case FieldTypeInt64:
		return "INT64"
	case FieldTypeDouble:
		return "DOUBLE"
	case FieldTypeString:
		return "STRING"
	case FieldTypeVector:
		return "VECTOR"
	default:
		return "UNKNOWN"
	}
}

// FieldElementType is the kind of a derived field artifact.
type FieldElementType uint8

const (
	ElementTypeUnknown FieldElementType = iota
	// ElementTypeRaw is the raw column data of the field.
	ElementTypeRaw
	// ElementTypeIndex is a built index over the field.
	ElementTypeIndex
	// ElementTypeCompressed is a compressed representation of the field data.
	ElementTypeCompressed
)

// String returns a human-readable element type name.
func (t FieldElementType) String() string {
	switch t {
	case ElementTypeRaw:
		return "RAW"
	case ElementTypeIndex:
		return "INDEX"
	case ElementTypeCompressed:
		return "COMPRESSED"
	default:
		return "UNKNOWN"
	}
}

// DimParam is the field parameter key holding the vector dimension.
const DimParam = "dim"
