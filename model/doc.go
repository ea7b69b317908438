// Package model defines core identifier and enum types used throughout snapdb.
//
// # Identity Types
//
//   - ID: Collection-scoped, monotonically allocated resource identifier (uint64)
//   - LSN: Log sequence number totally ordering committed state transitions
//
// # Enum Types
//
//   - State: Resource lifecycle (New -> Active -> Stale)
//   - FieldType: Schema column kinds (scalar kinds plus Vector)
//   - FieldElementType: Derived field artifacts (raw data, index, compressed form)
package model
