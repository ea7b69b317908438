// Package metastore provides the durable stores behind the snapshot
// registry: an in-memory store for tests and ephemeral databases, and a
// versioned blob-backed store for persistent ones.
package metastore
