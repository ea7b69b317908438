// Package blobstore defines the storage abstraction for segment files and
// versioned metadata blobs, with local filesystem and in-memory
// implementations. Cloud backends live in the s3 and minio subpackages.
package blobstore
