// Package minio provides a blobstore.BlobStore for MinIO and other
// S3-compatible object storage.
package minio
