// Package s3 provides an Amazon S3 backed blobstore.BlobStore, plus a
// DynamoDB-coordinated variant that gives CURRENT pointer updates the
// compare-and-swap semantics S3 lacks.
package s3
