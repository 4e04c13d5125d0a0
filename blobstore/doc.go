// Package blobstore provides storage backends for population snapshots.
//
// A Store holds immutable snapshot blobs plus a small CURRENT pointer blob
// naming the latest snapshot. Implementations must be safe for concurrent use.
//
// # Built-in Implementations
//
//   - MemoryStore: in-process map, for tests
//   - LocalStore: local filesystem, atomic rename on write, mmap reads
//   - s3.Store: Amazon S3 with multipart uploads and range reads
//   - s3.DDBCommitStore: S3 plus a DynamoDB-backed CURRENT pointer for concurrent writers
//   - minio.Store: MinIO and other S3-compatible object stores
//
// # Custom Implementations
//
//	type Store interface {
//	    Open(ctx, name) (Blob, error)
//	    Create(ctx, name) (WritableBlob, error)
//	    Put(ctx, name, data) error
//	    Delete(ctx, name) error
//	    List(ctx, prefix) ([]string, error)
//	}
//
// Blobs that can expose their bytes without copying implement Mappable.
package blobstore
