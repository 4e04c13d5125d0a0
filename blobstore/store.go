package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// CurrentName is the pointer blob naming the most recent snapshot.
const CurrentName = "CURRENT"

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error that satisfies `errors.Is(err, ErrNotFound)`.
// The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// ErrInvalidName is returned for blob names that escape the store root.
var ErrInvalidName = errors.New("blobstore: invalid blob name")

// Store holds immutable snapshot blobs and the CURRENT pointer.
// Implementations must be safe for concurrent use.
type Store interface {
	// Open opens a blob for reading.
	Open(ctx context.Context, name string) (Blob, error)
	// Create creates a blob for streaming writes. The blob becomes visible on Close.
	Create(ctx context.Context, name string) (WritableBlob, error)
	// Put writes a small blob atomically.
	Put(ctx context.Context, name string, data []byte) error
	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error
	// List returns the sorted names with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Blob is a read-only handle to a data blob.
type Blob interface {
	io.Closer
	// ReadAt reads len(p) bytes at off. It returns io.EOF when fewer bytes remain.
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
	// Size returns the size of the blob in bytes.
	Size() int64
}

// WritableBlob is a blob under construction.
type WritableBlob interface {
	io.WriteCloser
	// Sync flushes buffered data to durable storage where the backend supports it.
	Sync() error
	// Abort discards the blob. Nothing becomes visible.
	Abort() error
}

// Mappable is an optional interface for Blobs that support memory mapping.
type Mappable interface {
	// Bytes returns the underlying byte slice.
	// The slice is valid until the Blob is closed.
	Bytes() ([]byte, error)
}

// ReadAll returns the full content of a blob. Mappable blobs are returned
// without copying; the slice is then only valid until the blob is closed.
func ReadAll(ctx context.Context, b Blob) ([]byte, error) {
	if m, ok := b.(Mappable); ok {
		return m.Bytes()
	}

	buf := make([]byte, b.Size())
	n, err := b.ReadAt(ctx, buf, 0)
	if err != nil && !(errors.Is(err, io.EOF) && int64(n) == b.Size()) {
		return nil, err
	}
	return buf[:n], nil
}

// ReadCurrent resolves the CURRENT pointer to a snapshot name.
func ReadCurrent(ctx context.Context, s Store) (string, error) {
	b, err := s.Open(ctx, CurrentName)
	if err != nil {
		return "", err
	}
	defer func() { _ = b.Close() }()

	data, err := ReadAll(ctx, b)
	if err != nil {
		return "", fmt.Errorf("blobstore: read %s: %w", CurrentName, err)
	}
	name := strings.TrimSpace(string(data))
	if name == "" {
		return "", ErrNotFound
	}
	return name, nil
}

// WriteCurrent points CURRENT at the named snapshot.
func WriteCurrent(ctx context.Context, s Store, name string) error {
	return s.Put(ctx, CurrentName, []byte(name))
}

func checkName(name string) error {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
