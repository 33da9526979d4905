package blobstore

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotExist reports that no object with the requested digest is
// stored.
var ErrNotExist = errors.New("blobstore: object does not exist")

// ErrInvalidDigest reports a key that is not a well-formed digest.
var ErrInvalidDigest = errors.New("blobstore: malformed digest")

// ErrCorrupt reports that stored content no longer matches its digest.
// Get never hands out such content.
var ErrCorrupt = errors.New("blobstore: content does not match digest")

// CorruptError carries the digest mismatch detail. It matches ErrCorrupt
// under errors.Is.
type CorruptError struct {
	Want Digest
	Got  Digest
}

func (e *CorruptError) Error() string {
	return "blobstore: object " + e.Want.Short() + " hashes to " + e.Got.Short()
}

func (e *CorruptError) Is(target error) bool { return target == ErrCorrupt }

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Digest  Digest    `json:"digest"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Backend is a flat keyspace of immutable objects addressed by digest.
// Implementations do not verify content; the Store layer does.
type Backend interface {
	// Put stores the object. Storing a digest that already exists is a
	// cheap no-op.
	Put(ctx context.Context, d Digest, r io.Reader, size int64) error
	// Get opens the object for reading, ErrNotExist if absent.
	Get(ctx context.Context, d Digest) (io.ReadCloser, error)
	// Stat describes the object without reading it, ErrNotExist if
	// absent.
	Stat(ctx context.Context, d Digest) (ObjectInfo, error)
	// Delete removes the object. Deleting an absent object is not an
	// error.
	Delete(ctx context.Context, d Digest) error
	// List calls fn for every stored object, stopping at the first
	// error.
	List(ctx context.Context, fn func(ObjectInfo) error) error
}
