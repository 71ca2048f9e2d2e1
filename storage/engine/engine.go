// Package engine defines the KV capability set that every storage backend
// implements, per spec.md §4.1 and §9 ("duck-typed polymorphism ... modeled
// as a capability set").
package engine

import (
	"context"
	"io"

	apperrors "github.com/cronicle-edge/corectl/infrastructure/errors"
)

// Head is the result of a Head call: modification time and byte length.
type Head struct {
	ModEpoch int64
	Len      int64
}

// Syncer is an optional capability: engines that can durably flush a key
// implement it so the transaction commit protocol (spec.md §4.2 "Commit
// protocol" step 6) can enqueue a post-commit sync.
type Syncer interface {
	Sync(ctx context.Context, key string) error
}

// Engine is the KV capability set of spec.md §4.1: put/get/head/delete for
// opaque keys, plus streamed reads for binary blobs. Keys are arbitrary
// slash-delimited strings; an implementation may apply a configurable
// prefix and a sharding template internally.
type Engine interface {
	// Put writes value at key, overwriting any existing value (idempotent).
	Put(ctx context.Context, key string, value []byte) error

	// Get returns the raw bytes stored at key, or a NoSuchKey error.
	Get(ctx context.Context, key string) ([]byte, error)

	// Head returns metadata without reading the value.
	Head(ctx context.Context, key string) (Head, error)

	// Delete removes key, or returns NoSuchKey if absent.
	Delete(ctx context.Context, key string) error

	// GetStream opens key for streamed reading; callers must Close it.
	GetStream(ctx context.Context, key string) (io.ReadCloser, Head, error)

	// GetStreamRange opens key for a partial read in [from, to). A range
	// outside [0, Head.Len) returns an error rather than a truncated or
	// garbage stream (spec.md §9 Open Question 2).
	GetStreamRange(ctx context.Context, key string, from, to int64) (io.ReadCloser, error)
}

// NoSuchKey is the sentinel the storage core checks for to implement
// create-if-missing semantics (spec.md §4.1).
func NoSuchKey(key string) error {
	return apperrors.NoSuchKey(key)
}

// IsNoSuchKey reports whether err is (or wraps) a NoSuchKey error.
func IsNoSuchKey(err error) bool {
	return apperrors.Is(err, apperrors.CodeNoSuchKey)
}
