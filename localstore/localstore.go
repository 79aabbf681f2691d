// Package localstore defines the narrow interface through which the
// distributed layer consumes a machine-local content-addressed store, and a
// disk-backed implementation of it.
package localstore

import (
	"context"
	"errors"
	"io"
	"time"

	"cascache/common"
)

// ErrContentNotFound reports that a hash is absent from the local store. It
// is a distinguishable result, not a failure: callers fan out to another
// peer when they see it.
var ErrContentNotFound = errors.New("content not found in local store")

// ContentStore is everything the copy and placement engine needs from a
// local CAS. Implementations must be safe for concurrent use.
type ContentStore interface {
	// Startup prepares the store for use (index rebuild, directory layout).
	Startup(ctx context.Context) error
	// Shutdown flushes and releases the store.
	Shutdown(ctx context.Context) error
	// OpenStream opens the content for reading and reports its size,
	// refreshing the content's last-access time. Returns
	// ErrContentNotFound when the hash is absent.
	OpenStream(ctx context.Context, hash common.ContentHash) (io.ReadCloser, int64, error)
	// Contains reports whether the hash is currently held locally.
	Contains(ctx context.Context, hash common.ContentHash) bool
	// AcceptPush validates the scratch file against the hash and moves it
	// into the CAS, returning the content size.
	AcceptPush(ctx context.Context, hash common.ContentHash, sourcePath string) (int64, error)
	// CanAccept is the store's own push admission check.
	CanAccept(ctx context.Context, hash common.ContentHash) (bool, common.RejectionReason)
	// GetContentInfo snapshots every locally held hash with its size and
	// last-access time.
	GetContentInfo(ctx context.Context) ([]common.ContentInfo, error)
	// Delete removes the hash from the store.
	Delete(ctx context.Context, hash common.ContentHash) error
}

// EvictionHandler is invoked after content leaves the store under quota
// pressure. minEffectiveAge is the effective age of the youngest evicted
// item; the distributed layer turns it into the eviction watermark that
// keeps freshly evicted content from being pushed straight back in.
type EvictionHandler func(ctx context.Context, evicted []common.ContentHash, minEffectiveAge time.Duration)
