package common

import (
	"sync/atomic"
	"time"
)

const (
	// DefaultChunkSize is the buffer size used for both chunking and the
	// compression copy loop.
	DefaultChunkSize = 64 << 10

	// DefaultGzipSizeThreshold is the declared content size above which a
	// sender compresses the stream when the caller asked for compression.
	DefaultGzipSizeThreshold = 1 << 20

	DefaultMaxConcurrentPushes  = 16
	DefaultReplicationInterval  = 5 * time.Minute
	DefaultReplicationCopyLimit = 32
	DefaultReplicaThreshold     = 3
	DefaultReplicationBatchSize = 64
	DefaultInterCopyDelay       = 200 * time.Millisecond
	DefaultLocationTTL          = 30 * time.Minute
	DefaultDialTimeout          = 10 * time.Second
)

// Settings is the recognized configuration surface of the copy and
// placement engine. The zero value is not usable; start from
// DefaultSettings and override fields.
type Settings struct {
	ChunkSize         int   // chunk/buffer size for streaming transfers
	GzipSizeThreshold int64 // minimum declared size before gzip kicks in

	MaxConcurrentPushes int // admission cap over simultaneous inbound pushes

	ReplicationInterval  time.Duration // delay between proactive replication iterations
	ReplicationCopyLimit int           // successes+failures allowed per iteration
	ReplicaThreshold     int           // content below this replica count is pushed out
	ReplicationBatchSize int           // candidates per bulk location lookup
	InterCopyDelay       time.Duration // pause between successive needed copies

	UseUnsafeByteTransfer  bool // move full buffers into outgoing chunks instead of copying
	RejectOlderThanEvicted bool // enable the eviction-age push admission gate
	InlineReplication      bool // run exactly one replication iteration (test mode)

	LocationTTL time.Duration // how long a registered location stays fresh
	DialTimeout time.Duration
}

// DefaultSettings returns the production defaults.
func DefaultSettings() Settings {
	return Settings{
		ChunkSize:              DefaultChunkSize,
		GzipSizeThreshold:      DefaultGzipSizeThreshold,
		MaxConcurrentPushes:    DefaultMaxConcurrentPushes,
		ReplicationInterval:    DefaultReplicationInterval,
		ReplicationCopyLimit:   DefaultReplicationCopyLimit,
		ReplicaThreshold:       DefaultReplicaThreshold,
		ReplicationBatchSize:   DefaultReplicationBatchSize,
		InterCopyDelay:         DefaultInterCopyDelay,
		RejectOlderThanEvicted: true,
		LocationTTL:            DefaultLocationTTL,
		DialTimeout:            DefaultDialTimeout,
	}
}

// ReplicationCounters accumulates proactive replication outcomes across the
// whole session. They are running totals exposed for diagnostics, never
// reset between iterations.
type ReplicationCounters struct {
	Scanned   atomic.Int64
	Succeeded atomic.Int64
	Failed    atomic.Int64
	Skipped   atomic.Int64
	Rejected  atomic.Int64
}
