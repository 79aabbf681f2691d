package common

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// HashType tags the digest algorithm carried inside a ContentHash.
type HashType int8

const (
	HashTypeUnknown HashType = iota
	HashTypeSHA256
)

func (h HashType) String() string {
	switch h {
	case HashTypeSHA256:
		return "sha256"
	default:
		return "unknown"
	}
}

// DigestSize is the fixed digest length of every supported hash type.
const DigestSize = sha256.Size

// ContentHash identifies a piece of content by its cryptographic digest.
// It is immutable, comparable and used as the cache key everywhere.
type ContentHash struct {
	Type   HashType
	Digest [DigestSize]byte
}

// HashContent computes the ContentHash of the given bytes.
func HashContent(data []byte) ContentHash {
	return ContentHash{Type: HashTypeSHA256, Digest: sha256.Sum256(data)}
}

// ParseContentHash parses the hex form produced by String back into a hash.
func ParseContentHash(s string) (ContentHash, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ContentHash{}, err
	}
	if len(raw) != DigestSize {
		return ContentHash{}, fmt.Errorf("digest must be %d bytes, got %d", DigestSize, len(raw))
	}
	hash := ContentHash{Type: HashTypeSHA256}
	copy(hash.Digest[:], raw)
	return hash, nil
}

func (c ContentHash) String() string {
	return hex.EncodeToString(c.Digest[:])
}

// Short returns a truncated digest for log lines.
func (c ContentHash) Short() string {
	return c.String()[:12]
}

// MachineLocation is the opaque address (host:port) of a cache machine.
// It is used both as a map key and as a wire value.
type MachineLocation string

// CompressionType selects the codec applied to a chunk stream.
type CompressionType int8

const (
	CompressionNone CompressionType = iota
	CompressionGzip
)

func (c CompressionType) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	default:
		return fmt.Sprintf("compression(%d)", int8(c))
	}
}

// Chunk is one indexed frame of a chunked transfer. Indices start at zero
// and increase by exactly one on a single stream.
type Chunk struct {
	Index   int64
	Content []byte
}

// Copy header error types understood by the copy client.
const (
	CopyErrorNotFound = "ContentNotFound"
	CopyErrorGeneric  = "Error"
)

// CopyHeader is the response metadata sent before a chunk stream. When
// ErrorType is set no chunk stream follows.
type CopyHeader struct {
	FileSize     int64
	Compression  CompressionType
	ChunkSize    int32
	ErrorType    string
	ErrorMessage string
}

// CopyResultCode classifies the outcome of a single copy or push attempt.
type CopyResultCode int

const (
	CopySuccess CopyResultCode = iota
	CopyNotFound
	CopyRejected
	CopyError
	CopyCancelled
)

func (c CopyResultCode) String() string {
	switch c {
	case CopySuccess:
		return "success"
	case CopyNotFound:
		return "not-found"
	case CopyRejected:
		return "rejected"
	case CopyError:
		return "error"
	case CopyCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// CopyResult is the rich outcome of one transfer. Transfer primitives return
// it instead of bare errors so callers can decide whether to fan out to
// another peer (not-found) or report definitively.
type CopyResult struct {
	Code             CopyResultCode
	BytesTransferred int64
	Rejection        RejectionReason
	ErrorMessage     string
}

func (r CopyResult) Succeeded() bool {
	return r.Code == CopySuccess
}

// RejectionReason explains why a push was declined at admission time.
type RejectionReason int

const (
	RejectionNone RejectionReason = iota
	RejectionNotSupported
	RejectionContentAvailable
	RejectionOlderThanEvicted
	RejectionTooManyPushes
	RejectionOngoingPush
)

func (r RejectionReason) String() string {
	switch r {
	case RejectionNone:
		return "none"
	case RejectionNotSupported:
		return "push not supported"
	case RejectionContentAvailable:
		return "content already available"
	case RejectionOlderThanEvicted:
		return "older than last evicted content"
	case RejectionTooManyPushes:
		return "too many ongoing pushes"
	case RejectionOngoingPush:
		return "hash already being pushed"
	default:
		return fmt.Sprintf("rejection(%d)", int(r))
	}
}

// ContentInfo describes one locally held piece of content.
type ContentInfo struct {
	Hash           ContentHash
	Size           int64
	LastAccessTime time.Time
}

// ContentEvictionInfo ranks content for eviction and for proactive
// replication candidate selection. EffectiveAge is the distributed recency
// estimate, not just this machine's local last-access age.
type ContentEvictionInfo struct {
	Hash           ContentHash
	LastAccessTime time.Time
	ReplicaCount   int
	EffectiveAge   time.Duration
}

// ContentAvailabilityResult is the per-hash result of a "make available"
// operation.
type ContentAvailabilityResult struct {
	Hash             ContentHash
	IsAvailable      bool
	BytesTransferred int64
	SourceCache      string
	FailureType      string
}
