// Package pinrange provides version-pinned range reads over versioned
// object stores.
//
// A large object read from an object store via multiple partial
// (byte-range) requests can be corrupted when the object is replaced
// mid-read: early ranges come from one version, later ranges from
// another. Pinrange resolves the race by capturing the object's version
// identifier on the initial metadata fetch and pinning every subsequent
// range request of that logical read to the captured version.
//
// Pinrange focuses on the consistency protocol: the versioned store,
// the pinning read client, the metadata cache, and after-the-fact
// corruption detection. It does not implement query execution,
// transport signing, or process orchestration.
package pinrange

import (
	"context"
	"fmt"
	"time"
)

// -----------------------------------------------------------------------------
// Core types
// -----------------------------------------------------------------------------

// ByteRange selects a half-open byte interval [Offset, Offset+Length)
// of an object. A zero Length means "from Offset to the end of the
// object".
type ByteRange struct {
	// Offset is the first byte of the range.
	Offset int64

	// Length is the number of bytes requested. Zero means to end.
	Length int64
}

func (r ByteRange) String() string {
	if r.Length == 0 {
		return fmt.Sprintf("[%d,eof)", r.Offset)
	}
	return fmt.Sprintf("[%d,%d)", r.Offset, r.Offset+r.Length)
}

// ObjectInfo is the metadata captured by a HEAD-equivalent request.
type ObjectInfo struct {
	// Key is the object's name.
	Key string

	// Size is the object's content length in bytes.
	Size int64

	// ETag is the content fingerprint reported by the backend.
	ETag string

	// VersionID identifies the version the metadata describes.
	// Empty when the backing object is non-versioned; pinning then
	// degrades to best-effort current-version reads.
	VersionID string
}

// Chunk records one completed range request within a session.
type Chunk struct {
	// Range is the byte range that was requested.
	Range ByteRange

	// Version is the version identifier that actually served the
	// bytes. Recorded even when the request carried no selector.
	Version string

	// Data is the returned payload.
	Data []byte
}

// CacheEntry is a cached metadata snapshot for an object key.
//
// An entry with a non-empty VersionID describes an immutable version
// and never goes stale. An entry with an empty VersionID reflects
// "current at fetch time" and must be re-fetched after a bounded TTL.
type CacheEntry struct {
	Key       string
	VersionID string
	Size      int64
	ETag      string
	FetchedAt time.Time
}

// -----------------------------------------------------------------------------
// Backend interface
// -----------------------------------------------------------------------------

// Backend abstracts the object store a Reader fetches from.
//
// Implementations may target an in-process Store, an HTTP server
// speaking the x-amz-version-id contract, or S3 itself.
type Backend interface {
	// Head fetches object metadata without transferring content.
	Head(ctx context.Context, key string) (ObjectInfo, error)

	// ReadRange reads a byte range of the named version. An empty
	// version selector resolves the current version at request time.
	// The returned string is the version that actually served the
	// bytes (empty on non-versioned backends).
	ReadRange(ctx context.Context, key, version string, rng ByteRange) ([]byte, string, error)
}

// -----------------------------------------------------------------------------
// Session states
// -----------------------------------------------------------------------------

// SessionState tracks a read session through its lifecycle.
type SessionState int

const (
	// StateInit is the state before the metadata fetch.
	StateInit SessionState = iota

	// StateMetadataFetched means length and version id are captured.
	StateMetadataFetched

	// StatePinned means the session's version selector is fixed.
	StatePinned

	// StateReading means range requests are in flight.
	StateReading

	// StateAssembled means all ranges returned and the buffer is built.
	StateAssembled

	// StateComplete means the verifier accepted the assembled buffer.
	StateComplete

	// StateFailed means a transport error, a store error, or a
	// consistency violation ended the session.
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateMetadataFetched:
		return "metadata-fetched"
	case StatePinned:
		return "pinned"
	case StateReading:
		return "reading"
	case StateAssembled:
		return "assembled"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// Error sentinel values for common conditions.
var (
	// ErrNotFound indicates an unknown object key or version id.
	ErrNotFound = errNotFound{}

	// ErrRangeNotSatisfiable indicates a byte range starting at or
	// past the end of the object.
	ErrRangeNotSatisfiable = errRangeNotSatisfiable{}

	// ErrTimeout indicates a metadata or range fetch exceeded its
	// deadline.
	ErrTimeout = errTimeout{}

	// ErrSessionConsumed indicates a Read on a session that already
	// ran. A session is one logical read; open a new one.
	ErrSessionConsumed = errSessionConsumed{}
)

type errNotFound struct{}

func (errNotFound) Error() string { return "not found" }

type errRangeNotSatisfiable struct{}

func (errRangeNotSatisfiable) Error() string { return "range not satisfiable" }

type errTimeout struct{}

func (errTimeout) Error() string { return "transport timeout" }

type errSessionConsumed struct{}

func (errSessionConsumed) Error() string { return "session already consumed" }

// OffendingChunk identifies a chunk whose serving version differs from
// the first non-empty version observed in the session.
type OffendingChunk struct {
	Range   ByteRange `json:"range"`
	Version string    `json:"version"`
}

// CorruptError reports that a completed session mixed bytes from more
// than one version. It is raised strictly by the verifier, after the
// fact, even when every individual transfer succeeded.
type CorruptError struct {
	// Key is the object the session read.
	Key string `json:"key"`

	// PinnedVersion is the session's pin, empty if it read unpinned.
	PinnedVersion string `json:"pinned_version,omitempty"`

	// BaseVersion is the first non-empty version observed.
	BaseVersion string `json:"base_version"`

	// Offending lists, in byte-range order, the chunks served by a
	// version other than BaseVersion.
	Offending []OffendingChunk `json:"offending"`

	// BytesAffected is the total length of the offending chunks.
	BytesAffected int64 `json:"bytes_affected"`
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt read of %q: %d chunk(s), %d byte(s) served by versions other than %q",
		e.Key, len(e.Offending), e.BytesAffected, e.BaseVersion)
}
