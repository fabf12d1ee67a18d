package pinrange

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
)

// -----------------------------------------------------------------------------
// ObjectVersion
// -----------------------------------------------------------------------------

// ObjectVersion is one immutable revision of a named object.
//
// Once published, a version's content never changes; readers holding a
// version record are unaffected by later writes to the same key.
type ObjectVersion struct {
	// Key is the object's name.
	Key string

	// ID is the version identifier, unique within the key's history.
	ID string

	// Size is the content length in bytes.
	Size int64

	// Fingerprint is the xxhash64 of the content.
	Fingerprint uint64

	// CreatedAt is the version's creation time.
	CreatedAt time.Time

	data       []byte
	compressed bool
	dec        *zstd.Decoder
}

// ETag renders the fingerprint in the form backends report it.
func (v *ObjectVersion) ETag() string {
	return fmt.Sprintf("xxh64-%016x", v.Fingerprint)
}

// Bytes returns the version's full content. The returned slice must
// not be modified.
func (v *ObjectVersion) Bytes() []byte {
	if !v.compressed {
		return v.data
	}
	// DecodeAll with a compressed input never fails for data this
	// store produced; a decode error means the record was corrupted
	// in memory, which immutability rules out.
	out, err := v.dec.DecodeAll(v.data, make([]byte, 0, v.Size))
	if err != nil {
		panic(fmt.Sprintf("pinrange: decompressing version %s of %q: %v", v.ID, v.Key, err))
	}
	return out
}

// -----------------------------------------------------------------------------
// Store
// -----------------------------------------------------------------------------

// VersionIDFunc generates version identifiers. seq is a process-wide
// monotonic counter; identifiers must never repeat within a key's
// history.
type VersionIDFunc func(key string, seq uint64) string

// Store is an in-memory versioned object store.
//
// Each key holds an append-only ordered history of immutable versions.
// The current version is a single atomically-swapped reference, so
// readers never observe a partially-written record and a reader that
// has resolved a specific version id is never affected by a later
// advance. Store is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	objects map[string]*storedObject

	seq       atomic.Uint64
	versionID VersionIDFunc
	now       func() time.Time

	enc *zstd.Encoder
	dec *zstd.Decoder
}

type storedObject struct {
	mu      sync.RWMutex
	history []*ObjectVersion
	byID    map[string]*ObjectVersion
	current atomic.Pointer[ObjectVersion]
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithHistoryCompression keeps version content zstd-compressed at rest,
// bounding memory for keys with long histories. Read paths decompress
// transparently.
func WithHistoryCompression() StoreOption {
	return func(s *Store) {
		// Level and concurrency defaults are fine for in-memory blobs.
		s.enc, _ = zstd.NewWriter(nil)
		s.dec, _ = zstd.NewReader(nil)
	}
}

// WithVersionIDs overrides version identifier generation.
func WithVersionIDs(fn VersionIDFunc) StoreOption {
	return func(s *Store) { s.versionID = fn }
}

// WithClock overrides the store's time source (for tests).
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty versioned object store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		objects:   make(map[string]*storedObject),
		versionID: func(_ string, seq uint64) string { return fmt.Sprintf("v-%06d", seq) },
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put appends a new immutable version of key and makes it current.
// The content is copied; the caller keeps ownership of its slice.
func (s *Store) Put(key string, content []byte) string {
	v := &ObjectVersion{
		Key:         key,
		ID:          s.versionID(key, s.seq.Add(1)),
		Size:        int64(len(content)),
		Fingerprint: xxhash.Sum64(content),
		CreatedAt:   s.now(),
		dec:         s.dec,
	}
	if s.enc != nil {
		v.data = s.enc.EncodeAll(content, nil)
		v.compressed = true
	} else {
		v.data = append([]byte(nil), content...)
	}

	obj := s.object(key)
	obj.mu.Lock()
	obj.history = append(obj.history, v)
	obj.byID[v.ID] = v
	// Under obj.mu so concurrent Puts publish current in history order.
	obj.current.Store(v)
	obj.mu.Unlock()

	return v.ID
}

func (s *Store) object(key string) *storedObject {
	s.mu.RLock()
	obj := s.objects[key]
	s.mu.RUnlock()
	if obj != nil {
		return obj
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if obj = s.objects[key]; obj == nil {
		obj = &storedObject{byID: make(map[string]*ObjectVersion)}
		s.objects[key] = obj
	}
	return obj
}

// Resolve returns the version selected by versionID, or the current
// version when the selector is empty. Returns ErrNotFound for unknown
// keys and unknown version ids; history is never purged, so an id
// obtained from Put resolves forever.
func (s *Store) Resolve(key, versionID string) (*ObjectVersion, error) {
	s.mu.RLock()
	obj := s.objects[key]
	s.mu.RUnlock()
	if obj == nil {
		return nil, fmt.Errorf("pinrange: object %q: %w", key, ErrNotFound)
	}

	if versionID == "" {
		v := obj.current.Load()
		if v == nil {
			return nil, fmt.Errorf("pinrange: object %q: %w", key, ErrNotFound)
		}
		return v, nil
	}

	obj.mu.RLock()
	v := obj.byID[versionID]
	obj.mu.RUnlock()
	if v == nil {
		return nil, fmt.Errorf("pinrange: object %q version %q: %w", key, versionID, ErrNotFound)
	}
	return v, nil
}

// Read resolves a version as Resolve does, then returns the requested
// byte slice of its content, clipped to the content length. A range
// starting at or past the content length fails with
// ErrRangeNotSatisfiable. The serving version's id is always returned
// alongside the bytes.
func (s *Store) Read(key, versionID string, rng ByteRange) ([]byte, string, error) {
	v, err := s.Resolve(key, versionID)
	if err != nil {
		return nil, "", err
	}

	if rng.Offset < 0 || rng.Length < 0 {
		return nil, "", fmt.Errorf("pinrange: object %q range %s: %w", key, rng, ErrRangeNotSatisfiable)
	}
	// A zero offset on an empty object is a legal empty read.
	if rng.Offset > 0 && rng.Offset >= v.Size {
		return nil, "", fmt.Errorf("pinrange: object %q range %s beyond size %d: %w", key, rng, v.Size, ErrRangeNotSatisfiable)
	}

	end := v.Size
	if rng.Length > 0 && rng.Offset+rng.Length < end {
		end = rng.Offset + rng.Length
	}

	content := v.Bytes()
	out := make([]byte, end-rng.Offset)
	copy(out, content[rng.Offset:end])
	return out, v.ID, nil
}

// AdvanceAfter schedules a Put of content under key once delay has
// elapsed, simulating an object replacement landing mid-read. The
// returned timer can stop a pending advance.
func (s *Store) AdvanceAfter(key string, delay time.Duration, content []byte) *time.Timer {
	return time.AfterFunc(delay, func() {
		s.Put(key, content)
	})
}

// AdvanceOn performs a Put of content under key when signal fires (or
// immediately if signal is already closed). The returned channel is
// closed once the new version is current, giving tests a deterministic
// ordering hook instead of wall-clock sleeps.
func (s *Store) AdvanceOn(key string, signal <-chan struct{}, content []byte) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		<-signal
		s.Put(key, content)
		close(done)
	}()
	return done
}
