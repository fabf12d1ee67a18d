package pinrange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Reader defaults.
const (
	// DefaultMetadataTimeout bounds the HEAD-equivalent fetch.
	DefaultMetadataTimeout = 10 * time.Second

	// DefaultRangeTimeout bounds each individual range fetch.
	DefaultRangeTimeout = 30 * time.Second

	// DefaultParallelism is the range request fan-out per session.
	DefaultParallelism = 4
)

// -----------------------------------------------------------------------------
// Reader configuration
// -----------------------------------------------------------------------------

// Reader issues version-pinned range reads against a Backend.
//
// A Reader is cheap, stateless between sessions, and safe for
// concurrent use. Each logical read is a Session: Open captures and
// pins the object's version, Read fetches ranges under that pin and
// verifies the assembled result.
type Reader struct {
	backend      Backend
	cache        *MetadataCache
	log          zerolog.Logger
	metaTimeout  time.Duration
	rangeTimeout time.Duration
	parallelism  int
	pinning      bool
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithCache consults cache before issuing metadata fetches.
func WithCache(cache *MetadataCache) ReaderOption {
	return func(r *Reader) { r.cache = cache }
}

// WithLogger attaches a structured logger. The default discards.
func WithLogger(log zerolog.Logger) ReaderOption {
	return func(r *Reader) { r.log = log }
}

// WithMetadataTimeout bounds the metadata fetch.
func WithMetadataTimeout(d time.Duration) ReaderOption {
	return func(r *Reader) { r.metaTimeout = d }
}

// WithRangeTimeout bounds each range fetch independently.
func WithRangeTimeout(d time.Duration) ReaderOption {
	return func(r *Reader) { r.rangeTimeout = d }
}

// WithParallelism caps concurrent range requests per session. Ranges
// pinned to one immutable version have no ordering dependency, so
// fan-out is safe; use 1 to force sequential issue.
func WithParallelism(n int) ReaderOption {
	return func(r *Reader) { r.parallelism = n }
}

// WithoutPinning makes the Reader send an empty version selector on
// every range request even when metadata captured a version id.
// Serving versions are still recorded per chunk, so the verifier can
// demonstrate the corruption that pinning prevents. Diagnostic use
// only.
func WithoutPinning() ReaderOption {
	return func(r *Reader) { r.pinning = false }
}

// NewReader creates a Reader over the given backend.
func NewReader(backend Backend, opts ...ReaderOption) (*Reader, error) {
	if backend == nil {
		return nil, errors.New("pinrange: backend is required")
	}
	r := &Reader{
		backend:      backend,
		log:          zerolog.Nop(),
		metaTimeout:  DefaultMetadataTimeout,
		rangeTimeout: DefaultRangeTimeout,
		parallelism:  DefaultParallelism,
		pinning:      true,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.parallelism < 1 {
		return nil, errors.New("pinrange: parallelism must be at least 1")
	}
	return r, nil
}

// -----------------------------------------------------------------------------
// Session
// -----------------------------------------------------------------------------

// Session is one logical read of one object, possibly spanning several
// range requests. Consistency is judged per session; two sessions
// reading the same key may legally observe different versions.
type Session struct {
	reader *Reader
	key    string

	mu      sync.Mutex
	state   SessionState
	info    ObjectInfo
	pinned  string
	chunks  []Chunk
	failure error
}

// Open starts a read session for key: it acquires metadata (from the
// cache when a valid entry exists, otherwise from the backend) and
// pins the session to the captured version id. An empty captured id is
// the legal non-versioned mode; pinning is then a no-op.
//
// Metadata fetch failures abort the session before any data is read.
func (r *Reader) Open(ctx context.Context, key string) (*Session, error) {
	s := &Session{reader: r, key: key, state: StateInit}

	info, err := r.metadata(ctx, key)
	if err != nil {
		s.state = StateFailed
		s.failure = err
		return nil, err
	}
	s.info = info
	s.state = StateMetadataFetched

	// Irreversible for the session's remaining lifetime.
	s.pinned = info.VersionID
	s.state = StatePinned

	r.log.Debug().
		Str("key", key).
		Str("version", s.pinned).
		Int64("size", info.Size).
		Msg("session pinned")
	return s, nil
}

func (r *Reader) metadata(ctx context.Context, key string) (ObjectInfo, error) {
	if r.cache == nil {
		return r.head(ctx, key)
	}

	// Serialize fetches per key so a burst of sessions on one cold
	// key costs one round trip; unrelated keys proceed in parallel.
	lock := r.cache.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	if entry, ok := r.cache.Get(key); ok {
		return ObjectInfo{
			Key:       entry.Key,
			Size:      entry.Size,
			ETag:      entry.ETag,
			VersionID: entry.VersionID,
		}, nil
	}

	info, err := r.head(ctx, key)
	if err != nil {
		return ObjectInfo{}, err
	}
	r.cache.Put(key, CacheEntry{
		Key:       info.Key,
		VersionID: info.VersionID,
		Size:      info.Size,
		ETag:      info.ETag,
		FetchedAt: time.Now(),
	})
	return info, nil
}

func (r *Reader) head(ctx context.Context, key string) (ObjectInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, r.metaTimeout)
	defer cancel()

	info, err := r.backend.Head(ctx, key)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ObjectInfo{}, fmt.Errorf("pinrange: metadata fetch for %q: %w", key, ErrTimeout)
		}
		return ObjectInfo{}, err
	}
	return info, nil
}

// Key returns the object key the session reads.
func (s *Session) Key() string { return s.key }

// Size returns the content length captured at metadata fetch.
func (s *Session) Size() int64 { return s.info.Size }

// PinnedVersion returns the version id the session is pinned to,
// empty in non-versioned mode.
func (s *Session) PinnedVersion() string { return s.pinned }

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Chunks returns a copy of the per-chunk records accumulated so far,
// for diagnostics. Chunk data of a failed session is visible here and
// only here.
func (s *Session) Chunks() []Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Chunk, len(s.chunks))
	copy(out, s.chunks)
	return out
}

// Err returns the error that failed the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// Read fetches the given byte ranges pinned to the session's version,
// waits for all of them, assembles successful chunks in byte-range
// order, and verifies consistency. No ranges means the whole object;
// an empty object completes without issuing any range request.
//
// On success the session is Complete and the assembled buffer is
// returned. Any transport error, store error, or consistency violation
// fails the session; already-fetched chunk data is retained for
// diagnostics (see Chunks) but never returned as the logical result.
// A session reads once; subsequent calls return ErrSessionConsumed.
func (s *Session) Read(ctx context.Context, ranges ...ByteRange) ([]byte, error) {
	s.mu.Lock()
	if s.state != StatePinned {
		st := s.state
		s.mu.Unlock()
		if st == StateFailed {
			return nil, s.failure
		}
		return nil, fmt.Errorf("pinrange: read in state %s: %w", st, ErrSessionConsumed)
	}
	s.state = StateReading
	s.mu.Unlock()

	if len(ranges) == 0 {
		if s.info.Size == 0 {
			// An empty object has no byte to range over; any range
			// request against it would answer 416.
			s.mu.Lock()
			s.state = StateComplete
			s.mu.Unlock()
			return nil, nil
		}
		ranges = []ByteRange{{Offset: 0, Length: s.info.Size}}
	}

	selector := ""
	if s.reader.pinning {
		selector = s.pinned
	}

	// A failed range does not cancel its siblings: issued requests run
	// to completion and their chunks stay inspectable via Chunks.
	var g errgroup.Group
	g.SetLimit(s.reader.parallelism)
	for _, rng := range ranges {
		rng := rng
		g.Go(func() error {
			data, served, err := s.readOne(ctx, selector, rng)
			if err != nil {
				return err
			}
			s.mu.Lock()
			s.chunks = append(s.chunks, Chunk{Range: rng, Version: served, Data: data})
			s.mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, s.fail(err)
	}

	s.mu.Lock()
	sort.Slice(s.chunks, func(i, j int) bool {
		return s.chunks[i].Range.Offset < s.chunks[j].Range.Offset
	})
	s.state = StateAssembled
	var buf []byte
	for _, c := range s.chunks {
		buf = append(buf, c.Data...)
	}
	chunks := s.chunks
	s.mu.Unlock()

	if corrupt := Verify(s.key, selector, chunks); corrupt != nil {
		return nil, s.fail(corrupt)
	}

	s.mu.Lock()
	s.state = StateComplete
	s.mu.Unlock()

	s.reader.log.Debug().
		Str("key", s.key).
		Str("version", s.pinned).
		Int("ranges", len(ranges)).
		Int("bytes", len(buf)).
		Msg("session complete")
	return buf, nil
}

func (s *Session) readOne(ctx context.Context, selector string, rng ByteRange) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.reader.rangeTimeout)
	defer cancel()

	data, served, err := s.reader.backend.ReadRange(ctx, s.key, selector, rng)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// A timeout after pinning is a session failure, never a
			// silent retry under a different version.
			return nil, "", fmt.Errorf("pinrange: range %s of %q: %w", rng, s.key, ErrTimeout)
		}
		return nil, "", err
	}
	return data, served, nil
}

func (s *Session) fail(err error) error {
	s.mu.Lock()
	s.state = StateFailed
	s.failure = err
	s.mu.Unlock()

	s.reader.log.Warn().
		Str("key", s.key).
		Str("version", s.pinned).
		Err(err).
		Msg("session failed")
	return err
}

// ReadAll opens a session for key, reads the whole object in a single
// pinned request, and returns the verified buffer.
func (r *Reader) ReadAll(ctx context.Context, key string) ([]byte, error) {
	s, err := r.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.Read(ctx)
}
