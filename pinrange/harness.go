package pinrange

import (
	"context"
	"errors"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

// -----------------------------------------------------------------------------
// Scenario harness
// -----------------------------------------------------------------------------

// Scenario describes one deterministic reproduction run: a read of Key
// over the given ranges, with an optional version advance injected
// mid-session. The advance fires synchronously after the Nth range
// request has been served, replacing wall-clock sleeps with an exact
// interleaving.
type Scenario struct {
	// Name labels the run in logs and reports.
	Name string

	// Key is the object to read.
	Key string

	// Ranges are the byte ranges the session requests, issued
	// sequentially in order when an advance is configured.
	Ranges []ByteRange

	// Pinned selects the pinning client. When false the session
	// sends empty selectors, reproducing the unpatched behavior.
	Pinned bool

	// AdvanceTo, when non-nil, is written as a new current version
	// mid-session.
	AdvanceTo []byte

	// AdvanceAfterRequests is the number of served range requests
	// after which the advance fires. Zero advances immediately after
	// the metadata fetch, before any range is read.
	AdvanceAfterRequests int
}

// Outcome captures everything a scenario run observed.
type Outcome struct {
	// Name echoes the scenario name.
	Name string `json:"name"`

	// PinnedVersion is the version the session pinned, if any.
	PinnedVersion string `json:"pinned_version,omitempty"`

	// State is the session's final state.
	State string `json:"state"`

	// Buffer is the verified result, nil when the session failed.
	Buffer []byte `json:"-"`

	// Chunks are the per-range records, including served versions.
	Chunks []Chunk `json:"-"`

	// Corrupt is the verifier's diagnosis when the session mixed
	// versions, nil otherwise.
	Corrupt *CorruptError `json:"corrupt,omitempty"`

	// Err is any other failure.
	Err error `json:"-"`
}

// Report renders the outcome as JSON for logs and bug reports.
func (o *Outcome) Report() ([]byte, error) {
	type chunkReport struct {
		Range   string `json:"range"`
		Version string `json:"version"`
		Bytes   int    `json:"bytes"`
	}
	report := struct {
		*Outcome
		Chunks []chunkReport `json:"chunks"`
		Error  string        `json:"error,omitempty"`
	}{Outcome: o}
	for _, c := range o.Chunks {
		report.Chunks = append(report.Chunks, chunkReport{
			Range:   c.Range.String(),
			Version: c.Version,
			Bytes:   len(c.Data),
		})
	}
	if o.Err != nil {
		report.Error = o.Err.Error()
	}
	return jsonCodec.MarshalIndent(report, "", "  ")
}

// Harness sequences a Store, a Reader, and a mid-session advance to
// reproduce the mixed-version race and assert its outcome.
type Harness struct {
	store *Store
	log   zerolog.Logger
}

// HarnessOption configures a Harness.
type HarnessOption func(*Harness)

// WithHarnessLogger attaches a structured logger to harness runs.
func WithHarnessLogger(log zerolog.Logger) HarnessOption {
	return func(h *Harness) { h.log = log }
}

// WithHarnessStore runs scenarios against an existing store instead of
// a fresh one.
func WithHarnessStore(store *Store) HarnessOption {
	return func(h *Harness) { h.store = store }
}

// NewHarness creates a scenario harness over a fresh in-memory store.
func NewHarness(opts ...HarnessOption) *Harness {
	h := &Harness{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(h)
	}
	if h.store == nil {
		h.store = NewStore()
	}
	return h
}

// Store exposes the harness's store for seeding and inspection.
func (h *Harness) Store() *Store { return h.store }

// Seed writes content as a new current version of key.
func (h *Harness) Seed(key string, content []byte) string {
	return h.store.Put(key, content)
}

// Run executes one scenario and reports what the session observed.
// The returned outcome is always non-nil; sc failures land in
// Outcome.Err or Outcome.Corrupt, not in Run's error, so callers can
// assert on expected corruption.
func (h *Harness) Run(ctx context.Context, sc Scenario) *Outcome {
	backend := Backend(NewStoreBackend(h.store))
	if sc.AdvanceTo != nil {
		backend = &advancingBackend{
			Backend: backend,
			store:   h.store,
			key:     sc.Key,
			content: sc.AdvanceTo,
			after:   int32(sc.AdvanceAfterRequests),
		}
	}

	opts := []ReaderOption{WithLogger(h.log)}
	if !sc.Pinned {
		opts = append(opts, WithoutPinning())
	}
	if sc.AdvanceTo != nil {
		// Sequential issue keeps the advance's position in the
		// request order exact.
		opts = append(opts, WithParallelism(1))
	}
	reader, err := NewReader(backend, opts...)
	if err != nil {
		return &Outcome{Name: sc.Name, State: StateFailed.String(), Err: err}
	}

	out := &Outcome{Name: sc.Name}
	session, err := reader.Open(ctx, sc.Key)
	if err != nil {
		out.State = StateFailed.String()
		out.Err = err
		return out
	}
	out.PinnedVersion = session.PinnedVersion()

	buf, err := session.Read(ctx, sc.Ranges...)
	out.State = session.State().String()
	out.Chunks = session.Chunks()
	switch {
	case err == nil:
		out.Buffer = buf
	default:
		var corrupt *CorruptError
		if errors.As(err, &corrupt) {
			out.Corrupt = corrupt
		} else {
			out.Err = err
		}
	}

	h.log.Info().
		Str("scenario", sc.Name).
		Str("state", out.State).
		Bool("corrupt", out.Corrupt != nil).
		Msg("scenario done")
	return out
}

// advancingBackend wraps a backend and performs a version advance
// synchronously after the Nth served range request. With a sequential
// reader this yields an exact, repeatable interleaving.
type advancingBackend struct {
	Backend
	store   *Store
	key     string
	content []byte

	served   atomic.Int32
	after    int32
	advanced atomic.Bool
}

func (b *advancingBackend) Head(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := b.Backend.Head(ctx, key)
	if err == nil && b.after == 0 {
		b.advance()
	}
	return info, err
}

func (b *advancingBackend) ReadRange(ctx context.Context, key, version string, rng ByteRange) ([]byte, string, error) {
	data, served, err := b.Backend.ReadRange(ctx, key, version, rng)
	if n := b.served.Add(1); b.after > 0 && n >= b.after {
		b.advance()
	}
	return data, served, err
}

func (b *advancingBackend) advance() {
	if b.advanced.CompareAndSwap(false, true) {
		b.store.Put(b.key, b.content)
	}
}
