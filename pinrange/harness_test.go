package pinrange

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

// Scenario A: metadata captures v1, the object advances to v2 before
// any range is read, and both pinned ranges still return v1 content.
func TestHarness_PinnedReadSurvivesAdvance(t *testing.T) {
	h := NewHarness()
	h.Seed("test-file.bin", bytes.Repeat([]byte("A"), 1000))

	out := h.Run(context.Background(), Scenario{
		Name:   "pinned",
		Key:    "test-file.bin",
		Pinned: true,
		Ranges: []ByteRange{
			{Offset: 0, Length: 500},
			{Offset: 500, Length: 500},
		},
		AdvanceTo:            bytes.Repeat([]byte("B"), 1000),
		AdvanceAfterRequests: 0, // between metadata fetch and first read
	})

	if out.Err != nil {
		t.Fatalf("scenario failed: %v", out.Err)
	}
	if out.Corrupt != nil {
		t.Fatalf("unexpected corruption: %v", out.Corrupt)
	}
	if out.State != StateComplete.String() {
		t.Errorf("state = %q, want complete", out.State)
	}
	if !bytes.Equal(out.Buffer, bytes.Repeat([]byte("A"), 1000)) {
		t.Error("pinned session returned mixed content")
	}

	// The advance did land: current is now the B version.
	v, err := h.Store().Resolve("test-file.bin", "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !bytes.Equal(v.Bytes(), bytes.Repeat([]byte("B"), 1000)) {
		t.Error("advance never happened; scenario proves nothing")
	}
}

// Scenario B: same read without pinning; the advance lands between the
// two range requests and the verifier must report corruption.
func TestHarness_UnpinnedReadDetectsCorruption(t *testing.T) {
	h := NewHarness()
	h.Seed("test-file.bin", bytes.Repeat([]byte("A"), 1000))

	out := h.Run(context.Background(), Scenario{
		Name:   "unpinned",
		Key:    "test-file.bin",
		Pinned: false,
		Ranges: []ByteRange{
			{Offset: 0, Length: 500},
			{Offset: 500, Length: 500},
		},
		AdvanceTo:            bytes.Repeat([]byte("B"), 1000),
		AdvanceAfterRequests: 1, // between the two range requests
	})

	if out.Corrupt == nil {
		t.Fatalf("expected corruption, got state %q err %v", out.State, out.Err)
	}
	if out.State != StateFailed.String() {
		t.Errorf("state = %q, want failed", out.State)
	}
	if out.Buffer != nil {
		t.Error("corrupt session surfaced a buffer")
	}

	if len(out.Chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(out.Chunks))
	}
	if !bytes.Equal(out.Chunks[0].Data, bytes.Repeat([]byte("A"), 500)) {
		t.Error("first chunk should be all A")
	}
	if !bytes.Equal(out.Chunks[1].Data, bytes.Repeat([]byte("B"), 500)) {
		t.Error("second chunk should be all B")
	}
	if out.Corrupt.BytesAffected != 500 {
		t.Errorf("BytesAffected = %d, want 500", out.Corrupt.BytesAffected)
	}
}

// Scenario C: resolving a version id that never existed.
func TestHarness_UnknownVersion(t *testing.T) {
	h := NewHarness()
	h.Seed("obj", []byte("data"))

	if _, err := h.Store().Resolve("obj", "nonexistent-version"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

// Scenario D: a range starting beyond the content length.
func TestHarness_RangeBeyondContent(t *testing.T) {
	h := NewHarness()
	h.Seed("obj", []byte("short"))

	out := h.Run(context.Background(), Scenario{
		Name:   "bad-range",
		Key:    "obj",
		Pinned: true,
		Ranges: []ByteRange{{Offset: 1000, Length: 10}},
	})

	if !errors.Is(out.Err, ErrRangeNotSatisfiable) {
		t.Errorf("got %v, want ErrRangeNotSatisfiable", out.Err)
	}
	if out.State != StateFailed.String() {
		t.Errorf("state = %q, want failed", out.State)
	}
}

func TestOutcome_Report(t *testing.T) {
	h := NewHarness()
	h.Seed("obj", bytes.Repeat([]byte("A"), 100))

	out := h.Run(context.Background(), Scenario{
		Name:                 "report",
		Key:                  "obj",
		Pinned:               false,
		Ranges:               []ByteRange{{Offset: 0, Length: 50}, {Offset: 50, Length: 50}},
		AdvanceTo:            bytes.Repeat([]byte("B"), 100),
		AdvanceAfterRequests: 1,
	})

	report, err := out.Report()
	if err != nil {
		t.Fatalf("Report failed: %v", err)
	}
	for _, want := range []string{`"name": "report"`, `"corrupt"`, `"chunks"`, `"state": "failed"`} {
		if !bytes.Contains(report, []byte(want)) {
			t.Errorf("report missing %s:\n%s", want, report)
		}
	}
}

func TestHarness_ExistingStore(t *testing.T) {
	store := NewStore(WithHistoryCompression())
	h := NewHarness(WithHarnessStore(store))
	h.Seed("obj", []byte("compressed content"))

	out := h.Run(context.Background(), Scenario{Name: "plain", Key: "obj", Pinned: true})
	if out.Err != nil || out.Corrupt != nil {
		t.Fatalf("scenario failed: err=%v corrupt=%v", out.Err, out.Corrupt)
	}
	if string(out.Buffer) != "compressed content" {
		t.Errorf("buffer = %q", out.Buffer)
	}
}
