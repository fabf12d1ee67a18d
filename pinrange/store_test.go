package pinrange

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestStore_PutResolve_Current(t *testing.T) {
	s := NewStore()
	v1 := s.Put("obj", []byte("first"))

	v, err := s.Resolve("obj", "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if v.ID != v1 {
		t.Errorf("current = %q, want %q", v.ID, v1)
	}
	if !bytes.Equal(v.Bytes(), []byte("first")) {
		t.Errorf("content = %q, want %q", v.Bytes(), "first")
	}
	if v.Size != 5 {
		t.Errorf("Size = %d, want 5", v.Size)
	}
}

func TestStore_Put_AdvancesCurrent(t *testing.T) {
	s := NewStore()
	v1 := s.Put("obj", []byte("first"))
	v2 := s.Put("obj", []byte("second"))

	if v1 == v2 {
		t.Fatalf("version ids must not repeat: %q", v1)
	}

	v, err := s.Resolve("obj", "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if v.ID != v2 {
		t.Errorf("current = %q, want %q", v.ID, v2)
	}
}

func TestStore_Resolve_Idempotent(t *testing.T) {
	// An explicit version id resolves to byte-identical content no
	// matter how many writes happen in between.
	s := NewStore()
	v1 := s.Put("obj", []byte("original"))

	for i := 0; i < 5; i++ {
		s.Put("obj", bytes.Repeat([]byte("x"), i+1))

		v, err := s.Resolve("obj", v1)
		if err != nil {
			t.Fatalf("Resolve(%q) failed after write %d: %v", v1, i, err)
		}
		if !bytes.Equal(v.Bytes(), []byte("original")) {
			t.Fatalf("content changed after write %d: %q", i, v.Bytes())
		}
	}
}

func TestStore_Resolve_Errors(t *testing.T) {
	s := NewStore()
	s.Put("obj", []byte("data"))

	if _, err := s.Resolve("missing", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown key: got %v, want ErrNotFound", err)
	}
	if _, err := s.Resolve("obj", "nonexistent-version"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown version: got %v, want ErrNotFound", err)
	}
}

func TestStore_Read_Ranges(t *testing.T) {
	s := NewStore()
	v1 := s.Put("obj", []byte("0123456789"))

	tests := []struct {
		name string
		rng  ByteRange
		want string
	}{
		{"full via zero length", ByteRange{0, 0}, "0123456789"},
		{"prefix", ByteRange{0, 4}, "0123"},
		{"middle", ByteRange{3, 4}, "3456"},
		{"clipped at end", ByteRange{8, 100}, "89"},
		{"open ended from offset", ByteRange{5, 0}, "56789"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, served, err := s.Read("obj", "", tt.rng)
			if err != nil {
				t.Fatalf("Read failed: %v", err)
			}
			if string(data) != tt.want {
				t.Errorf("data = %q, want %q", data, tt.want)
			}
			if served != v1 {
				t.Errorf("served = %q, want %q", served, v1)
			}
		})
	}
}

func TestStore_Read_RangeNotSatisfiable(t *testing.T) {
	s := NewStore()
	s.Put("obj", []byte("0123456789"))

	for _, rng := range []ByteRange{
		{Offset: 10, Length: 1},
		{Offset: 100, Length: 0},
		{Offset: -1, Length: 5},
		{Offset: 0, Length: -1},
	} {
		if _, _, err := s.Read("obj", "", rng); !errors.Is(err, ErrRangeNotSatisfiable) {
			t.Errorf("range %v: got %v, want ErrRangeNotSatisfiable", rng, err)
		}
	}
}

func TestStore_Read_EmptyObject(t *testing.T) {
	s := NewStore()
	s.Put("obj", nil)

	data, _, err := s.Read("obj", "", ByteRange{Offset: 0, Length: 0})
	if err != nil {
		t.Fatalf("zero read of empty object failed: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("data = %q, want empty", data)
	}

	if _, _, err := s.Read("obj", "", ByteRange{Offset: 1, Length: 1}); !errors.Is(err, ErrRangeNotSatisfiable) {
		t.Errorf("got %v, want ErrRangeNotSatisfiable", err)
	}
}

func TestStore_Read_PinnedSurvivesAdvance(t *testing.T) {
	s := NewStore()
	v1 := s.Put("obj", bytes.Repeat([]byte("A"), 100))
	s.Put("obj", bytes.Repeat([]byte("B"), 100))

	data, served, err := s.Read("obj", v1, ByteRange{Offset: 50, Length: 10})
	if err != nil {
		t.Fatalf("pinned read failed: %v", err)
	}
	if served != v1 {
		t.Errorf("served = %q, want %q", served, v1)
	}
	if !bytes.Equal(data, bytes.Repeat([]byte("A"), 10)) {
		t.Errorf("pinned read returned new content: %q", data)
	}
}

func TestStore_ContentIsCopied(t *testing.T) {
	s := NewStore()
	content := []byte("immutable")
	s.Put("obj", content)
	content[0] = 'X'

	v, err := s.Resolve("obj", "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !bytes.Equal(v.Bytes(), []byte("immutable")) {
		t.Errorf("stored content aliased caller's slice: %q", v.Bytes())
	}
}

func TestStore_HistoryCompression_Roundtrip(t *testing.T) {
	s := NewStore(WithHistoryCompression())
	content := bytes.Repeat([]byte("compressible "), 1000)
	v1 := s.Put("obj", content)

	v, err := s.Resolve("obj", v1)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if v.Size != int64(len(content)) {
		t.Errorf("Size = %d, want %d", v.Size, len(content))
	}
	if !bytes.Equal(v.Bytes(), content) {
		t.Error("decompressed content differs from original")
	}

	data, _, err := s.Read("obj", v1, ByteRange{Offset: 13, Length: 13})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(data) != "compressible " {
		t.Errorf("range read = %q, want %q", data, "compressible ")
	}
}

func TestStore_Fingerprint(t *testing.T) {
	s := NewStore()
	s.Put("a", []byte("same"))
	s.Put("b", []byte("same"))
	s.Put("c", []byte("different"))

	va, _ := s.Resolve("a", "")
	vb, _ := s.Resolve("b", "")
	vc, _ := s.Resolve("c", "")

	if va.Fingerprint != vb.Fingerprint {
		t.Error("identical content produced different fingerprints")
	}
	if va.Fingerprint == vc.Fingerprint {
		t.Error("different content produced identical fingerprints")
	}
	if va.ETag() == "" || va.ETag() == vc.ETag() {
		t.Errorf("bad ETags: %q vs %q", va.ETag(), vc.ETag())
	}
}

func TestStore_WithVersionIDs(t *testing.T) {
	s := NewStore(WithVersionIDs(func(key string, seq uint64) string {
		return "custom/" + key
	}))
	id := s.Put("obj", []byte("data"))
	if id != "custom/obj" {
		t.Errorf("id = %q, want %q", id, "custom/obj")
	}
}

func TestStore_AdvanceOn_Deterministic(t *testing.T) {
	s := NewStore()
	v1 := s.Put("obj", []byte("old"))

	signal := make(chan struct{})
	done := s.AdvanceOn("obj", signal, []byte("new"))

	// Nothing advances until the signal fires.
	v, _ := s.Resolve("obj", "")
	if v.ID != v1 {
		t.Fatalf("current advanced early: %q", v.ID)
	}

	close(signal)
	<-done

	v, _ = s.Resolve("obj", "")
	if v.ID == v1 {
		t.Error("current did not advance after signal")
	}
	if !bytes.Equal(v.Bytes(), []byte("new")) {
		t.Errorf("content = %q, want %q", v.Bytes(), "new")
	}
}

func TestStore_AdvanceAfter_Timer(t *testing.T) {
	s := NewStore()
	s.Put("obj", []byte("old"))
	s.AdvanceAfter("obj", time.Millisecond, []byte("new"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		v, err := s.Resolve("obj", "")
		if err == nil && bytes.Equal(v.Bytes(), []byte("new")) {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("scheduled advance never landed")
}

func TestStore_ConcurrentReadersDuringAdvance(t *testing.T) {
	s := NewStore()
	v1 := s.Put("obj", bytes.Repeat([]byte("A"), 1024))

	var wg sync.WaitGroup
	start := make(chan struct{})

	// Writers keep advancing current.
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		for i := 0; i < 100; i++ {
			s.Put("obj", bytes.Repeat([]byte("B"), 1024))
		}
	}()

	// Readers pinned to v1 must always see all-A content.
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 100; j++ {
				data, served, err := s.Read("obj", v1, ByteRange{Offset: 0, Length: 64})
				if err != nil {
					t.Errorf("pinned read failed: %v", err)
					return
				}
				if served != v1 || !bytes.Equal(data, bytes.Repeat([]byte("A"), 64)) {
					t.Errorf("pinned reader observed version %q", served)
					return
				}
			}
		}()
	}

	close(start)
	wg.Wait()
}

func TestStore_ConcurrentPuts_CurrentMatchesHistory(t *testing.T) {
	s := NewStore()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Put("obj", []byte("content"))
			}
		}()
	}
	wg.Wait()

	// After all writers finish, current is the last appended version.
	obj := s.object("obj")
	obj.mu.RLock()
	last := obj.history[len(obj.history)-1]
	obj.mu.RUnlock()

	current, err := s.Resolve("obj", "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if current.ID != last.ID {
		t.Errorf("current = %q, want last appended %q", current.ID, last.ID)
	}
}
