package pinrange

import "sort"

// Verify checks a completed session's chunks for version consistency.
//
// A chunk list is consistent when the set of non-empty serving versions
// has cardinality at most one. All-empty versions are the degraded
// (non-versioned) mode and are consistent by definition: such sessions
// may legally observe different current content across chunks.
//
// On corruption Verify returns a *CorruptError listing, in byte-range
// order, every data-bearing chunk whose serving version differs from
// the first observed non-empty version. A nil return means consistent.
func Verify(key, pinnedVersion string, chunks []Chunk) *CorruptError {
	base := ""
	for _, c := range chunks {
		if c.Version != "" {
			base = c.Version
			break
		}
	}
	if base == "" {
		return nil
	}

	var offending []OffendingChunk
	var affected int64
	for _, c := range chunks {
		if c.Version == "" || c.Version == base {
			continue
		}
		offending = append(offending, OffendingChunk{Range: c.Range, Version: c.Version})
		affected += int64(len(c.Data))
	}
	if len(offending) == 0 {
		return nil
	}

	sort.Slice(offending, func(i, j int) bool {
		return offending[i].Range.Offset < offending[j].Range.Offset
	})

	return &CorruptError{
		Key:           key,
		PinnedVersion: pinnedVersion,
		BaseVersion:   base,
		Offending:     offending,
		BytesAffected: affected,
	}
}
