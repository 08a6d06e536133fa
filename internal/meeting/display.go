package meeting

// maxConfirmedSegments bounds the confirmed portion of the display buffer.
const maxConfirmedSegments = 4

// DisplayBuffer is the bounded client-facing view of recent segments: up to
// four confirmed (final) segments plus at most one in-flight current segment.
// It is not safe for concurrent use; the owning Session serializes access.
type DisplayBuffer struct {
	confirmed []SubtitleSegment
	current   *SubtitleSegment
}

// DisplaySnapshot is a deep copy of the buffer state at one point in time.
// Mutating a snapshot never affects the buffer.
type DisplaySnapshot struct {
	Confirmed []SubtitleSegment
	Current   *SubtitleSegment
}

// Update applies seg to the buffer and returns the resulting snapshot.
//
// A non-final segment replaces current. A final segment clears current when
// their segment ids match, then joins confirmed, evicting the oldest entry
// once the bound is exceeded.
func (b *DisplayBuffer) Update(seg SubtitleSegment) DisplaySnapshot {
	if seg.IsFinal {
		if b.current != nil && b.current.SegmentID == seg.SegmentID {
			b.current = nil
		}
		b.confirmed = append(b.confirmed, seg)
		if n := len(b.confirmed) - maxConfirmedSegments; n > 0 {
			b.confirmed = append(b.confirmed[:0:0], b.confirmed[n:]...)
		}
	} else {
		s := seg
		b.current = &s
	}
	return b.Snapshot()
}

// Snapshot returns a deep copy of the buffer state.
func (b *DisplayBuffer) Snapshot() DisplaySnapshot {
	snap := DisplaySnapshot{
		Confirmed: make([]SubtitleSegment, len(b.confirmed)),
	}
	for i, s := range b.confirmed {
		snap.Confirmed[i] = cloneSegment(s)
	}
	if b.current != nil {
		c := cloneSegment(*b.current)
		snap.Current = &c
	}
	return snap
}

// cloneSegment copies a segment including its EndTime pointee.
func cloneSegment(s SubtitleSegment) SubtitleSegment {
	if s.EndTime != nil {
		et := *s.EndTime
		s.EndTime = &et
	}
	return s
}
