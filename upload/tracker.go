package upload

// CompletionTracker resolves out-of-order block completions into the longest
// gap-free prefix of acknowledged bytes. Concurrent workers may finish their
// appends in any order, and a block that completed ahead of a gap is not safe
// to resume past: the missing bytes behind it would be skipped forever. Only
// the contiguous prefix ever feeds resume tokens or the committed length.
//
// Not safe for concurrent use; Session serializes access.
type CompletionTracker struct {
	completeUpTo uint64
	// Blocks that finished ahead of the mark, keyed by offset. Drained as
	// soon as the gap behind them fills.
	pending map[uint64]uint64
}

// NewCompletionTracker returns a tracker for a fresh session, starting at
// offset zero.
func NewCompletionTracker() *CompletionTracker {
	return &CompletionTracker{pending: make(map[uint64]uint64)}
}

// ResumeCompletionTracker returns a tracker that treats everything below
// offset as already acknowledged by the remote.
func ResumeCompletionTracker(offset uint64) *CompletionTracker {
	return &CompletionTracker{completeUpTo: offset, pending: make(map[uint64]uint64)}
}

// CompleteBlock records the block at offset, of the given length, as
// acknowledged. A block at the mark advances it by length and then drains any
// buffered successors that became contiguous. A block past the mark is
// buffered until the gap behind it fills. Blocks must not overlap.
func (t *CompletionTracker) CompleteBlock(offset, length uint64) {
	if offset != t.completeUpTo {
		t.pending[offset] = length
		return
	}

	t.completeUpTo += length
	for {
		length, ok := t.pending[t.completeUpTo]
		if !ok {
			return
		}
		delete(t.pending, t.completeUpTo)
		t.completeUpTo += length
	}
}

// CompleteUpTo returns the length of the acknowledged gap-free prefix.
func (t *CompletionTracker) CompleteUpTo() uint64 {
	return t.completeUpTo
}
