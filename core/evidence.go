package core

import "sync"

// evidenceBuffer holds recently received frames for the heartbeat monitor.
// Every entry carries a sequence number, so a probe remembers the sequence at
// which it was issued and only looks at later entries. Pruning never shifts
// the numbering, so appends racing with a scan are neither lost nor counted
// twice.
type evidenceBuffer struct {
	mu      sync.Mutex
	entries []string
	first   uint64 // sequence of entries[0]
	limit   int
}

func newEvidenceBuffer(limit int) *evidenceBuffer {
	if limit <= 0 {
		limit = 256
	}
	return &evidenceBuffer{limit: limit}
}

func (b *evidenceBuffer) Append(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, text)
	if over := len(b.entries) - b.limit; over > 0 {
		b.entries = append(b.entries[:0], b.entries[over:]...)
		b.first += uint64(over)
	}
}

// Mark returns the sequence the next appended entry will get.
func (b *evidenceBuffer) Mark() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.first + uint64(len(b.entries))
}

// Scan looks for want among entries appended at or after mark. It returns the
// mark just past the last entry inspected.
func (b *evidenceBuffer) Scan(mark uint64, want string) (bool, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	end := b.first + uint64(len(b.entries))
	start := mark
	if start < b.first {
		start = b.first
	}
	for seq := start; seq < end; seq++ {
		if b.entries[seq-b.first] == want {
			return true, end
		}
	}
	return false, end
}

// Discard drops entries older than mark.
func (b *evidenceBuffer) Discard(mark uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if mark <= b.first {
		return
	}
	n := mark - b.first
	if n > uint64(len(b.entries)) {
		n = uint64(len(b.entries))
	}
	b.entries = append(b.entries[:0], b.entries[n:]...)
	b.first += n
}

// Reset empties the buffer. Sequence numbers keep growing so marks taken
// before the reset stay valid.
func (b *evidenceBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.first += uint64(len(b.entries))
	b.entries = b.entries[:0]
}

func (b *evidenceBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
