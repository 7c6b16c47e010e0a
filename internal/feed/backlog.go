package feed

import "sync"

type backlogEntry struct {
	seq  int64
	data []byte
}

// Backlog is a fixed-size ring of recent envelopes for one channel.
// The broadcaster assigns seqs monotonically, so entries are stored in
// order and range scans can stop at the first seq past the window.
type Backlog struct {
	mu   sync.RWMutex
	buf  []backlogEntry
	pos  int
	full bool
}

// NewBacklog creates a backlog holding the last capacity envelopes.
func NewBacklog(capacity int) *Backlog {
	if capacity <= 0 {
		capacity = 256
	}
	return &Backlog{buf: make([]backlogEntry, capacity)}
}

// Push appends an envelope, evicting the oldest when full. The bytes
// are copied; the caller's slice is not retained.
func (b *Backlog) Push(seq int64, data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)

	b.mu.Lock()
	b.buf[b.pos] = backlogEntry{seq: seq, data: cp}
	b.pos = (b.pos + 1) % len(b.buf)
	if b.pos == 0 {
		b.full = true
	}
	b.mu.Unlock()
}

// Range returns the envelopes with seq in [from, to], oldest first.
func (b *Backlog) Range(from, to int64) [][]byte {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out [][]byte
	n := b.size()
	for i := 0; i < n; i++ {
		e := b.buf[b.index(i)]
		if e.seq > to {
			break
		}
		if e.seq >= from {
			out = append(out, e.data)
		}
	}
	return out
}

// Len returns the number of buffered envelopes.
func (b *Backlog) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size()
}

func (b *Backlog) size() int {
	if b.full {
		return len(b.buf)
	}
	return b.pos
}

// index maps a logical offset (0 = oldest) to a buffer position.
func (b *Backlog) index(logical int) int {
	if b.full {
		return (b.pos + logical) % len(b.buf)
	}
	return logical
}
