package feed

import (
	"fmt"
	"testing"
)

func fill(b *Backlog, from, to int64) {
	for seq := from; seq <= to; seq++ {
		b.Push(seq, []byte(fmt.Sprintf("env-%d", seq)))
	}
}

func TestBacklogRange(t *testing.T) {
	b := NewBacklog(10)
	fill(b, 1, 5)

	got := b.Range(2, 4)
	if len(got) != 3 {
		t.Fatalf("Range(2,4) returned %d entries, want 3", len(got))
	}
	for i, want := range []string{"env-2", "env-3", "env-4"} {
		if string(got[i]) != want {
			t.Errorf("entry %d = %q, want %q", i, got[i], want)
		}
	}
}

func TestBacklogRangeOutsideWindow(t *testing.T) {
	b := NewBacklog(10)
	fill(b, 1, 5)

	if got := b.Range(10, 20); got != nil {
		t.Errorf("range past the newest entry: got %d entries, want none", len(got))
	}
	if got := b.Range(6, 5); got != nil {
		t.Errorf("inverted range: got %d entries, want none", len(got))
	}
}

func TestBacklogEviction(t *testing.T) {
	b := NewBacklog(4)
	fill(b, 1, 10)

	if b.Len() != 4 {
		t.Fatalf("Len = %d, want 4", b.Len())
	}

	// Only 7..10 survive.
	if got := b.Range(1, 6); got != nil {
		t.Errorf("evicted seqs still returned: %d entries", len(got))
	}
	got := b.Range(1, 10)
	if len(got) != 4 {
		t.Fatalf("Range over full window returned %d entries, want 4", len(got))
	}
	if string(got[0]) != "env-7" || string(got[3]) != "env-10" {
		t.Errorf("window = [%s .. %s], want [env-7 .. env-10]", got[0], got[3])
	}
}

func TestBacklogCopiesData(t *testing.T) {
	b := NewBacklog(4)
	data := []byte("env-1")
	b.Push(1, data)
	data[0] = 'X'

	got := b.Range(1, 1)
	if len(got) != 1 || string(got[0]) != "env-1" {
		t.Errorf("backlog shares the caller's slice: got %q", got)
	}
}

func TestBacklogLen(t *testing.T) {
	b := NewBacklog(8)
	if b.Len() != 0 {
		t.Errorf("empty Len = %d", b.Len())
	}
	fill(b, 1, 3)
	if b.Len() != 3 {
		t.Errorf("Len = %d, want 3", b.Len())
	}
}
