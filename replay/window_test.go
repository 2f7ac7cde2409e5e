package replay

import (
	"testing"
	"time"
)

func TestFirstSequenceAccepted(t *testing.T) {
	var w Window
	ok, err := w.Check(7)
	if !ok || err != ErrNone {
		t.Fatalf("expected first sequence accepted, got ok=%v err=%v", ok, err)
	}
}

// TestReplayRejection is spec.md §8 scenario 2: submit sequence 7 twice;
// the first is admitted, the second is rejected as a replay.
func TestReplayRejection(t *testing.T) {
	var w Window
	if ok, err := w.Check(7); !ok || err != ErrNone {
		t.Fatalf("first submission: expected accept, got ok=%v err=%v", ok, err)
	}
	ok, err := w.Check(7)
	if ok || err != ErrReplay {
		t.Fatalf("second submission: expected ErrReplay, got ok=%v err=%v", ok, err)
	}
}

func TestOutOfOrderWithinWindowAccepted(t *testing.T) {
	var w Window
	seqs := []uint32{10, 5, 8, 6}
	for _, s := range seqs {
		ok, err := w.Check(s)
		if !ok || err != ErrNone {
			t.Fatalf("sequence %d: expected accept, got ok=%v err=%v", s, ok, err)
		}
	}
	// Replaying any of them now must be rejected.
	for _, s := range seqs {
		ok, err := w.Check(s)
		if ok || err != ErrReplay {
			t.Fatalf("replay of %d: expected ErrReplay, got ok=%v err=%v", s, ok, err)
		}
	}
}

func TestSequenceTooOld(t *testing.T) {
	var w Window
	// Advance the window far enough that windowStart moves well past 0.
	if ok, _ := w.Check(WindowSize * 3); !ok {
		t.Fatalf("expected initial jump accepted")
	}
	ok, err := w.Check(1)
	if ok || err != ErrTooOld {
		t.Fatalf("expected ErrTooOld, got ok=%v err=%v", ok, err)
	}
}

func TestSequenceGapExceeded(t *testing.T) {
	var w Window
	if ok, _ := w.Check(100); !ok {
		t.Fatalf("expected initial sequence accepted")
	}
	ok, err := w.Check(100 + MaxSequenceGap + 1)
	if ok || err != ErrGapExceeded {
		t.Fatalf("expected ErrGapExceeded, got ok=%v err=%v", ok, err)
	}
}

func TestWindowAdvancesAndReusesSlots(t *testing.T) {
	var w Window
	if ok, _ := w.Check(1); !ok {
		t.Fatalf("expected sequence 1 accepted")
	}
	// Jump forward enough to force windowStart to advance, freeing slot 1's
	// bit for reuse by a much later sequence at the same modulo position.
	next := uint32(1 + WindowSize + 5)
	if ok, err := w.Check(next); !ok {
		t.Fatalf("expected sequence %d accepted, got err=%v", next, err)
	}
	// The original sequence 1 is now below windowStart, not a replay.
	ok, err := w.Check(1)
	if ok || err != ErrTooOld {
		t.Fatalf("expected ErrTooOld for stale sequence 1, got ok=%v err=%v", ok, err)
	}
	// Sequence 1+WindowSize maps to slot 1, whose bit the advance cleared.
	reuse := uint32(1 + WindowSize)
	if ok, err := w.Check(reuse); !ok || err != ErrNone {
		t.Fatalf("expected sequence %d to reuse slot 1, got ok=%v err=%v", reuse, ok, err)
	}
}

func TestSetEvictsInactiveWindows(t *testing.T) {
	s := NewSet()
	now := time.Unix(1_700_000_000, 0)
	if ok, _ := s.Check("10.0.0.1:1", 1, now); !ok {
		t.Fatalf("expected accept")
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 tracked window, got %d", s.Len())
	}
	evicted := s.Sweep(now.Add(InactivityTimeout + 1))
	if evicted != 1 || s.Len() != 0 {
		t.Fatalf("expected sweep to evict the inactive window, evicted=%d len=%d", evicted, s.Len())
	}
}

func TestSetKeepsActiveWindows(t *testing.T) {
	s := NewSet()
	now := time.Unix(1_700_000_000, 0)
	s.Check("10.0.0.1:1", 1, now)
	evicted := s.Sweep(now.Add(InactivityTimeout / 2))
	if evicted != 0 || s.Len() != 1 {
		t.Fatalf("expected active window retained, evicted=%d len=%d", evicted, s.Len())
	}
}
