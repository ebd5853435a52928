package chain

import (
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gameindexer/gameindexer/internal/action"
)

func TestSeenEventsRejectsDuplicate(t *testing.T) {
	s := newSeenEvents(5)
	v := Vote{
		Player:   common.HexToAddress("0x1"),
		Action:   action.Up,
		Block:    100,
		TxHash:   common.HexToHash("0xabc"),
		LogIndex: 0,
	}

	if !s.addIfNew(v) {
		t.Fatal("expected first observation to be new")
	}
	if s.addIfNew(v) {
		t.Fatal("expected duplicate observation to be rejected")
	}
}

func TestSeenEventsDistinguishesLogIndex(t *testing.T) {
	s := newSeenEvents(5)
	base := Vote{
		Player: common.HexToAddress("0x1"),
		Action: action.Up,
		Block:  100,
		TxHash: common.HexToHash("0xabc"),
	}

	a := base
	a.LogIndex = 0
	b := base
	b.LogIndex = 1

	if !s.addIfNew(a) {
		t.Fatal("expected first log index to be new")
	}
	if !s.addIfNew(b) {
		t.Fatal("expected distinct log index to be new")
	}
	if s.len() != 2 {
		t.Fatalf("expected 2 tracked entries, got %d", s.len())
	}
}

func TestSeenEventsEvictBefore(t *testing.T) {
	s := newSeenEvents(10)
	old := Vote{Player: common.HexToAddress("0x1"), Action: action.A, Block: 5, TxHash: common.HexToHash("0x1")}
	recent := Vote{Player: common.HexToAddress("0x1"), Action: action.A, Block: 95, TxHash: common.HexToHash("0x2")}

	s.addIfNew(old)
	s.addIfNew(recent)
	if s.len() != 2 {
		t.Fatalf("expected 2 entries before eviction, got %d", s.len())
	}

	// old is in window 0, recent is in window 9; evicting everything
	// before window 8 should drop old but keep recent.
	s.evictBefore(8)
	if s.len() != 1 {
		t.Fatalf("expected 1 entry after eviction, got %d", s.len())
	}
	if !s.addIfNew(old) {
		t.Fatal("expected evicted key to be treated as new again")
	}
}

// The GC trigger fires on every window advance, including the steady-state
// one-window-at-a-time case, so dedup bookkeeping stays bounded to live
// windows plus the trailing margin.
func TestGCOnAdvanceEvictsSteadily(t *testing.T) {
	s := newSeenEvents(5)

	addWindow := func(w uint64) {
		s.addIfNew(Vote{
			Player: common.HexToAddress("0x1"),
			Action: action.Up,
			Block:  w * 5,
			TxHash: common.HexToHash(fmt.Sprintf("0x%x", w+1)),
		})
	}

	var last uint64
	for w := uint64(0); w <= 10; w++ {
		addWindow(w)
		last = gcOnAdvance(s, last, w)
		if want := int(min(w, dedupTrailingWindows) + 1); s.len() != want {
			t.Fatalf("after window %d: %d tracked entries, want %d", w, s.len(), want)
		}
	}

	// Re-observing the current tick's window is a no-op.
	if got := gcOnAdvance(s, last, last); got != last {
		t.Fatalf("repeated window moved high-water mark to %d", got)
	}
	// A stale, lower window never rewinds or evicts further.
	if got := gcOnAdvance(s, last, last-1); got != last {
		t.Fatalf("stale window moved high-water mark to %d", got)
	}
}

func TestWindowID(t *testing.T) {
	cases := []struct {
		block, size, want uint64
	}{
		{0, 5, 0},
		{4, 5, 0},
		{5, 5, 1},
		{9, 5, 1},
		{10, 5, 2},
	}
	for _, c := range cases {
		if got := WindowID(c.block, c.size); got != c.want {
			t.Errorf("WindowID(%d, %d) = %d, want %d", c.block, c.size, got, c.want)
		}
	}
}
