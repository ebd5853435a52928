package aggregator

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gameindexer/gameindexer/chain"
	"github.com/gameindexer/gameindexer/internal/action"
)

func vote(block uint64, a action.Action, tx string, logIndex uint32) chain.Vote {
	return chain.Vote{
		Player:   common.HexToAddress("0x1"),
		Action:   a,
		Block:    block,
		TxHash:   common.HexToHash(tx),
		LogIndex: logIndex,
	}
}

// Scenario 1: clean window, no tie.
func TestCleanWindow(t *testing.T) {
	var results []WindowResult
	agg := New(5, func(r WindowResult) { results = append(results, r) })

	agg.AddVote(vote(0, action.Up, "0x1", 0))
	agg.AddVote(vote(2, action.Up, "0x2", 0))
	agg.AddVote(vote(3, action.Down, "0x3", 0))
	agg.AddVote(vote(4, action.Up, "0x4", 0))
	agg.OnBlock(chain.BlockTick{Number: 5})

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if r.WindowID != 0 || r.StartBlock != 0 || r.EndBlock != 4 {
		t.Errorf("unexpected window bounds: %+v", r)
	}
	if r.Winner != action.Up {
		t.Errorf("winner = %s, want UP", r.Winner)
	}
	if r.TotalVotes != 4 {
		t.Errorf("totalVotes = %d, want 4", r.TotalVotes)
	}
	if r.Tallies[action.Up] != 3 || r.Tallies[action.Down] != 1 {
		t.Errorf("unexpected tallies: %+v", r.Tallies)
	}
}

// Scenario 2: tie broken deterministically by hash, and is reproducible.
func TestTieBrokenByHashIsDeterministic(t *testing.T) {
	run := func() action.Action {
		var results []WindowResult
		agg := New(5, func(r WindowResult) { results = append(results, r) })
		agg.AddVote(vote(0, action.A, "0x1", 0))
		agg.AddVote(vote(1, action.B, "0x2", 0))
		agg.OnBlock(chain.BlockTick{Number: 5, Hash: common.HexToHash("0x01")})
		if len(results) != 1 {
			t.Fatalf("expected 1 result, got %d", len(results))
		}
		return results[0].Winner
	}

	w1 := run()
	w2 := run()
	if w1 != w2 {
		t.Fatalf("tie-break not deterministic: got %s then %s", w1, w2)
	}
	if w1 != action.A && w1 != action.B {
		t.Fatalf("winner %s is not one of the tied actions", w1)
	}
}

// Scenario 3: empty window skipped, currentWindow still advances.
func TestEmptyWindowSkipped(t *testing.T) {
	var results []WindowResult
	agg := New(5, func(r WindowResult) { results = append(results, r) })

	agg.OnBlock(chain.BlockTick{Number: 10})

	if len(results) != 0 {
		t.Fatalf("expected no results, got %d", len(results))
	}
	if agg.currentWindow != 2 {
		t.Fatalf("expected currentWindow 2, got %d", agg.currentWindow)
	}
}

// Dedup round-trip: addVote(v); addVote(v) equivalent to addVote(v).
func TestAddVoteIdempotent(t *testing.T) {
	var results []WindowResult
	agg := New(5, func(r WindowResult) { results = append(results, r) })

	v := vote(1, action.Up, "0xaa", 0)
	agg.AddVote(v)
	agg.AddVote(v)
	agg.OnBlock(chain.BlockTick{Number: 5})

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].TotalVotes != 1 {
		t.Fatalf("expected totalVotes 1 after duplicate addVote, got %d", results[0].TotalVotes)
	}
}

// onBlock(n); onBlock(n) is a no-op the second time, and onBlock(m) with
// m < n after onBlock(n) is a no-op too.
func TestOnBlockMonotone(t *testing.T) {
	var results []WindowResult
	agg := New(5, func(r WindowResult) { results = append(results, r) })

	agg.AddVote(vote(0, action.Up, "0x1", 0))
	agg.OnBlock(chain.BlockTick{Number: 5})
	agg.OnBlock(chain.BlockTick{Number: 5})
	agg.OnBlock(chain.BlockTick{Number: 3})

	if len(results) != 1 {
		t.Fatalf("expected exactly 1 result across repeated/out-of-order ticks, got %d", len(results))
	}
}

// Late votes for an already-finalized window are rejected, not re-emitted.
func TestLateVoteRejected(t *testing.T) {
	var results []WindowResult
	agg := New(5, func(r WindowResult) { results = append(results, r) })

	agg.AddVote(vote(0, action.Up, "0x1", 0))
	agg.OnBlock(chain.BlockTick{Number: 5})
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}

	agg.AddVote(vote(1, action.Down, "0x2", 0))
	if len(results) != 1 {
		t.Fatalf("late vote must not trigger a re-emitted result, got %d results", len(results))
	}
}

// Monotone windowing: results emitted in strictly increasing windowId order.
func TestMonotoneWindowing(t *testing.T) {
	var order []uint64
	agg := New(5, func(r WindowResult) { order = append(order, r.WindowID) })

	agg.AddVote(vote(0, action.Up, "0x1", 0))
	agg.AddVote(vote(6, action.Up, "0x2", 0))
	agg.AddVote(vote(12, action.Up, "0x3", 0))
	agg.OnBlock(chain.BlockTick{Number: 15})

	if len(order) != 3 {
		t.Fatalf("expected 3 results, got %d", len(order))
	}
	for i := 1; i < len(order); i++ {
		if order[i] <= order[i-1] {
			t.Fatalf("windowIds not strictly increasing: %v", order)
		}
	}
}

// Conservation: sum(tallies) == totalVotes.
func TestConservation(t *testing.T) {
	var results []WindowResult
	agg := New(5, func(r WindowResult) { results = append(results, r) })

	agg.AddVote(vote(0, action.Up, "0x1", 0))
	agg.AddVote(vote(1, action.Down, "0x2", 0))
	agg.AddVote(vote(2, action.Up, "0x3", 0))
	agg.OnBlock(chain.BlockTick{Number: 5})

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	var sum uint32
	for _, n := range results[0].Tallies {
		sum += n
	}
	if sum != results[0].TotalVotes {
		t.Errorf("sum(tallies) = %d, totalVotes = %d", sum, results[0].TotalVotes)
	}
}
