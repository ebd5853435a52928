package supervisor

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gameindexer/gameindexer/aggregator"
	"github.com/gameindexer/gameindexer/chain"
	"github.com/gameindexer/gameindexer/emulator"
	"github.com/gameindexer/gameindexer/internal/action"
)

func TestCachedVoteShape(t *testing.T) {
	v := chain.Vote{
		Player:   common.HexToAddress("0xab"),
		Action:   action.Start,
		Block:    42,
		TxHash:   common.HexToHash("0xbeef"),
		LogIndex: 3,
	}
	cv := cachedVote(v)
	if cv.Action != "START" || cv.Block != 42 {
		t.Fatalf("unexpected cached vote: %+v", cv)
	}
	if cv.Player != v.Player.Hex() || cv.TxHash != v.TxHash.Hex() {
		t.Fatalf("address/hash not hex-encoded: %+v", cv)
	}
}

func TestCachedActionOmitsZeroWinnerTx(t *testing.T) {
	r := aggregator.WindowResult{
		WindowID:   7,
		StartBlock: 35,
		EndBlock:   39,
		Winner:     action.A,
		Tallies:    map[action.Action]uint32{action.A: 2, action.B: 1},
		TotalVotes: 3,
	}
	ca := cachedAction(r)
	if ca.WinnerTxHash != "" {
		t.Fatalf("zero winner tx hash should be omitted, got %q", ca.WinnerTxHash)
	}
	if ca.Tallies["A"] != 2 || ca.Tallies["B"] != 1 {
		t.Fatalf("tallies not keyed by action name: %+v", ca.Tallies)
	}
	if ca.Winner != "A" || ca.TotalVotes != 3 {
		t.Fatalf("unexpected cached action: %+v", ca)
	}
}

func TestHubGameStateTrimsParty(t *testing.T) {
	var gs emulator.GameState
	gs.Location = "Pewter City"
	gs.PartySize = 2
	gs.Party[0].Level = 12
	gs.Party[1].Level = 9
	gs.Party[3].Level = 99 // beyond PartySize, must not leak

	out := hubGameState(gs)
	if len(out.Party) != 2 {
		t.Fatalf("party length %d, want 2", len(out.Party))
	}
	if out.Party[0].Level != 12 || out.Party[1].Level != 9 {
		t.Fatalf("unexpected party: %+v", out.Party)
	}
}
