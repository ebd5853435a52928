// Package aggregator buckets Votes by window, finalizes completed windows in
// strictly increasing order, and elects a winning Action per window with a
// deterministic hash-based tie-break.
package aggregator

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gameindexer/gameindexer/chain"
	"github.com/gameindexer/gameindexer/internal/action"
)

// trailingMargin is how far behind currentWindow pruneLocked lets window
// bookkeeping reach before dropping it. finalizeLocked already releases each
// window's votes and dedup set as it finalizes it, so no bookkeeping for a
// window behind currentWindow is normally left for pruneLocked to drop.
const trailingMargin = 2

// WindowResult is the outcome of electing a winner for one finalized window.
type WindowResult struct {
	WindowID     uint64
	StartBlock   uint64
	EndBlock     uint64
	Tallies      map[action.Action]uint32
	Winner       action.Action
	WinnerTxHash common.Hash
	TotalVotes   uint32
	SeedHash     common.Hash
	HasSeedHash  bool
}

type voteIdentity struct {
	block    uint64
	txHash   common.Hash
	logIndex uint32
}

func identityOf(v chain.Vote) voteIdentity {
	return voteIdentity{block: v.Block, txHash: v.TxHash, logIndex: v.LogIndex}
}

// Aggregator buckets votes into windows and finalizes them as the block
// clock advances. It is strictly single-writer: AddVote and OnBlock are
// both funneled through one mutex, so window bookkeeping has one owner.
type Aggregator struct {
	windowSize uint64
	onComplete func(WindowResult)

	mtx           sync.Mutex
	initialized   bool
	currentWindow uint64
	windowVotes   map[uint64][]chain.Vote
	seenInWindow  map[uint64]map[voteIdentity]struct{}
	lastHash      common.Hash
	haveHash      bool
}

// New creates an Aggregator for the given window size. onComplete is invoked
// once per finalized non-empty window, in strictly increasing windowId
// order, from the goroutine that called AddVote or OnBlock (never
// concurrently, since the aggregator itself is single-writer).
func New(windowSize uint64, onComplete func(WindowResult)) *Aggregator {
	if windowSize < 1 {
		windowSize = 1
	}
	return &Aggregator{
		windowSize:   windowSize,
		onComplete:   onComplete,
		windowVotes:  make(map[uint64][]chain.Vote),
		seenInWindow: make(map[uint64]map[voteIdentity]struct{}),
	}
}

// AddVote records a vote, advancing and finalizing windows as needed. A vote
// for an already-finalized window is rejected and logged; a vote already
// recorded by identity within its window is silently dropped, so that
// addVote(v); addVote(v) is equivalent to a single addVote(v).
func (a *Aggregator) AddVote(v chain.Vote) {
	wid := chain.WindowID(v.Block, a.windowSize)

	a.mtx.Lock()
	defer a.mtx.Unlock()

	a.ensureInitialized(wid)

	if wid < a.currentWindow {
		log.Warnf("dropping vote for already-finalized window %d (current %d)", wid, a.currentWindow)
		return
	}

	results := a.advanceLocked(wid)
	a.recordVoteLocked(wid, v)
	a.emit(results)
}

// OnBlock advances the window clock. It never finalizes the window the tick
// itself falls in -- only windows strictly below it -- matching "a window is
// pending until a tick arrives for block >= (windowId+1)*W". Ticks for a
// block already accounted for are a no-op, making onBlock idempotent and
// monotone: onBlock(n); onBlock(m) with m < n is a no-op for the second call.
func (a *Aggregator) OnBlock(t chain.BlockTick) {
	wid := chain.WindowID(t.Number, a.windowSize)

	a.mtx.Lock()
	defer a.mtx.Unlock()

	a.ensureInitialized(wid)

	if t.Hash != (common.Hash{}) {
		a.lastHash = t.Hash
		a.haveHash = true
	}

	if wid <= a.currentWindow {
		return
	}

	results := a.advanceLocked(wid)
	a.emit(results)
}

func (a *Aggregator) ensureInitialized(wid uint64) {
	if a.initialized {
		return
	}
	a.initialized = true
	a.currentWindow = wid
}

// advanceLocked finalizes every window in [currentWindow, newWindow) in
// order and sets currentWindow = newWindow. Must be called with mtx held.
func (a *Aggregator) advanceLocked(newWindow uint64) []WindowResult {
	var results []WindowResult
	for w := a.currentWindow; w < newWindow; w++ {
		if r, ok := a.finalizeLocked(w); ok {
			results = append(results, r)
		}
	}
	a.currentWindow = newWindow
	a.pruneLocked()
	return results
}

func (a *Aggregator) finalizeLocked(w uint64) (WindowResult, bool) {
	votes := a.windowVotes[w]
	delete(a.windowVotes, w)
	delete(a.seenInWindow, w)

	if len(votes) == 0 {
		return WindowResult{}, false
	}

	tallies := make(map[action.Action]uint32, action.NumActions)
	for _, v := range votes {
		tallies[v.Action]++
	}

	winner := electWinner(tallies, w, a.lastHash, a.haveHash)

	var winnerTxHash common.Hash
	for _, v := range votes {
		if v.Action == winner {
			winnerTxHash = v.TxHash
			break
		}
	}

	return WindowResult{
		WindowID:     w,
		StartBlock:   w * a.windowSize,
		EndBlock:     (w+1)*a.windowSize - 1,
		Tallies:      tallies,
		Winner:       winner,
		WinnerTxHash: winnerTxHash,
		TotalVotes:   uint32(len(votes)),
		SeedHash:     a.lastHash,
		HasSeedHash:  a.haveHash,
	}, true
}

// electWinner picks the action with the largest tally, breaking ties by
// reducing (seedHash XOR windowId) modulo the number of tied actions, over
// the tied actions sorted in canonical enum order. With no seed hash
// available, it falls back to the first tied action in canonical order.
func electWinner(tallies map[action.Action]uint32, windowID uint64, seedHash common.Hash, haveHash bool) action.Action {
	var best uint32
	for _, n := range tallies {
		if n > best {
			best = n
		}
	}

	var tied []action.Action
	for _, act := range action.All() {
		if tallies[act] == best {
			tied = append(tied, act)
		}
	}

	if len(tied) == 1 || !haveHash {
		return tied[0]
	}

	h := seedHash.Big().Uint64()
	idx := (h ^ windowID) % uint64(len(tied))
	return tied[idx]
}

func (a *Aggregator) recordVoteLocked(wid uint64, v chain.Vote) {
	seen := a.seenInWindow[wid]
	if seen == nil {
		seen = make(map[voteIdentity]struct{})
		a.seenInWindow[wid] = seen
	}
	id := identityOf(v)
	if _, dup := seen[id]; dup {
		return
	}
	seen[id] = struct{}{}
	a.windowVotes[wid] = append(a.windowVotes[wid], v)
}

// pruneLocked drops bookkeeping for windows more than trailingMargin behind
// currentWindow, bounding memory to live windows plus a small margin.
func (a *Aggregator) pruneLocked() {
	if a.currentWindow < trailingMargin {
		return
	}
	cutoff := a.currentWindow - trailingMargin
	for w := range a.windowVotes {
		if w < cutoff {
			delete(a.windowVotes, w)
			delete(a.seenInWindow, w)
		}
	}
}

func (a *Aggregator) emit(results []WindowResult) {
	if a.onComplete == nil {
		return
	}
	for _, r := range results {
		a.onComplete(r)
	}
}
