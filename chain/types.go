// Package chain ingests VoteCast events and block progress from the voting
// contract's chain over two independent upstreams (a subscription and a
// polling path), deduplicates them, and emits a single stream of Vote and
// BlockTick values.
package chain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gameindexer/gameindexer/internal/action"
)

// Vote is an immutable record of one player's vote for an action, identified
// for deduplication purposes by (Block, TxHash, LogIndex).
type Vote struct {
	Player     common.Address
	Action     action.Action
	Block      uint64
	TxHash     common.Hash
	LogIndex   uint32
	ObservedAt time.Time
}

// key returns the dedup identity of the vote.
func (v Vote) key() voteKey {
	return voteKey{block: v.Block, txHash: v.TxHash, logIndex: v.LogIndex}
}

// voteKey is the dedup identity of a Vote: (block, txHash, logIndex).
type voteKey struct {
	block    uint64
	txHash   common.Hash
	logIndex uint32
}

// BlockTick signals that some block has been observed, by either upstream
// path. Hash may be the zero hash when the poll path could not cheaply
// obtain it.
type BlockTick struct {
	Number uint64
	Hash   common.Hash
}

// WindowID returns the window that block n belongs to for a given window
// size.
func WindowID(block uint64, windowSize uint64) uint64 {
	return block / windowSize
}
