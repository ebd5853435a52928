package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gameindexer/gameindexer/internal/action"
)

// voteCastSignature is the canonical event signature emitted by the voting
// contract: VoteCast(address indexed player, uint8 action).
const voteCastSignature = "VoteCast(address,uint8)"

// voteCastTopic is the Keccak-256 topic0 hash identifying VoteCast logs,
// computed once at package init the same way go-ethereum's bound contract
// wrappers compute event topics from their ABI.
var voteCastTopic = crypto.Keccak256Hash([]byte(voteCastSignature))

// decodeVoteCast converts a raw VoteCast log entry into a Vote. It returns an
// error for any log that isn't shaped like a valid VoteCast, which the
// caller treats as a malformed-event skip rather than a fatal condition.
func decodeVoteCast(l types.Log) (Vote, error) {
	if len(l.Topics) != 2 {
		return Vote{}, fmt.Errorf("chain: VoteCast log has %d topics, want 2", len(l.Topics))
	}
	if l.Topics[0] != voteCastTopic {
		return Vote{}, fmt.Errorf("chain: log topic0 %s is not VoteCast", l.Topics[0])
	}
	if len(l.Data) < 32 {
		return Vote{}, fmt.Errorf("chain: VoteCast log data too short (%d bytes)", len(l.Data))
	}

	player := common.BytesToAddress(l.Topics[1].Bytes())

	actionVal := new(big.Int).SetBytes(l.Data[:32]).Uint64()
	if actionVal > 255 {
		return Vote{}, fmt.Errorf("chain: VoteCast action value %d out of range", actionVal)
	}
	a := action.Action(actionVal)
	if !a.Valid() {
		return Vote{}, fmt.Errorf("chain: VoteCast action %d is not a recognized action", actionVal)
	}

	return Vote{
		Player:   player,
		Action:   a,
		Block:    l.BlockNumber,
		TxHash:   l.TxHash,
		LogIndex: uint32(l.Index),
	}, nil
}
