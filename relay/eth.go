package relay

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Backend is the subset of ethclient.Client the relay depends on, split out
// so tests can substitute a fake chain.
type Backend interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Gas limits for the two submission shapes. The first-use transaction pays
// for processing its authorization list and installing the delegation, so it
// carries the larger budget.
const (
	execGasLimit         = 150_000
	execWithAuthGasLimit = 300_000
)

const (
	delegationABIJSON = `[
		{"type":"function","name":"execute","inputs":[
			{"name":"to","type":"address"},
			{"name":"value","type":"uint256"},
			{"name":"data","type":"bytes"},
			{"name":"deadline","type":"uint256"},
			{"name":"signature","type":"bytes"}],"outputs":[]},
		{"type":"function","name":"getNonce","stateMutability":"view","inputs":[
			{"name":"account","type":"address"}],
			"outputs":[{"name":"","type":"uint256"}]}]`

	voteABIJSON = `[{"type":"function","name":"vote","inputs":[{"name":"action","type":"uint8"}],"outputs":[]}]`
)

var (
	delegationABI = mustParseABI(delegationABIJSON)
	voteABI       = mustParseABI(voteABIJSON)

	// delegationPrefix is the EIP-7702 delegation designator: an EOA whose
	// on-chain code is this prefix followed by a contract address executes
	// that contract's code against its own storage.
	delegationPrefix = []byte{0xef, 0x01, 0x00}
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("relay: bad ABI: %v", err))
	}
	return parsed
}

// delegationMarker is the exact code an EOA delegated to contract carries.
func delegationMarker(contract common.Address) []byte {
	marker := make([]byte, 0, len(delegationPrefix)+common.AddressLength)
	marker = append(marker, delegationPrefix...)
	return append(marker, contract.Bytes()...)
}

// isDelegated reports whether user's on-chain code equals the delegation
// marker for the configured delegation contract.
func (rl *Relay) isDelegated(ctx context.Context, user common.Address) (bool, error) {
	code, err := rl.backend.CodeAt(ctx, user, nil)
	if err != nil {
		return false, fmt.Errorf("relay: reading code at %s: %w", user, err)
	}
	return string(code) == string(delegationMarker(rl.cfg.DelegationContract)), nil
}

// executeNonce reads the delegated account's execute nonce. The call is
// directed to the user's EOA address, never the delegation contract: the
// delegated code runs against the EOA's own storage, so that is where the
// nonce lives.
func (rl *Relay) executeNonce(ctx context.Context, user common.Address) (uint64, error) {
	data, err := delegationABI.Pack("getNonce", user)
	if err != nil {
		return 0, fmt.Errorf("relay: packing getNonce: %w", err)
	}
	out, err := rl.backend.CallContract(ctx, ethereum.CallMsg{To: &user, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("relay: calling getNonce on %s: %w", user, err)
	}
	vals, err := delegationABI.Unpack("getNonce", out)
	if err != nil {
		return 0, fmt.Errorf("relay: unpacking getNonce result: %w", err)
	}
	nonce, ok := vals[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("relay: getNonce returned %T, want *big.Int", vals[0])
	}
	return nonce.Uint64(), nil
}

// executeDigest is the payload the user signs off-chain: the EIP-191
// personal-message hash of keccak256(to ‖ value ‖ keccak256(data) ‖
// deadline), matching what the delegation contract's execute recomputes
// before recovering the signer.
func executeDigest(to common.Address, value *big.Int, data []byte, deadline *big.Int) []byte {
	inner := crypto.Keccak256(
		to.Bytes(),
		common.BigToHash(value).Bytes(),
		crypto.Keccak256(data),
		common.BigToHash(deadline).Bytes(),
	)
	return crypto.Keccak256([]byte("\x19Ethereum Signed Message:\n32"), inner)
}

// verifyIntentSignature recovers the signer of the vote intent and checks it
// is the claimed user.
func verifyIntentSignature(user, to common.Address, data []byte, deadline *big.Int, sig []byte) error {
	if len(sig) != crypto.SignatureLength {
		return fmt.Errorf("relay: signature is %d bytes, want %d", len(sig), crypto.SignatureLength)
	}
	recSig := make([]byte, crypto.SignatureLength)
	copy(recSig, sig)
	if recSig[64] >= 27 {
		recSig[64] -= 27
	}

	pub, err := crypto.SigToPub(executeDigest(to, common.Big0, data, deadline), recSig)
	if err != nil {
		return fmt.Errorf("relay: recovering signer: %w", err)
	}
	if crypto.PubkeyToAddress(*pub) != user {
		return fmt.Errorf("relay: signature not from %s", user)
	}
	return nil
}

// buildExecuteCalldata packs execute(voteContract, 0, vote(action), deadline,
// signature), the full call the user's delegated account will run.
func (rl *Relay) buildExecuteCalldata(a uint8, deadline *big.Int, sig []byte) ([]byte, error) {
	voteData, err := voteABI.Pack("vote", a)
	if err != nil {
		return nil, fmt.Errorf("relay: packing vote: %w", err)
	}
	execData, err := delegationABI.Pack("execute", rl.cfg.VoteContract, common.Big0, voteData, deadline, sig)
	if err != nil {
		return nil, fmt.Errorf("relay: packing execute: %w", err)
	}
	return execData, nil
}

// suggestFees returns a tip cap and a fee cap of twice the head block's base
// fee plus the tip, the usual headroom so the transaction survives base fee
// drift while it sits in the pool.
func (rl *Relay) suggestFees(ctx context.Context) (tip, feeCap *big.Int, err error) {
	tip, err = rl.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("relay: suggesting gas tip: %w", err)
	}
	head, err := rl.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("relay: fetching head: %w", err)
	}
	feeCap = new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	return tip, feeCap, nil
}

// buildTransaction assembles the relay's transaction to the user's address.
// With auth set it is an EIP-7702 authorization-list transaction installing
// the delegation; otherwise an ordinary dynamic-fee transaction with the
// lower gas limit.
func (rl *Relay) buildTransaction(user common.Address, nonce uint64, tip, feeCap *big.Int, calldata []byte, auth *types.SetCodeAuthorization) *types.Transaction {
	if auth != nil {
		return types.NewTx(&types.SetCodeTx{
			ChainID:   uint256.MustFromBig(rl.cfg.ChainID),
			Nonce:     nonce,
			GasTipCap: uint256.MustFromBig(tip),
			GasFeeCap: uint256.MustFromBig(feeCap),
			Gas:       execWithAuthGasLimit,
			To:        user,
			Value:     uint256.NewInt(0),
			Data:      calldata,
			AuthList:  []types.SetCodeAuthorization{*auth},
		})
	}
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   rl.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       execGasLimit,
		To:        &user,
		Value:     common.Big0,
		Data:      calldata,
	})
}

// submit signs and sends one relayed transaction, advancing the relay's
// local nonce on success and resynchronizing it on a nonce conflict.
func (rl *Relay) submit(ctx context.Context, user common.Address, calldata []byte, auth *types.SetCodeAuthorization) (common.Hash, error) {
	tip, feeCap, err := rl.suggestFees(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	rl.nonceMtx.Lock()
	defer rl.nonceMtx.Unlock()

	if !rl.nonceInit {
		nonce, err := rl.backend.PendingNonceAt(ctx, rl.addr)
		if err != nil {
			return common.Hash{}, fmt.Errorf("relay: fetching relay nonce: %w", err)
		}
		rl.nextNonce = nonce
		rl.nonceInit = true
	}

	tx := rl.buildTransaction(user, rl.nextNonce, tip, feeCap, calldata, auth)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(rl.cfg.ChainID), rl.cfg.Key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("relay: signing transaction: %w", err)
	}

	if err := rl.backend.SendTransaction(ctx, signed); err != nil {
		if isNonceConflict(err) {
			// Another process shares this wallet, or a previous send was
			// only partially observed. Resync from the pool next time.
			rl.nonceInit = false
		}
		return common.Hash{}, err
	}

	rl.nextNonce++
	return signed.Hash(), nil
}

func isNonceConflict(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "nonce too high") ||
		strings.Contains(msg, "already known") ||
		strings.Contains(msg, "replacement transaction underpriced")
}
