// Package relay implements the gasless vote relay: HTTP endpoints that
// verify signed vote intents, attach an EIP-7702 authorization on a user's
// first submission, submit the transaction from the relay's own wallet, and
// report per-user nonce and delegation status.
package relay

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"github.com/gameindexer/gameindexer/internal/action"
)

const defaultRequestTimeout = 10 * time.Second

// Config configures a Relay.
type Config struct {
	// Key signs and pays for every relayed transaction.
	Key *ecdsa.PrivateKey

	ChainID            *big.Int
	VoteContract       common.Address
	DelegationContract common.Address

	// RequestTimeout bounds each handler's chain RPC work. Zero selects the
	// 10 s default.
	RequestTimeout time.Duration
}

// Relay owns the relay signing key and the wallet's transaction nonce
// sequence. Handlers are safe for concurrent use; nonce assignment is
// serialized in submit.
type Relay struct {
	cfg     Config
	backend Backend
	addr    common.Address

	nonceMtx  sync.Mutex
	nonceInit bool
	nextNonce uint64
}

// New creates a Relay submitting through backend.
func New(cfg Config, backend Backend) (*Relay, error) {
	if cfg.Key == nil {
		return nil, fmt.Errorf("relay: no signing key configured")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("relay: invalid chain id")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	return &Relay{
		cfg:     cfg,
		backend: backend,
		addr:    crypto.PubkeyToAddress(cfg.Key.PublicKey),
	}, nil
}

// AddRoutes mounts the relay endpoints on mux.
func (rl *Relay) AddRoutes(mux *chi.Mux) {
	mux.Post("/relay", rl.relayHandler)
	mux.Get("/relay/nonce/{address}", rl.nonceHandler)
	mux.Get("/relay/delegated/{address}", rl.delegatedHandler)
	mux.Get("/relay/health", rl.healthHandler)
}

// relayRequest is the POST /relay body. Pointer fields distinguish missing
// from zero.
type relayRequest struct {
	UserAddress   string         `json:"userAddress"`
	Action        *int64         `json:"action"`
	Deadline      *uint64        `json:"deadline"`
	Signature     string         `json:"signature"`
	Authorization *authorization `json:"authorization,omitempty"`
}

// authorization is the client-supplied EIP-7702 tuple signed by the user's
// wallet, required on first use only.
type authorization struct {
	ChainID uint64 `json:"chainId"`
	Nonce   uint64 `json:"nonce"`
	R       string `json:"r"`
	S       string `json:"s"`
	YParity uint8  `json:"yParity"`
}

type relayResponse struct {
	TxHash     string `json:"txHash"`
	DurationMs int64  `json:"durationMs"`
	Delegated  bool   `json:"delegated"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	writeJSON(w, status, errorResponse{Error: fmt.Sprintf(format, args...)})
}

func (rl *Relay) relayHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, cancel := contextWithTimeout(r, rl.cfg.RequestTimeout)
	defer cancel()

	var req relayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: %v", err)
		return
	}

	if req.UserAddress == "" || req.Action == nil || req.Deadline == nil || req.Signature == "" {
		writeError(w, http.StatusBadRequest, "userAddress, action, deadline and signature are required")
		return
	}
	if !common.IsHexAddress(req.UserAddress) {
		writeError(w, http.StatusBadRequest, "invalid userAddress %q", req.UserAddress)
		return
	}
	user := common.HexToAddress(req.UserAddress)

	if *req.Action < 0 || !action.Action(*req.Action).Valid() {
		writeError(w, http.StatusBadRequest, "action %d outside 0..%d", *req.Action, action.NumActions-1)
		return
	}
	a := uint8(*req.Action)

	if *req.Deadline <= uint64(time.Now().Unix()) {
		writeError(w, http.StatusBadRequest, "deadline expired")
		return
	}
	deadline := new(big.Int).SetUint64(*req.Deadline)

	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid signature encoding: %v", err)
		return
	}

	delegated, err := rl.isDelegated(ctx, user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "checking delegation: %v", err)
		return
	}
	if !delegated && req.Authorization == nil {
		writeError(w, http.StatusBadRequest, "authorization required: %s is not yet delegated", user)
		return
	}

	voteData, err := voteABI.Pack("vote", a)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "packing vote: %v", err)
		return
	}
	if err := verifyIntentSignature(user, rl.cfg.VoteContract, voteData, deadline, sig); err != nil {
		writeError(w, http.StatusBadRequest, "signature verification failed: %v", err)
		return
	}

	calldata, err := rl.buildExecuteCalldata(a, deadline, sig)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}

	var auth *types.SetCodeAuthorization
	if !delegated {
		auth, err = rl.parseAuthorization(req.Authorization)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid authorization: %v", err)
			return
		}
	}

	txHash, err := rl.submit(ctx, user, calldata, auth)
	if err != nil {
		status := submitErrorStatus(err)
		log.Warnf("relay submission for %s failed (%d): %v", user, status, err)
		writeError(w, status, "submission failed: %v", err)
		return
	}

	log.Infof("relayed vote %s for %s in tx %s (first use: %v)",
		action.Action(a), user, txHash, auth != nil)
	writeJSON(w, http.StatusOK, relayResponse{
		TxHash:     txHash.Hex(),
		DurationMs: time.Since(start).Milliseconds(),
		Delegated:  true,
	})
}

// parseAuthorization converts the wire tuple into the transaction type's
// authorization, delegating to the configured delegation contract.
func (rl *Relay) parseAuthorization(a *authorization) (*types.SetCodeAuthorization, error) {
	rBytes, err := hexutil.Decode(a.R)
	if err != nil {
		return nil, fmt.Errorf("bad r: %w", err)
	}
	sBytes, err := hexutil.Decode(a.S)
	if err != nil {
		return nil, fmt.Errorf("bad s: %w", err)
	}
	if a.YParity > 1 {
		return nil, fmt.Errorf("yParity must be 0 or 1, got %d", a.YParity)
	}
	if a.ChainID != rl.cfg.ChainID.Uint64() {
		return nil, fmt.Errorf("authorization chain id %d does not match %d", a.ChainID, rl.cfg.ChainID)
	}

	var rVal, sVal uint256.Int
	rVal.SetBytes(rBytes)
	sVal.SetBytes(sBytes)
	return &types.SetCodeAuthorization{
		ChainID: *uint256.NewInt(a.ChainID),
		Address: rl.cfg.DelegationContract,
		Nonce:   a.Nonce,
		V:       a.YParity,
		R:       rVal,
		S:       sVal,
	}, nil
}

// submitErrorStatus maps a submission failure onto the HTTP status the
// client receives: underfunded relay 503, nonce conflict 429, chain-side
// signature or deadline rejection 400, anything else 500.
func submitErrorStatus(err error) int {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return http.StatusServiceUnavailable
	case isNonceConflict(err):
		return http.StatusTooManyRequests
	case strings.Contains(msg, "signature") || strings.Contains(msg, "expired") ||
		strings.Contains(msg, "deadline"):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type nonceResponse struct {
	Address   string `json:"address"`
	Nonce     uint64 `json:"nonce"`
	Delegated bool   `json:"delegated"`
}

func (rl *Relay) nonceHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithTimeout(r, rl.cfg.RequestTimeout)
	defer cancel()

	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "invalid address %q", raw)
		return
	}
	user := common.HexToAddress(raw)

	delegated, err := rl.isDelegated(ctx, user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "checking delegation: %v", err)
		return
	}
	if !delegated {
		writeJSON(w, http.StatusOK, nonceResponse{Address: user.Hex()})
		return
	}

	nonce, err := rl.executeNonce(ctx, user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reading nonce: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, nonceResponse{Address: user.Hex(), Nonce: nonce, Delegated: true})
}

type delegatedResponse struct {
	Address   string `json:"address"`
	Delegated bool   `json:"delegated"`
}

func (rl *Relay) delegatedHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithTimeout(r, rl.cfg.RequestTimeout)
	defer cancel()

	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "invalid address %q", raw)
		return
	}
	user := common.HexToAddress(raw)

	delegated, err := rl.isDelegated(ctx, user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "checking delegation: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, delegatedResponse{Address: user.Hex(), Delegated: delegated})
}

type healthResponse struct {
	RelayAddress       string `json:"relayAddress"`
	BalanceWei         string `json:"balanceWei"`
	Balance            string `json:"balance"`
	VoteContract       string `json:"voteContract"`
	DelegationContract string `json:"delegationContract"`
}

func (rl *Relay) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithTimeout(r, rl.cfg.RequestTimeout)
	defer cancel()

	balance, err := rl.backend.BalanceAt(ctx, rl.addr, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reading relay balance: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		RelayAddress:       rl.addr.Hex(),
		BalanceWei:         balance.String(),
		Balance:            humanize.BigComma(balance) + " wei",
		VoteContract:       rl.cfg.VoteContract.Hex(),
		DelegationContract: rl.cfg.DelegationContract.Hex(),
	})
}

func contextWithTimeout(r *http.Request, d time.Duration) (ctx context.Context, cancel func()) {
	return context.WithTimeout(r.Context(), d)
}
