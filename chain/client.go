package chain

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// reconnectDelay is how long either upstream path waits before redialing
// after its connection drops.
const reconnectDelay = 5 * time.Second

// ClientConfig configures the subscription-path half of the chain client.
type ClientConfig struct {
	// SubURL is the WebSocket JSON-RPC endpoint used for SubscribeNewHead
	// and SubscribeFilterLogs.
	SubURL string
	// Contract is the vote contract address logs are filtered to.
	Contract common.Address
	// WindowSize is the number of blocks per voting window. The Client
	// itself does not read it: Wire sizes the shared dedup set from
	// Config.WindowSize, and aggregation lives in the aggregator package.
	WindowSize uint64
}

// Client owns the subscription upstream: a persistent WebSocket connection
// delivering new headers and VoteCast logs as they are mined. It shares a
// seenEvents dedup set with a Poller covering the same contract, so that
// whichever path observes an event first wins and the other is a no-op.
type Client struct {
	cfg ClientConfig

	dialMtx sync.Mutex
	eth     *ethclient.Client

	seen *seenEvents

	votesCh chan Vote
	ticksCh chan BlockTick

	// deliverLock serializes delivery of votes/ticks derived from this
	// client against a Poller sharing the same seenEvents and channels.
	deliverLock *sync.Mutex
}

// NewClient creates a subscription-path client. votesCh and ticksCh are
// provided by the caller (typically the supervisor) so that a Poller can be
// wired to the same destination channels and dedup set.
func NewClient(cfg ClientConfig, seen *seenEvents, votesCh chan Vote, ticksCh chan BlockTick, deliverLock *sync.Mutex) *Client {
	return &Client{
		cfg:         cfg,
		seen:        seen,
		votesCh:     votesCh,
		ticksCh:     ticksCh,
		deliverLock: deliverLock,
	}
}

// Run dials the subscription endpoint and streams headers and VoteCast logs
// until ctx is cancelled, reconnecting on any upstream error after
// reconnectDelay. It only returns once ctx is done.
func (c *Client) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := c.runOnce(ctx); err != nil {
			log.Errorf("subscription path error: %v", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	eth, err := ethclient.DialContext(ctx, c.cfg.SubURL)
	if err != nil {
		return err
	}
	defer eth.Close()

	c.dialMtx.Lock()
	c.eth = eth
	c.dialMtx.Unlock()

	headCh := make(chan *types.Header, 16)
	headSub, err := eth.SubscribeNewHead(ctx, headCh)
	if err != nil {
		return err
	}
	defer headSub.Unsubscribe()

	logCh := make(chan types.Log, 256)
	query := ethereum.FilterQuery{
		Addresses: []common.Address{c.cfg.Contract},
		Topics:    [][]common.Hash{{voteCastTopic}},
	}
	logSub, err := eth.SubscribeFilterLogs(ctx, query, logCh)
	if err != nil {
		return err
	}
	defer logSub.Unsubscribe()

	log.Infof("subscription path connected to %s", c.cfg.SubURL)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-headSub.Err():
			return err
		case err := <-logSub.Err():
			return err
		case h := <-headCh:
			c.deliverTick(BlockTick{Number: h.Number.Uint64(), Hash: h.Hash()})
		case l := <-logCh:
			if l.Removed {
				// A removed log belongs to a reorged-out block; it is
				// dropped here. A vote already delivered for the same
				// log is not withdrawn.
				continue
			}
			v, err := decodeVoteCast(l)
			if err != nil {
				log.Debugf("skipping malformed VoteCast log: %v", err)
				continue
			}
			c.deliverVote(v)
		}
	}
}

func (c *Client) deliverVote(v Vote) {
	c.deliverLock.Lock()
	defer c.deliverLock.Unlock()

	if !c.seen.addIfNew(v) {
		return
	}
	v.ObservedAt = time.Now()
	c.votesCh <- v
}

func (c *Client) deliverTick(t BlockTick) {
	c.deliverLock.Lock()
	defer c.deliverLock.Unlock()
	c.ticksCh <- t
}

// HeaderByNumber proxies an on-demand header lookup to the dialed
// subscription client. The Poller does not use it; it reads headers over its
// own connection.
func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	c.dialMtx.Lock()
	eth := c.eth
	c.dialMtx.Unlock()
	if eth == nil {
		return nil, ethereum.NotFound
	}
	return eth.HeaderByNumber(ctx, number)
}
