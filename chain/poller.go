package chain

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// maxPollRange bounds how many blocks a single poll tick will request, so a
// poller that fell behind (e.g. after a long disconnect) catches up
// gradually instead of asking the node for an unbounded log range in one
// call. A poller more than skipAheadFactor ranges behind abandons the gap
// and jumps to the most recent span.
const (
	maxPollRange    = 100
	skipAheadFactor = 10
)

// PollerConfig configures the poll-path half of the chain client.
type PollerConfig struct {
	PollURL    string
	Contract   common.Address
	Interval   time.Duration
	WindowSize uint64
}

// Poller is the redundant poll-path upstream: on a fixed interval it asks
// the node for VoteCast logs and the latest header directly, rather than
// holding a live subscription. It shares a seenEvents set and destination
// channels with a Client so duplicate observations of the same event are
// dropped by whichever path is second to see it.
type Poller struct {
	cfg PollerConfig

	seen *seenEvents

	votesCh chan Vote
	ticksCh chan BlockTick

	deliverLock *sync.Mutex

	lastPolled uint64
}

// NewPoller creates a poll-path client sharing dedup state and destination
// channels with a subscription-path Client.
func NewPoller(cfg PollerConfig, seen *seenEvents, votesCh chan Vote, ticksCh chan BlockTick, deliverLock *sync.Mutex) *Poller {
	return &Poller{
		cfg:         cfg,
		seen:        seen,
		votesCh:     votesCh,
		ticksCh:     ticksCh,
		deliverLock: deliverLock,
	}
}

// Run dials the poll endpoint and ticks on cfg.Interval until ctx is done.
// A failed dial is retried after reconnectDelay: the poll path is never
// fatal as long as the subscription path may still be advancing.
func (p *Poller) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := p.runOnce(ctx); err != nil && err != context.Canceled {
			log.Errorf("poll path error: %v", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (p *Poller) runOnce(ctx context.Context) error {
	eth, err := ethclient.DialContext(ctx, p.cfg.PollURL)
	if err != nil {
		return err
	}
	defer eth.Close()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.pollOnce(ctx, eth); err != nil {
				log.Warnf("poll tick failed: %v", err)
			}
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context, eth *ethclient.Client) error {
	head, err := eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return err
	}
	latest := head.Number.Uint64()

	from := p.lastPolled + 1
	if p.lastPolled == 0 {
		// First tick: start from the current head rather than replaying
		// the contract's entire history.
		from = latest
	}
	if latest < from {
		return nil
	}

	from, to := clampPollRange(from, latest)

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{p.cfg.Contract},
		Topics:    [][]common.Hash{{voteCastTopic}},
	}
	logs, err := eth.FilterLogs(ctx, query)
	if err != nil {
		return err
	}

	for _, l := range logs {
		if l.Removed {
			continue
		}
		v, err := decodeVoteCast(l)
		if err != nil {
			log.Debugf("poll path skipping malformed VoteCast log: %v", err)
			continue
		}
		p.deliver(v)
	}

	// The head hash is only authoritative for the head itself; a clamped
	// catch-up tick reports its range end without one.
	tick := BlockTick{Number: to}
	if to == latest {
		tick.Hash = head.Hash()
	}
	p.deliverTick(tick)
	p.lastPolled = to
	return nil
}

// clampPollRange bounds the log query span to maxPollRange blocks. A poller
// within ten ranges of the head catches up gradually, one clamped range per
// tick; one further behind abandons the gap and resumes from the most
// recent span.
func clampPollRange(from, latest uint64) (f, to uint64) {
	to = latest
	if to-from+1 > maxPollRange {
		if to-from+1 > skipAheadFactor*maxPollRange {
			log.Warnf("poll path %d blocks behind, skipping ahead to block %d",
				to-from+1, to-maxPollRange+1)
			from = to - maxPollRange + 1
		} else {
			to = from + maxPollRange - 1
		}
	}
	return from, to
}

func (p *Poller) deliver(v Vote) {
	p.deliverLock.Lock()
	defer p.deliverLock.Unlock()

	if !p.seen.addIfNew(v) {
		return
	}
	v.ObservedAt = time.Now()
	p.votesCh <- v
}

func (p *Poller) deliverTick(t BlockTick) {
	p.deliverLock.Lock()
	defer p.deliverLock.Unlock()
	p.ticksCh <- t
}
