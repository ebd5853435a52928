package chain

import (
	"context"
	"sync"
	"time"
)

// Config bundles subscription-path and poll-path configuration for Wire, the
// package's single entry point for supervisors that want both upstreams
// sharing one dedup set.
type Config struct {
	Sub        ClientConfig
	PollURL    string
	PollEvery  time.Duration
	WindowSize uint64
}

// Feed is the pair of output channels both upstreams deliver deduplicated
// Votes and BlockTicks onto.
type Feed struct {
	Votes <-chan Vote
	Ticks <-chan BlockTick
}

// Wire constructs a Client and Poller that share a single seenEvents set and
// a single delivery lock, then returns the channels they will both write to
// along with a run function that starts both upstreams and blocks until ctx
// is cancelled. The two upstreams are independent goroutines serialized by
// the shared delivery lock, since they dial independent connections.
func Wire(cfg Config) (Feed, func(ctx context.Context) error) {
	votesCh := make(chan Vote, 256)
	ticksIn := make(chan BlockTick, 64)
	ticksOut := make(chan BlockTick, 64)
	seen := newSeenEvents(cfg.WindowSize)
	var deliverLock sync.Mutex

	client := NewClient(cfg.Sub, seen, votesCh, ticksIn, &deliverLock)

	pollInterval := cfg.PollEvery
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	poller := NewPoller(PollerConfig{
		PollURL:    cfg.PollURL,
		Contract:   cfg.Sub.Contract,
		Interval:   pollInterval,
		WindowSize: cfg.WindowSize,
	}, seen, votesCh, ticksIn, &deliverLock)

	run := func(ctx context.Context) error {
		errCh := make(chan error, 2)
		go func() { errCh <- client.Run(ctx) }()
		go func() { errCh <- poller.Run(ctx) }()

		var lastWindow uint64
		for {
			select {
			case <-ctx.Done():
				<-errCh
				<-errCh
				return ctx.Err()
			case t := <-ticksIn:
				lastWindow = gcOnAdvance(seen, lastWindow, WindowID(t.Number, cfg.WindowSize))
				select {
				case ticksOut <- t:
				case <-ctx.Done():
					<-errCh
					<-errCh
					return ctx.Err()
				}
			case err := <-errCh:
				return err
			}
		}
	}

	return Feed{Votes: votesCh, Ticks: ticksOut}, run
}

// dedupTrailingWindows is how many windows behind the current one dedup
// entries are retained before eviction.
const dedupTrailingWindows = 2

// gcOnAdvance evicts dedup entries older than the trailing margin whenever
// the observed window advances, and returns the new high-water window.
func gcOnAdvance(seen *seenEvents, lastWindow, w uint64) uint64 {
	if w <= lastWindow {
		return lastWindow
	}
	if w >= dedupTrailingWindows {
		seen.evictBefore(w - dedupTrailingWindows)
	}
	return w
}
