// Package hub fans out three spectator streams from one connection registry:
// a binary frame channel carrying compressed video frames, a structured event
// channel carrying vote/windowResult/gameState events, and an instant
// hydration snapshot (recent votes, recent results, current game state) sent
// to every event client on connect. It also tracks the live viewer count and
// broadcasts it to frame spectators on every connect and disconnect.
package hub

import (
	"context"
	"sync/atomic"
	"time"
)

type hubSignal int

const (
	sigFrame hubSignal = iota
	sigVote
	sigWindowResult
	sigGameState
)

// hubMessage is the funnel unit carried on the relay channel, the same shape
// as a broadcast signal plus its payload.
type hubMessage struct {
	sig hubSignal
	msg interface{}
}

const (
	// spokeSendBuffer is each connection's outgoing queue depth. A client
	// whose queue fills faster than its socket drains is treated as stuck
	// and unregistered.
	spokeSendBuffer = 64

	relayBuffer = 256

	// wsWriteTimeout is the per-message write budget; a write blocked
	// longer than this closes the connection as a stuck client.
	wsWriteTimeout = 250 * time.Millisecond
)

// ScreenInfo describes the frame stream's pixel dimensions, sent to every
// client on connect.
type ScreenInfo struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Config configures a Hub.
type Config struct {
	Screen ScreenInfo

	// MaxCachedVotes and MaxCachedActions bound the hydration buffers.
	MaxCachedVotes   int
	MaxCachedActions int
}

// Hub owns the spectator connection set and the circular hydration buffers.
// All registry and buffer mutation happens on the Run loop goroutine; the
// Broadcast methods only enqueue onto the relay channel, so per-connection
// message order matches broadcast order.
type Hub struct {
	cfg Config

	relay      chan hubMessage
	register   chan *spoke
	unregister chan *spoke

	// quit is closed when the Run loop exits, releasing any goroutine
	// blocked on the channels above.
	quit chan struct{}

	// Owned exclusively by the Run loop.
	frameSpokes map[*spoke]struct{}
	eventSpokes map[*spoke]struct{}

	recentVotes   []CachedVote
	recentActions []CachedAction
	gameState     *GameState

	numViewers atomic.Int32
}

// New creates a Hub. Run must be started before any client handlers are
// mounted, since registration blocks on the Run loop.
func New(cfg Config) *Hub {
	if cfg.MaxCachedVotes <= 0 {
		cfg.MaxCachedVotes = 100
	}
	if cfg.MaxCachedActions <= 0 {
		cfg.MaxCachedActions = 50
	}
	return &Hub{
		cfg:         cfg,
		relay:       make(chan hubMessage, relayBuffer),
		register:    make(chan *spoke),
		unregister:  make(chan *spoke, 4),
		quit:        make(chan struct{}),
		frameSpokes: make(map[*spoke]struct{}),
		eventSpokes: make(map[*spoke]struct{}),
	}
}

// NumViewers returns the number of connected frame spectators.
func (h *Hub) NumViewers() int {
	return int(h.numViewers.Load())
}

// BroadcastFrame enqueues a compressed frame for all frame spectators. It
// never blocks: if the relay funnel is full the frame is dropped instead of
// waiting for room.
func (h *Hub) BroadcastFrame(frame []byte) {
	select {
	case h.relay <- hubMessage{sig: sigFrame, msg: frame}:
	default:
		log.Tracef("relay funnel full, dropping frame")
	}
}

// BroadcastVote echoes a live vote to event spectators and records it in the
// hydration buffer.
func (h *Hub) BroadcastVote(v CachedVote) {
	h.send(hubMessage{sig: sigVote, msg: v})
}

// BroadcastWindowResult announces a finalized window to event spectators and
// records it in the hydration buffer.
func (h *Hub) BroadcastWindowResult(r CachedAction) {
	h.send(hubMessage{sig: sigWindowResult, msg: r})
}

// BroadcastGameState announces a changed game state to event spectators and
// replaces the single-slot cache new clients hydrate from.
func (h *Hub) BroadcastGameState(gs GameState) {
	h.send(hubMessage{sig: sigGameState, msg: gs})
}

func (h *Hub) send(msg hubMessage) {
	select {
	case h.relay <- msg:
	case <-h.quit:
	}
}

// Run is the hub's single-writer event loop: it registers and unregisters
// clients, maintains the hydration buffers, and fans broadcasts out to every
// connected spoke. It returns when ctx is cancelled, closing all clients.
func (h *Hub) Run(ctx context.Context) {
	log.Info("Starting hub run loop.")
	defer h.closeAll()
	defer close(h.quit)

	for {
		select {
		case <-ctx.Done():
			return
		case sp := <-h.register:
			h.registerSpoke(sp)
		case sp := <-h.unregister:
			h.unregisterSpoke(sp)
		case msg := <-h.relay:
			h.handleBroadcast(msg)
		}
	}
}

// registerSpoke adds a new connection, queues its greeting messages, and (for
// frame spectators) announces the new viewer count.
func (h *Hub) registerSpoke(sp *spoke) {
	switch sp.kind {
	case frameSpoke:
		h.frameSpokes[sp] = struct{}{}
		h.numViewers.Store(int32(len(h.frameSpokes)))
		sp.trySend(outMessage{json: screenInfoMessage{Type: "screenInfo", Width: h.cfg.Screen.Width, Height: h.cfg.Screen.Height}})
		h.broadcastViewerCount()
		log.Debugf("Registered frame spectator (%d).", len(h.frameSpokes))

	case eventSpoke:
		h.eventSpokes[sp] = struct{}{}
		sp.trySend(outMessage{json: eventMessage{Type: "screenInfo", Data: h.cfg.Screen}})
		sp.trySend(outMessage{json: eventMessage{Type: "recentHistory", Data: RecentHistory{
			Votes:   append([]CachedVote(nil), h.recentVotes...),
			Actions: append([]CachedAction(nil), h.recentActions...),
		}}})
		if h.gameState != nil {
			sp.trySend(outMessage{json: eventMessage{Type: "gameState", Data: *h.gameState}})
		}
		log.Debugf("Registered event spectator (%d).", len(h.eventSpokes))
	}
}

// unregisterSpoke removes a connection and closes its send queue. Unknown
// spokes are ignored so that the reader and writer loops may both report the
// same disconnect.
func (h *Hub) unregisterSpoke(sp *spoke) {
	switch sp.kind {
	case frameSpoke:
		if _, ok := h.frameSpokes[sp]; !ok {
			return
		}
		delete(h.frameSpokes, sp)
		h.numViewers.Store(int32(len(h.frameSpokes)))
		close(sp.out)
		h.broadcastViewerCount()
	case eventSpoke:
		if _, ok := h.eventSpokes[sp]; !ok {
			return
		}
		delete(h.eventSpokes, sp)
		close(sp.out)
	}
}

func (h *Hub) handleBroadcast(msg hubMessage) {
	switch msg.sig {
	case sigFrame:
		frame := msg.msg.([]byte)
		h.fanOut(h.frameSpokes, outMessage{binary: frame})

	case sigVote:
		v := msg.msg.(CachedVote)
		h.recentVotes = appendBounded(h.recentVotes, v, h.cfg.MaxCachedVotes)
		h.fanOut(h.eventSpokes, outMessage{json: eventMessage{Type: "vote", Data: v}})

	case sigWindowResult:
		r := msg.msg.(CachedAction)
		h.recentActions = appendBounded(h.recentActions, r, h.cfg.MaxCachedActions)
		h.fanOut(h.eventSpokes, outMessage{json: eventMessage{Type: "windowResult", Data: r}})

	case sigGameState:
		gs := msg.msg.(GameState)
		h.gameState = &gs
		h.fanOut(h.eventSpokes, outMessage{json: eventMessage{Type: "gameState", Data: gs}})

	default:
		log.Errorf("Unknown hub signal: %v", msg.sig)
	}
}

// fanOut queues msg on every spoke in set, unregistering any whose send
// queue is full (a stuck client must not stall the others).
func (h *Hub) fanOut(set map[*spoke]struct{}, msg outMessage) {
	for sp := range set {
		if !sp.trySend(msg) {
			log.Debugf("spectator send queue full, disconnecting stuck client")
			h.unregisterSpoke(sp)
		}
	}
}

func (h *Hub) broadcastViewerCount() {
	msg := outMessage{json: viewerCountMessage{Type: "viewerCount", Count: len(h.frameSpokes)}}
	h.fanOut(h.frameSpokes, msg)
}

func (h *Hub) closeAll() {
	for sp := range h.frameSpokes {
		delete(h.frameSpokes, sp)
		close(sp.out)
	}
	for sp := range h.eventSpokes {
		delete(h.eventSpokes, sp)
		close(sp.out)
	}
	h.numViewers.Store(0)
}

// appendBounded appends v, evicting the oldest entries so the buffer never
// exceeds max.
func appendBounded[T any](buf []T, v T, max int) []T {
	buf = append(buf, v)
	if n := len(buf) - max; n > 0 {
		buf = append(buf[:0], buf[n:]...)
	}
	return buf
}
