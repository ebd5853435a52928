package hub

import (
	"net/http"
	"time"

	"golang.org/x/net/websocket"
)

type spokeKind int

const (
	frameSpoke spokeKind = iota
	eventSpoke
)

// outMessage is one queued write: either a JSON text message or a binary
// frame payload.
type outMessage struct {
	json   interface{}
	binary []byte
}

// spoke is one spectator connection's send queue, the hub's handle on the
// connection. The writer goroutine drains out; the Run loop closes it on
// unregister.
type spoke struct {
	kind spokeKind
	out  chan outMessage
}

func newSpoke(kind spokeKind) *spoke {
	return &spoke{kind: kind, out: make(chan outMessage, spokeSendBuffer)}
}

// trySend queues msg without blocking, reporting false when the queue is
// full.
func (sp *spoke) trySend(msg outMessage) bool {
	select {
	case sp.out <- msg:
		return true
	default:
		return false
	}
}

// FrameHandler is the http.HandlerFunc for the binary frame channel. On
// connect the client receives a screenInfo text message and the current
// viewer count, then a stream of binary frames interleaved with viewerCount
// updates.
func (h *Hub) FrameHandler(w http.ResponseWriter, r *http.Request) {
	h.serveSpoke(w, r, frameSpoke)
}

// EventHandler is the http.HandlerFunc for the structured event channel. On
// connect the client receives screenInfo, the recentHistory hydration
// snapshot, and the current game state if known, then live vote,
// windowResult and gameState events.
func (h *Hub) EventHandler(w http.ResponseWriter, r *http.Request) {
	h.serveSpoke(w, r, eventSpoke)
}

func (h *Hub) serveSpoke(w http.ResponseWriter, r *http.Request, kind spokeKind) {
	wsHandler := websocket.Handler(func(ws *websocket.Conn) {
		sp := newSpoke(kind)
		select {
		case h.register <- sp:
		case <-h.quit:
			ws.Close()
			return
		}

		// The receive loop exists to notice the client going away; both
		// channels are server-push only. Whichever loop errors first
		// reports the unregister; the Run loop ignores the duplicate.
		go h.receiveLoop(ws, sp)
		h.sendLoop(ws, sp)
	})

	// Use a websocket.Server to avoid checking Origin.
	wsServer := websocket.Server{Handler: wsHandler}
	wsServer.ServeHTTP(w, r)
}

// receiveLoop discards client input until the connection errors, then
// unregisters the spoke.
func (h *Hub) receiveLoop(ws *websocket.Conn, sp *spoke) {
	buf := make([]byte, 512)
	for {
		if _, err := ws.Read(buf); err != nil {
			h.dropSpoke(sp)
			return
		}
	}
}

// dropSpoke reports a dead connection to the Run loop, giving up if the hub
// itself has already stopped.
func (h *Hub) dropSpoke(sp *spoke) {
	select {
	case h.unregister <- sp:
	case <-h.quit:
	}
}

// sendLoop drains the spoke's queue onto the socket until the queue is
// closed by the Run loop or a write fails. Every write carries the stuck
// client deadline.
func (h *Hub) sendLoop(ws *websocket.Conn, sp *spoke) {
	defer ws.Close()

	for msg := range sp.out {
		if err := ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
			log.Debugf("SetWriteDeadline: %v", err)
		}

		var err error
		if msg.binary != nil {
			err = websocket.Message.Send(ws, msg.binary)
		} else {
			err = websocket.JSON.Send(ws, msg.json)
		}
		if err != nil {
			h.dropSpoke(sp)
			// Drain until the Run loop closes the queue, so fanOut's
			// trySend never sees a full queue on a dead spoke.
			for range sp.out {
			}
			return
		}
	}
}
