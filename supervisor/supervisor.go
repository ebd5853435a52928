// Package supervisor is the composition root: it boots every component in
// dependency order, wires the channels between them, owns the HTTP and
// WebSocket server, and drives graceful shutdown. No component holds a
// reference to another's internal state; everything crosses between them as
// values on the channels wired here.
package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/go-chi/chi/v5"

	"github.com/gameindexer/gameindexer/aggregator"
	"github.com/gameindexer/gameindexer/chain"
	"github.com/gameindexer/gameindexer/emulator"
	"github.com/gameindexer/gameindexer/framepipeline"
	"github.com/gameindexer/gameindexer/hub"
	"github.com/gameindexer/gameindexer/relay"
)

// Config configures the Supervisor.
type Config struct {
	// Listen is the address:port for the combined HTTP/WebSocket server.
	Listen string

	// StaticDir optionally serves static assets at /. Empty disables it.
	StaticDir string

	WindowSize  uint64
	BlockTimeMs int

	ChainSubURL  string
	ChainPollURL string
	VoteContract common.Address

	Emulator    emulator.Config
	NewEmulator func() emulator.Emulator

	FrameMaxConcurrent int

	MaxCachedVotes   int
	MaxCachedActions int

	// Relay enables the gasless relay endpoints when non-nil.
	Relay *relay.Config

	// RequestShutdown asks the process to begin a graceful shutdown, used
	// when the HTTP listener dies underneath us.
	RequestShutdown func()
}

// Supervisor owns the boot sequence and the component graph.
type Supervisor struct {
	cfg Config
}

// New creates a Supervisor. Run does all the work.
func New(cfg Config) *Supervisor {
	if cfg.WindowSize < 1 {
		cfg.WindowSize = 1
	}
	if cfg.RequestShutdown == nil {
		cfg.RequestShutdown = func() {}
	}
	return &Supervisor{cfg: cfg}
}

// Run boots the pipeline and blocks until ctx is cancelled. The order is:
// hub and frame pipeline construction (frame wiring), emulator init (fatal on
// error), aggregator, chain feed, HTTP routes including the optional relay
// endpoints, then the server and the long-lived tasks. The relay is set up
// before the server starts listening, not after it. On return every
// component has been asked to stop and the emulator save has been flushed.
func (s *Supervisor) Run(ctx context.Context) error {
	h := hub.New(hub.Config{
		Screen:           hub.ScreenInfo{Width: emulator.ScreenWidth, Height: emulator.ScreenHeight},
		MaxCachedVotes:   s.cfg.MaxCachedVotes,
		MaxCachedActions: s.cfg.MaxCachedActions,
	})

	pipe := framepipeline.New(framepipeline.Config{
		Width:         emulator.ScreenWidth,
		Height:        emulator.ScreenHeight,
		MaxConcurrent: s.cfg.FrameMaxConcurrent,
	}, h.BroadcastFrame)

	driver := emulator.NewDriver(s.cfg.Emulator, s.cfg.NewEmulator, pipe.Submit,
		func(gs emulator.GameState) { h.BroadcastGameState(hubGameState(gs)) })

	// Asset acquisition, startup barrier and save restore. Failure here is
	// fatal to the whole process.
	if err := driver.Init(ctx); err != nil {
		return fmt.Errorf("supervisor: emulator init: %w", err)
	}

	agg := aggregator.New(s.cfg.WindowSize, func(r aggregator.WindowResult) {
		log.Infof("window %d: %s wins with %d/%d votes",
			r.WindowID, r.Winner, r.Tallies[r.Winner], r.TotalVotes)
		driver.PressButton(r.Winner, 0)
		h.BroadcastWindowResult(cachedAction(r))
	})

	pollEvery := time.Duration(s.cfg.WindowSize) * time.Duration(s.cfg.BlockTimeMs) * time.Millisecond
	feed, runChain := chain.Wire(chain.Config{
		Sub: chain.ClientConfig{
			SubURL:     s.cfg.ChainSubURL,
			Contract:   s.cfg.VoteContract,
			WindowSize: s.cfg.WindowSize,
		},
		PollURL:    s.cfg.ChainPollURL,
		PollEvery:  pollEvery,
		WindowSize: s.cfg.WindowSize,
	})

	mux := chi.NewRouter()
	mux.Get("/stream", h.FrameHandler)
	mux.Get("/ps", h.EventHandler)
	if s.cfg.StaticDir != "" {
		fileServer(mux, "/", s.cfg.StaticDir)
	}

	var relayClient *ethclient.Client
	if s.cfg.Relay != nil {
		var err error
		relayClient, err = ethclient.DialContext(ctx, s.cfg.ChainPollURL)
		if err != nil {
			return fmt.Errorf("supervisor: dialing relay backend: %w", err)
		}
		defer relayClient.Close()

		rl, err := relay.New(*s.cfg.Relay, relayClient)
		if err != nil {
			return fmt.Errorf("supervisor: starting relay: %w", err)
		}
		rl.AddRoutes(mux)
		log.Info("Gasless relay endpoints enabled.")
	}

	var wg sync.WaitGroup
	s.listenAndServe(ctx, &wg, mux)

	run := func(f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(ctx)
		}()
	}

	run(h.Run)
	run(driver.RunClock)
	run(driver.RunAutoSave)
	run(driver.RunGameStateSampler)
	run(func(ctx context.Context) {
		if err := runChain(ctx); err != nil && ctx.Err() == nil {
			log.Errorf("chain ingestion stopped: %v", err)
			s.cfg.RequestShutdown()
		}
	})

	// The funnel serializing chain events into the aggregator: AddVote and
	// OnBlock share one goroutine, so window bookkeeping has one writer.
	run(func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case v := <-feed.Votes:
				agg.AddVote(v)
				h.BroadcastVote(cachedVote(v))
			case t := <-feed.Ticks:
				agg.OnBlock(t)
			}
		}
	})

	<-ctx.Done()
	log.Info("Shutting down: flushing emulator save...")
	if err := driver.SaveNow(); err != nil {
		log.Errorf("final save flush failed: %v", err)
	}
	wg.Wait()
	return nil
}

// listenAndServe starts the HTTP server and registers its graceful shutdown
// on ctx. A listener that dies for any reason other than the graceful
// Shutdown requests a process shutdown.
func (s *Supervisor) listenAndServe(ctx context.Context, wg *sync.WaitGroup, mux http.Handler) {
	server := http.Server{
		Addr:        s.cfg.Listen,
		Handler:     mux,
		ReadTimeout: 5 * time.Second, // slow requests should not hold connections opened
		// No WriteTimeout: the WebSocket streams hold their connections
		// open indefinitely; per-message deadlines live in the hub.
	}

	wg.Add(1)
	go func() {
		<-ctx.Done()
		log.Infof("Gracefully shutting down web server...")
		if err := server.Shutdown(context.Background()); err != nil {
			log.Infof("HTTP server Shutdown: %v", err)
		}
		wg.Done()
	}()

	log.Infof("Now serving spectators on http://%v/", s.cfg.Listen)
	go func() {
		err := server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Errorf("Failed to start server: %v", err)
			s.cfg.RequestShutdown()
		}
	}()
}

// fileServer serves static files from fsRoot under pathRoot. Directory
// listings are denied, as are URL paths containing "..".
func fileServer(r chi.Router, pathRoot, fsRoot string) {
	hf := func(w http.ResponseWriter, req *http.Request) {
		upath := req.URL.Path
		if strings.Contains(upath, "..") {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		if !strings.HasPrefix(upath, "/") {
			upath = "/" + upath
		}
		upath = path.Clean(strings.TrimPrefix(upath, pathRoot))
		if upath == "." || upath == "/" {
			upath = "/index.html"
		}

		fullFilePath := filepath.Join(fsRoot, upath)
		fi, err := os.Stat(fullFilePath)
		if err != nil {
			http.NotFound(w, req)
			return
		}
		if fi.IsDir() {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		http.ServeFile(w, req, fullFilePath)
	}

	muxRoot := pathRoot
	if muxRoot != "/" && muxRoot[len(muxRoot)-1] != '/' {
		r.Get(muxRoot, http.RedirectHandler(muxRoot+"/", http.StatusMovedPermanently).ServeHTTP)
		muxRoot += "/"
	}
	r.Get(muxRoot+"*", hf)
}

// cachedVote converts an ingested vote into its broadcast shape.
func cachedVote(v chain.Vote) hub.CachedVote {
	return hub.CachedVote{
		Player:     v.Player.Hex(),
		Action:     v.Action.String(),
		Block:      v.Block,
		TxHash:     v.TxHash.Hex(),
		ObservedAt: v.ObservedAt,
	}
}

// cachedAction converts a finalized window result into its broadcast shape.
func cachedAction(r aggregator.WindowResult) hub.CachedAction {
	tallies := make(map[string]uint32, len(r.Tallies))
	for a, n := range r.Tallies {
		tallies[a.String()] = n
	}
	out := hub.CachedAction{
		WindowID:   r.WindowID,
		StartBlock: r.StartBlock,
		EndBlock:   r.EndBlock,
		Winner:     r.Winner.String(),
		Tallies:    tallies,
		TotalVotes: r.TotalVotes,
	}
	if r.WinnerTxHash != (common.Hash{}) {
		out.WinnerTxHash = r.WinnerTxHash.Hex()
	}
	return out
}

// hubGameState converts a decoded emulator snapshot into its broadcast
// shape, trimming the party array to its live size.
func hubGameState(gs emulator.GameState) hub.GameState {
	party := make([]hub.PartyMember, 0, gs.PartySize)
	for i := 0; i < gs.PartySize; i++ {
		party = append(party, hub.PartyMember{
			Species:   gs.Party[i].Species,
			CurrentHP: gs.Party[i].CurrentHP,
			MaxHP:     gs.Party[i].MaxHP,
			Level:     gs.Party[i].Level,
		})
	}
	return hub.GameState{
		Location:   gs.Location,
		Badges:     gs.Badges,
		BadgeCount: gs.BadgeCount,
		PlayerX:    gs.PlayerX,
		PlayerY:    gs.PlayerY,
		PartySize:  gs.PartySize,
		Party:      party,
		Money:      gs.Money,
	}
}
