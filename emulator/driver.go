package emulator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gameindexer/gameindexer/internal/action"
)

const defaultPressDuration = 5 // frames

// Config configures a Driver.
type Config struct {
	ROMPath  string
	ROMURL   string
	SaveDir  string
	FPS      int
	// Production delays startup by StartupBarrier to let a previously
	// running process flush its save before this one opens the same files.
	Production     bool
	StartupBarrier time.Duration

	AutoSaveInterval  time.Duration
	GameStateInterval time.Duration
}

// Driver owns the emulator instance and the save files exclusively: no
// other component in this repo reads either directly. It is the single
// consumer of the Aggregator's WindowResult stream (each result becomes a
// button press) and the single producer feeding the Frame Pipeline and the
// Hub's game-state channel.
//
// All emulator API access (frame advance, key injection, memory and state
// reads) goes through mtx: the Emulator interface is not reentrant, so the
// frame clock must never run concurrently with the game-state sampler or
// the auto-save timer.
type Driver struct {
	cfg     Config
	newEmu  func() Emulator
	onFrame func(frame []byte)

	mtx             sync.Mutex
	emu             Emulator
	hasPending      bool
	pendingButton   action.Action
	framesRemaining int

	gsMtx         sync.Mutex
	lastGameState GameState
	haveGameState bool
	onGameState   func(GameState)
}

// NewDriver creates a Driver. newEmu constructs a fresh Emulator instance;
// it is called exactly once, during Init.
func NewDriver(cfg Config, newEmu func() Emulator, onFrame func(frame []byte), onGameState func(GameState)) *Driver {
	if cfg.FPS <= 0 {
		cfg.FPS = 60
	}
	if cfg.AutoSaveInterval <= 0 {
		cfg.AutoSaveInterval = 60 * time.Second
	}
	if cfg.GameStateInterval <= 0 {
		cfg.GameStateInterval = 2 * time.Second
	}
	return &Driver{
		cfg:         cfg,
		newEmu:      newEmu,
		onFrame:     onFrame,
		onGameState: onGameState,
	}
}

// Init locates the ROM (downloading it if absent), waits out the production
// startup barrier if configured, instantiates the emulator, and attempts to
// restore a prior save. It is fatal to the supervisor's boot sequence on
// error; once it returns successfully the Driver is ready for Run.
func (d *Driver) Init(ctx context.Context) error {
	rom, err := ensureROM(d.cfg.ROMPath, d.cfg.ROMURL)
	if err != nil {
		return fmt.Errorf("emulator: acquiring rom: %w", err)
	}

	if d.cfg.Production && d.cfg.StartupBarrier > 0 {
		log.Infof("production startup barrier: waiting %s", d.cfg.StartupBarrier)
		select {
		case <-time.After(d.cfg.StartupBarrier):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	emu := d.newEmu()
	if err := emu.LoadRom(rom, nil); err != nil {
		return fmt.Errorf("emulator: loading rom: %w", err)
	}

	d.mtx.Lock()
	d.emu = emu
	d.mtx.Unlock()

	loadInitialState(emu, d.cfg.SaveDir)
	return nil
}

// PressButton queues a button press held for durationFrames ticks of the
// frame clock (default 5 if durationFrames <= 0). Overwriting an
// in-progress press before it's exhausted is allowed; the new press
// replaces the old one.
func (d *Driver) PressButton(a action.Action, durationFrames int) {
	if durationFrames <= 0 {
		durationFrames = defaultPressDuration
	}
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.pendingButton = a
	d.framesRemaining = durationFrames
	d.hasPending = true
}

// RunClock drives the frame clock (T3) at cfg.FPS until ctx is cancelled.
// Each tick injects any pending button, advances one frame, and hands the
// resulting screen to onFrame.
func (d *Driver) RunClock(ctx context.Context) {
	interval := time.Second / time.Duration(d.cfg.FPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick()
		}
	}
}

func (d *Driver) tick() {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if d.emu == nil {
		return
	}
	if d.hasPending && d.framesRemaining > 0 {
		d.emu.PressKey(int(d.pendingButton))
		d.framesRemaining--
		if d.framesRemaining == 0 {
			d.hasPending = false
		}
	}
	d.emu.AdvanceOneFrame()
	screen := d.emu.GetScreen()
	frame := make([]byte, len(screen))
	copy(frame, screen)

	if d.onFrame != nil {
		d.onFrame(frame)
	}
}

// RunAutoSave drives the auto-save timer (T5) until ctx is cancelled,
// persisting full state and battery RAM on each tick. A failed flush is
// logged and retried next tick; it is never fatal.
func (d *Driver) RunAutoSave(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.AutoSaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.SaveNow()
			return
		case <-ticker.C:
			if err := d.SaveNow(); err != nil {
				log.Errorf("auto-save failed: %v", err)
			}
		}
	}
}

// SaveNow synchronously flushes full state and battery RAM. It is used by
// the auto-save timer and is also called synchronously on shutdown.
func (d *Driver) SaveNow() error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.emu == nil {
		return nil
	}
	return persistFullState(d.emu, d.cfg.SaveDir)
}

// RunGameStateSampler drives the game-state sampler (T4) until ctx is
// cancelled, decoding memory on cfg.GameStateInterval and invoking
// onGameState only when the snapshot has semantically changed.
func (d *Driver) RunGameStateSampler(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.GameStateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sampleGameState()
		}
	}
}

func (d *Driver) sampleGameState() {
	// The memory read and decode stay under mtx: the emulator API is not
	// reentrant, so the sampler must never overlap a frame advance. The
	// returned slice may alias live emulator memory.
	d.mtx.Lock()
	if d.emu == nil {
		d.mtx.Unlock()
		return
	}
	next := decodeGameState(d.emu.GetMemory())
	d.mtx.Unlock()

	d.gsMtx.Lock()
	defer d.gsMtx.Unlock()
	if d.haveGameState && !changed(d.lastGameState, next) {
		return
	}
	d.lastGameState = next
	d.haveGameState = true
	if d.onGameState != nil {
		d.onGameState(next)
	}
}
