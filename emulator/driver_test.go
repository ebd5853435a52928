package emulator

import (
	"context"
	"encoding/binary"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gameindexer/gameindexer/internal/action"
)

// fakeEmulator is a minimal in-memory stand-in for a real console
// implementation, sufficient to exercise the Driver's button queue, save
// lifecycle, and game-state decoding without a real CPU/PPU.
type fakeEmulator struct {
	mtx sync.Mutex

	mem       []byte
	pressed   []int
	frames    int
	saveRAM   []byte
	loadedRom []byte
	restored  []byte
}

func newFakeEmulator() *fakeEmulator {
	mem := make([]byte, 0x10000)
	return &fakeEmulator{mem: mem}
}

func (f *fakeEmulator) LoadRom(rom []byte, saveRAM []byte) error {
	f.loadedRom = rom
	f.saveRAM = saveRAM
	return nil
}
func (f *fakeEmulator) AdvanceOneFrame() { f.frames++ }
func (f *fakeEmulator) GetScreen() []byte {
	return make([]byte, ScreenWidth*ScreenHeight*4)
}
func (f *fakeEmulator) PressKey(code int) { f.pressed = append(f.pressed, code) }
func (f *fakeEmulator) GetSaveRAM() []byte { return f.saveRAM }
func (f *fakeEmulator) SaveFullState() ([]byte, error) {
	out := make([]byte, len(f.mem))
	copy(out, f.mem)
	return out, nil
}
func (f *fakeEmulator) RestoreFullState(state []byte) error {
	f.restored = state
	return nil
}
func (f *fakeEmulator) GetMemory() []byte { return f.mem }

func (f *fakeEmulator) setPartySize(n int) { f.mem[offPartyCount] = byte(n) }
func (f *fakeEmulator) setHP(slot int, cur, max uint16) {
	base := offPartyData + slot*partyStride
	binary.BigEndian.PutUint16(f.mem[base+partyCurHPOffset:], cur)
	binary.BigEndian.PutUint16(f.mem[base+partyMaxHPOffset:], max)
}

func TestButtonQueueExpiresAfterDuration(t *testing.T) {
	emu := newFakeEmulator()
	d := NewDriver(Config{FPS: 60}, func() Emulator { return emu }, nil, nil)
	d.emu = emu

	d.PressButton(action.A, 3)
	d.tick()
	d.tick()
	d.tick()
	d.tick()

	if len(emu.pressed) != 3 {
		t.Fatalf("expected 3 injected presses, got %d", len(emu.pressed))
	}
	for _, code := range emu.pressed {
		if code != int(action.A) {
			t.Errorf("unexpected button code %d", code)
		}
	}
}

func TestButtonQueueOverwriteBeforeExhaustion(t *testing.T) {
	emu := newFakeEmulator()
	d := NewDriver(Config{FPS: 60}, func() Emulator { return emu }, nil, nil)
	d.emu = emu

	d.PressButton(action.Up, 5)
	d.tick()
	d.tick()
	d.PressButton(action.Down, 5)
	d.tick()
	d.tick()
	d.tick()
	d.tick()
	d.tick()

	if len(emu.pressed) != 7 {
		t.Fatalf("expected 7 injected presses, got %d", len(emu.pressed))
	}
	if emu.pressed[0] != int(action.Up) || emu.pressed[1] != int(action.Up) {
		t.Errorf("expected first two presses to be UP, got %v", emu.pressed[:2])
	}
	for _, code := range emu.pressed[2:] {
		if code != int(action.Down) {
			t.Errorf("expected remaining presses to be DOWN, got %d", code)
		}
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir, err := os.MkdirTemp("", "gameindexer_save_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	emu := newFakeEmulator()
	emu.mem[offBadges] = 0x03
	emu.saveRAM = []byte{1, 2, 3}

	if err := persistFullState(emu, dir); err != nil {
		t.Fatalf("persistFullState: %v", err)
	}

	restored := newFakeEmulator()
	loadInitialState(restored, dir)

	if len(restored.restored) != len(emu.mem) {
		t.Fatalf("expected restored full state of length %d, got %d", len(emu.mem), len(restored.restored))
	}
}

func TestGameStateChangeDetectionEmitsOnce(t *testing.T) {
	emu := newFakeEmulator()
	emu.setPartySize(1)
	emu.setHP(0, 20, 20)

	var broadcasts int
	var mtx sync.Mutex
	d := NewDriver(Config{FPS: 60, GameStateInterval: time.Millisecond}, func() Emulator { return emu }, nil, func(GameState) {
		mtx.Lock()
		broadcasts++
		mtx.Unlock()
	})
	d.emu = emu

	d.sampleGameState()
	d.sampleGameState()
	d.sampleGameState()

	mtx.Lock()
	got := broadcasts
	mtx.Unlock()
	if got != 1 {
		t.Fatalf("expected exactly 1 broadcast for identical snapshots, got %d", got)
	}

	emu.setHP(0, 15, 20)
	d.sampleGameState()

	mtx.Lock()
	got = broadcasts
	mtx.Unlock()
	if got != 2 {
		t.Fatalf("expected a second broadcast after HP changed, got %d", got)
	}
}

func TestDriverInitWithoutNetwork(t *testing.T) {
	dir, err := os.MkdirTemp("", "gameindexer_init_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	romPath := dir + "/rom.gb"
	if err := os.WriteFile(romPath, []byte("fake rom bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	emu := newFakeEmulator()
	d := NewDriver(Config{ROMPath: romPath, SaveDir: dir, FPS: 60}, func() Emulator { return emu }, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if string(emu.loadedRom) != "fake rom bytes" {
		t.Errorf("expected loaded rom bytes to match file contents")
	}
}
