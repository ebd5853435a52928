// Package emulator drives a retro console emulator that is consumed as a
// black box: this package owns the frame clock, the button queue, the save
// lifecycle, and decoding game state out of the emulator's raw memory. The
// console's own CPU/PPU implementation is out of scope and reached only
// through the Emulator interface below.
package emulator

// ScreenWidth and ScreenHeight are the fixed dimensions of the emulator's
// framebuffer.
const (
	ScreenWidth  = 160
	ScreenHeight = 144
)

// Emulator is the black-box console interface this package drives. An
// implementation owns the CPU/PPU/memory and is supplied by the caller; this
// package never reaches into its internals.
type Emulator interface {
	// LoadRom loads cartridge ROM bytes and, if non-nil, an existing
	// battery-RAM save image.
	LoadRom(rom []byte, saveRAM []byte) error
	// AdvanceOneFrame steps the emulator by exactly one video frame.
	AdvanceOneFrame()
	// GetScreen returns the current framebuffer as
	// ScreenWidth*ScreenHeight*4 RGBA bytes. The returned slice must not be
	// retained past the next call to AdvanceOneFrame.
	GetScreen() []byte
	// PressKey injects a button press for the button identified by code,
	// held until the next AdvanceOneFrame call releases it.
	PressKey(code int)
	// GetSaveRAM returns the cartridge's persistent battery-backed RAM.
	GetSaveRAM() []byte
	// SaveFullState serializes the entire emulator state (CPU registers,
	// memory, PPU state) to an opaque byte slice.
	SaveFullState() ([]byte, error)
	// RestoreFullState restores a state previously produced by
	// SaveFullState.
	RestoreFullState(state []byte) error
	// GetMemory returns the emulator's addressable memory space, used by
	// decodeGameState to decode game state at fixed offsets.
	GetMemory() []byte
}
