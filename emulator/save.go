package emulator

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

const (
	saveRAMFilename   = "pokemon-red.sav"
	fullStateFilename = "pokemon-red.state"

	romDownloadTimeout = 30 * time.Second
)

// fullStateFile is the on-disk shape of a full-state snapshot: the
// emulator's opaque serialized state alongside a copy of the battery RAM.
// loadInitialState does not read that embedded copy: when the opaque state
// fails to restore, it falls back to the separate battery-RAM file.
type fullStateFile struct {
	SavedAt time.Time `json:"savedAt"`
	State   []byte    `json:"state"`
	SaveRAM []byte    `json:"saveRam"`
}

// ensureROM returns the ROM bytes at romPath, downloading them from romURL
// (honoring at most one HTTP redirect) if the file is not already present.
func ensureROM(romPath, romURL string) ([]byte, error) {
	data, err := os.ReadFile(romPath)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("emulator: reading rom at %s: %w", romPath, err)
	}
	if romURL == "" {
		return nil, fmt.Errorf("emulator: rom missing at %s and no romURL configured", romPath)
	}

	log.Infof("downloading rom from %s", romURL)
	client := &http.Client{
		Timeout: romDownloadTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 2 {
				return fmt.Errorf("emulator: too many redirects fetching rom")
			}
			return nil
		},
	}
	resp, err := client.Get(romURL)
	if err != nil {
		return nil, fmt.Errorf("emulator: downloading rom: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("emulator: downloading rom: unexpected status %s", resp.Status)
	}

	data, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("emulator: reading downloaded rom: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(romPath), 0o755); err != nil {
		return nil, fmt.Errorf("emulator: creating rom directory: %w", err)
	}
	if err := os.WriteFile(romPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("emulator: writing downloaded rom: %w", err)
	}
	return data, nil
}

// loadInitialState attempts, in preference order, a full-state snapshot,
// then a battery-RAM-only save, then a fresh start. It never returns an
// error: a fresh start is always a valid outcome.
func loadInitialState(emu Emulator, saveDir string) {
	statePath := filepath.Join(saveDir, fullStateFilename)
	if raw, err := os.ReadFile(statePath); err == nil {
		var f fullStateFile
		if err := json.Unmarshal(raw, &f); err == nil {
			if err := emu.RestoreFullState(f.State); err == nil {
				log.Infof("restored full state from %s", statePath)
				return
			}
			log.Warnf("full state at %s failed to restore, falling back to battery RAM: %v", statePath, err)
		} else {
			log.Warnf("full state at %s is corrupt, falling back to battery RAM: %v", statePath, err)
		}
	}

	ramPath := filepath.Join(saveDir, saveRAMFilename)
	if raw, err := os.ReadFile(ramPath); err == nil {
		if err := emu.LoadRom(nil, raw); err == nil {
			log.Infof("restored battery RAM from %s", ramPath)
			return
		}
		log.Warnf("battery RAM at %s failed to load, starting fresh: %v", ramPath, err)
	}

	log.Infof("no usable save found in %s, starting fresh", saveDir)
}

// persistFullState writes both a full-state JSON snapshot and a raw
// battery-RAM backup to saveDir.
func persistFullState(emu Emulator, saveDir string) error {
	if err := os.MkdirAll(saveDir, 0o755); err != nil {
		return fmt.Errorf("emulator: creating save directory: %w", err)
	}

	state, err := emu.SaveFullState()
	if err != nil {
		return fmt.Errorf("emulator: serializing full state: %w", err)
	}
	saveRAM := emu.GetSaveRAM()

	f := fullStateFile{SavedAt: time.Now(), State: state, SaveRAM: saveRAM}
	raw, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("emulator: marshaling full state: %w", err)
	}

	statePath := filepath.Join(saveDir, fullStateFilename)
	if err := os.WriteFile(statePath, raw, 0o644); err != nil {
		return fmt.Errorf("emulator: writing full state: %w", err)
	}

	ramPath := filepath.Join(saveDir, saveRAMFilename)
	if err := os.WriteFile(ramPath, saveRAM, 0o644); err != nil {
		return fmt.Errorf("emulator: writing battery ram: %w", err)
	}
	return nil
}
