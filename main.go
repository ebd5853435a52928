// Copyright (c) 2024 The gameindexer developers
// See LICENSE for details.

package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/gops/agent"

	"github.com/gameindexer/gameindexer/emulator"
	"github.com/gameindexer/gameindexer/relay"
	"github.com/gameindexer/gameindexer/supervisor"
)

const appVersion = "0.1.0"

func main() {
	// Create a context that is cancelled when a shutdown request is received
	// via requestShutdown.
	ctx := withShutdownCancel(context.Background())
	// Listen for both interrupt signals and shutdown requests.
	go shutdownListener()

	if err := _main(ctx); err != nil {
		if logRotator != nil {
			log.Error(err)
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
	os.Exit(0)
}

// _main does all the work. Deferred functions do not run after os.Exit(), so
// main wraps this function, which returns an error.
func _main(ctx context.Context) error {
	// Parse the configuration file, and setup logger.
	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Failed to load gameindexer config: %s\n", err.Error())
		return err
	}
	if err = initLogRotator(cfg.LogFile); err != nil {
		return err
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	if err = parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		return err
	}
	wireSubsystemLoggers()

	if cfg.CPUProfile != "" {
		var f *os.File
		f, err = os.Create(cfg.CPUProfile)
		if err != nil {
			return err
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	if cfg.UseGops {
		// Start gops diagnostic agent, with shutdown cleanup.
		if err = agent.Listen(agent.Options{}); err != nil {
			return err
		}
		defer agent.Close()
	}

	log.Infof("gameindexer version %s (Go version %s)", appVersion, runtime.Version())

	if cfg.ChainSubURL == "" || cfg.ChainPollURL == "" {
		return fmt.Errorf("both chainsuburl and chainpollurl must be configured")
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return fmt.Errorf("invalid vote contract address %q", cfg.ContractAddress)
	}
	voteContract := common.HexToAddress(cfg.ContractAddress)

	var relayCfg *relay.Config
	if cfg.RelayEnabled {
		if !common.IsHexAddress(cfg.DelegationAddr) {
			return fmt.Errorf("relay enabled with invalid delegation contract address %q", cfg.DelegationAddr)
		}
		if cfg.ChainID <= 0 {
			return fmt.Errorf("relay enabled but chainid is not configured")
		}
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.RelayKey, "0x"))
		if err != nil {
			return fmt.Errorf("invalid relaykey: %w", err)
		}
		relayCfg = &relay.Config{
			Key:                key,
			ChainID:            big.NewInt(cfg.ChainID),
			VoteContract:       voteContract,
			DelegationContract: common.HexToAddress(cfg.DelegationAddr),
		}
		log.Infof("Relay enabled, submitting from %s", crypto.PubkeyToAddress(key.PublicKey))
	}

	newEmu, err := emulator.Core()
	if err != nil {
		return err
	}

	romPath := filepath.Join(cfg.HomeDir, "pokemon-red.gb")

	sup := supervisor.New(supervisor.Config{
		Listen:       cfg.Listen,
		StaticDir:    staticDirIfPresent(),
		WindowSize:   uint64(cfg.WindowSize),
		BlockTimeMs:  cfg.BlockTimeMs,
		ChainSubURL:  cfg.ChainSubURL,
		ChainPollURL: cfg.ChainPollURL,
		VoteContract: voteContract,
		Emulator: emulator.Config{
			ROMPath:        romPath,
			ROMURL:         cfg.ROMURL,
			SaveDir:        cfg.SaveDir,
			FPS:            cfg.FPS,
			Production:     cfg.Environment == "production",
			StartupBarrier: 5 * time.Second,
		},
		NewEmulator:        newEmu,
		FrameMaxConcurrent: cfg.MaxConcurrency,
		MaxCachedVotes:     cfg.MaxCachedVotes,
		MaxCachedActions:   cfg.MaxCachedActions,
		Relay:              relayCfg,
		RequestShutdown:    requestShutdown,
	})

	if err := sup.Run(ctx); err != nil {
		return err
	}

	log.Infof("Bye!")
	time.Sleep(250 * time.Millisecond)
	return nil
}

// staticDirIfPresent serves ./public at / when the directory exists, the
// optional static-asset surface.
func staticDirIfPresent() string {
	if fi, err := os.Stat("./public"); err == nil && fi.IsDir() {
		return "./public"
	}
	return ""
}
