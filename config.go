// Copyright (c) 2024 The gameindexer developers
// See LICENSE for details.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename  = "gameindexer.conf"
	defaultLogFilename     = "gameindexer.log"
	defaultPort            = "3001"
	defaultWindowSize      = 5
	defaultBlockTimeMs     = 400
	defaultMaxCachedVotes  = 100
	defaultMaxCachedAction = 50
	defaultFPS             = 60
	defaultMaxConcurrent   = 8
	defaultDebugLevel      = "info"
	defaultEnvironment     = "development"

	envPrefix = "GAMEINDEXER_"
)

// config defines the configuration options for gameindexer.
//
// See loadConfig for details on the configuration load process.
type config struct {
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	HomeDir    string `long:"appdata" description:"Directory to store data"`
	LogFile    string `long:"logfile" description:"File to write logs to"`
	DebugLevel string `long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} or subsys=level,subsys2=level2"`

	Listen string `long:"listen" description:"Address:port to listen for the HTTP/WebSocket server"`

	Environment string `long:"environment" description:"Deployment environment: development or production"`

	WindowSize  int64 `long:"windowsize" description:"Number of blocks per voting window"`
	BlockTimeMs int   `long:"blocktimems" description:"Expected chain block time, in milliseconds"`

	ChainSubURL      string `long:"chainsuburl" description:"WebSocket JSON-RPC URL for the subscription path"`
	ChainPollURL     string `long:"chainpollurl" description:"HTTP JSON-RPC URL for the polling path"`
	ContractAddress  string `long:"contractaddress" description:"Vote contract address"`
	DelegationAddr   string `long:"delegationaddress" description:"EIP-7702 delegation contract address"`
	ChainID          int64  `long:"chainid" description:"Expected chain ID of the connected node"`

	ROMURL  string `long:"romurl" description:"HTTPS URL to download the ROM from if not present locally"`
	SaveDir string `long:"savedir" description:"Directory to store emulator save state"`

	RelayEnabled bool   `long:"relay" description:"Enable the gasless vote relay HTTP endpoints"`
	RelayKey     string `long:"relaykey" description:"Hex-encoded private key for the relay's submitting wallet"`

	MaxCachedVotes   int `long:"maxcachedvotes" description:"Number of recent votes retained for new-client hydration"`
	MaxCachedActions int `long:"maxcachedactions" description:"Number of recent window results retained for new-client hydration"`

	FPS            int `long:"fps" description:"Emulator frame rate"`
	MaxConcurrency int `long:"maxconcurrency" description:"Max in-flight frame compressions"`

	CPUProfile string `long:"cpuprofile" description:"Write CPU profile to the specified file"`
	UseGops    bool   `long:"gops" description:"Start the gops diagnostic agent"`
}

// defaultConfig returns a config populated with default values, before any
// file, environment, or CLI overrides are applied.
func defaultConfig() config {
	return config{
		ConfigFile:       defaultHomeDir(),
		HomeDir:          defaultHomeDir(),
		LogFile:          filepath.Join(defaultHomeDir(), defaultLogFilename),
		DebugLevel:       defaultDebugLevel,
		Listen:           "0.0.0.0:" + defaultPort,
		Environment:      defaultEnvironment,
		WindowSize:       defaultWindowSize,
		BlockTimeMs:      defaultBlockTimeMs,
		SaveDir:          filepath.Join(defaultHomeDir(), "save"),
		MaxCachedVotes:   defaultMaxCachedVotes,
		MaxCachedActions: defaultMaxCachedAction,
		FPS:              defaultFPS,
		MaxConcurrency:   defaultMaxConcurrent,
	}
}

// defaultHomeDir returns the default application data directory.
func defaultHomeDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".gameindexer")
	}
	return "."
}

// applyEnvOverrides sets cfg fields from GAMEINDEXER_* environment variables
// where present. Env overrides defaults; the config file and CLI flags
// override env.
func applyEnvOverrides(cfg *config) error {
	if v, ok := os.LookupEnv(envPrefix + "APPDATA_DIR"); ok {
		cfg.HomeDir = v
	}
	if v, ok := os.LookupEnv(envPrefix + "CONFIG_FILE"); ok {
		cfg.ConfigFile = v
	}
	if v, ok := os.LookupEnv(envPrefix + "LISTEN_URL"); ok {
		cfg.Listen = v
	}
	if v, ok := os.LookupEnv(envPrefix + "RELAY"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid boolean for %sRELAY: %w", envPrefix, err)
		}
		cfg.RelayEnabled = enabled
	}
	return nil
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane defaults
//  2. Apply environment variable overrides
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func loadConfig() (*config, error) {
	cfg := defaultConfig()

	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default)
	if _, err := preParser.Parse(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			os.Exit(0)
		}
	}

	defaultConfigFile := cfg.ConfigFile
	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	if preCfg.ConfigFile != defaultConfigFile {
		cfg.ConfigFile = preCfg.ConfigFile
	}
	var explicitConfigFile string
	if cfg.ConfigFile != defaultConfigFile {
		explicitConfigFile = cfg.ConfigFile
	}

	configFilePath := cfg.ConfigFile
	if configFilePath == cfg.HomeDir {
		configFilePath = filepath.Join(cfg.HomeDir, defaultConfigFilename)
		cfg.ConfigFile = configFilePath
	}

	parser := flags.NewParser(&cfg, flags.Default)
	if err := flags.NewIniParser(parser).ParseFile(configFilePath); err != nil {
		if _, ok := err.(*os.PathError); !ok {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		if explicitlySet(configFilePath, explicitConfigFile) {
			return nil, fmt.Errorf("specified config file %s does not exist", configFilePath)
		}
	}

	if _, err := parser.Parse(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			os.Exit(0)
		}
		return nil, err
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// explicitlySet reports whether the configured path was explicitly requested
// (as opposed to being the synthesized default under HomeDir).
func explicitlySet(configured, explicit string) bool {
	return explicit != "" && explicit == configured
}

func validateConfig(cfg *config) error {
	if cfg.WindowSize < 1 {
		return fmt.Errorf("windowsize must be >= 1, got %d", cfg.WindowSize)
	}
	if cfg.MaxCachedVotes < 1 || cfg.MaxCachedActions < 1 {
		return fmt.Errorf("cache sizes must be positive")
	}
	if cfg.Environment != "development" && cfg.Environment != "production" {
		return fmt.Errorf("environment must be development or production, got %q", cfg.Environment)
	}
	if cfg.RelayEnabled && cfg.RelayKey == "" {
		return fmt.Errorf("relay enabled but no relaykey configured")
	}
	return nil
}
