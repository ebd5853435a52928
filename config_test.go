// Copyright (c) 2024 The gameindexer developers
// See LICENSE for details.

package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
)

var tempConfigFile *os.File
var tempAppDataDir string

func TestMain(m *testing.M) {
	// Temp config file is used to ensure there are no external influences
	// from previously set env variables or default config files.
	tempConfigFile, _ = os.CreateTemp("", "gameindexer_test_file.cfg")
	defer os.Remove(tempConfigFile.Name())
	os.Setenv("GAMEINDEXER_CONFIG_FILE", tempConfigFile.Name())

	// Make an empty folder for appdata tests.
	tempAppDataDir, _ = os.MkdirTemp("", "gameindexer_test_appdata")
	defer os.RemoveAll(tempAppDataDir)

	// Parse the -test.* flags before removing them from the command line
	// arguments list, which we do to allow go-flags to succeed.
	flag.Parse()
	os.Args = os.Args[:1]
	// Run the tests now that the testing package flags have been parsed.
	code := m.Run()
	os.Unsetenv("GAMEINDEXER_CONFIG_FILE")
	os.Exit(code)
}

// disableConfigFileEnv checks if the GAMEINDEXER_CONFIG_FILE environment
// variable is set, unsets it, and returns a function that will return
// GAMEINDEXER_CONFIG_FILE to its state before calling disableConfigFileEnv.
func disableConfigFileEnv() func() {
	loc, wasSet := os.LookupEnv("GAMEINDEXER_CONFIG_FILE")
	if wasSet {
		os.Unsetenv("GAMEINDEXER_CONFIG_FILE")
		return func() { os.Setenv("GAMEINDEXER_CONFIG_FILE", loc) }
	}
	return func() {}
}

func TestLoadCustomConfigPresent(t *testing.T) {
	// Load using the empty config file set via environment variable in
	// TestMain. Since the file exists, it should not cause an error.
	_, err := loadConfig()
	if err != nil {
		t.Fatalf("Failed to load gameindexer config: %v", err)
	}
}

func TestLoadDefaultConfigMissing(t *testing.T) {
	restoreConfigFileLoc := disableConfigFileEnv()
	defer restoreConfigFileLoc()

	os.Setenv("GAMEINDEXER_APPDATA_DIR", tempAppDataDir)
	defer os.Unsetenv("GAMEINDEXER_APPDATA_DIR")

	// Load using the empty appdata directory (with no config file). Since
	// this is the default config file, it should not cause an error.
	_, err := loadConfig()
	if err != nil {
		t.Fatalf("Failed to load gameindexer config: %v", err)
	}
}

func TestLoadCustomConfigMissing(t *testing.T) {
	restoreConfigFileLoc := disableConfigFileEnv()
	defer restoreConfigFileLoc()

	// Set a path to a non-existent config file. Use CreateTemp followed by
	// Remove to guarantee the file does not exist.
	goneFile, _ := os.CreateTemp("", "blah")
	os.Remove(goneFile.Name())
	os.Setenv("GAMEINDEXER_CONFIG_FILE", goneFile.Name())
	defer os.Unsetenv("GAMEINDEXER_CONFIG_FILE")

	_, err := loadConfig()
	if err == nil {
		t.Errorf("Loaded gameindexer config, but the explicitly set config file "+
			"%s does not exist.", goneFile.Name())
	}
}

func TestDefaultConfigListen(t *testing.T) {
	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("Failed to load gameindexer config: %v", err)
	}

	if cfg.Listen != "0.0.0.0:"+defaultPort {
		t.Errorf("Expected listen address %s, got %s", "0.0.0.0:"+defaultPort, cfg.Listen)
	}
}

func TestDefaultConfigListenWithEnv(t *testing.T) {
	customListen := "0.0.0.0:7777"
	os.Setenv("GAMEINDEXER_LISTEN_URL", customListen)
	defer os.Unsetenv("GAMEINDEXER_LISTEN_URL")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("Failed to load gameindexer config: %v", err)
	}

	if cfg.Listen != customListen {
		t.Errorf("Expected listen address %s, got %s", customListen, cfg.Listen)
	}
}

func TestCustomHomeDirWithEnv(t *testing.T) {
	restoreConfigFileLoc := disableConfigFileEnv()
	defer restoreConfigFileLoc()

	os.Setenv("GAMEINDEXER_APPDATA_DIR", tempAppDataDir)
	defer os.Unsetenv("GAMEINDEXER_APPDATA_DIR")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("Failed to load gameindexer config: %v", err)
	}

	if cfg.HomeDir != tempAppDataDir {
		t.Errorf("Expected appdata directory %s, got %s", tempAppDataDir, cfg.HomeDir)
	}
}

func TestDefaultConfigWindowSize(t *testing.T) {
	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("Failed to load gameindexer config: %v", err)
	}

	if cfg.WindowSize != defaultWindowSize {
		t.Errorf("Expected window size %d, got %d", defaultWindowSize, cfg.WindowSize)
	}
}

func TestRelayEnabledRequiresKey(t *testing.T) {
	os.Args = append(os.Args, "--relay")
	defer func() { os.Args = os.Args[:len(os.Args)-1] }()

	_, err := loadConfig()
	if err == nil {
		t.Errorf("Expected error enabling relay without a relay key")
	}
}

func TestDefaultConfigHomeDirWithEnvAndFlag(t *testing.T) {
	cliOverride, err := os.MkdirTemp("", "gameindexer_test_appdata2")
	if err != nil {
		t.Fatalf("Unable to create temporary folder: %v", err)
	}
	defer os.RemoveAll(cliOverride)
	os.Args = append(os.Args, "--appdata="+cliOverride)
	defer func() { os.Args = os.Args[:len(os.Args)-1] }()

	os.Setenv("GAMEINDEXER_APPDATA_DIR", cliOverride)
	defer os.Unsetenv("GAMEINDEXER_APPDATA_DIR")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("Failed to load gameindexer config: %v", err)
	}

	if cfg.HomeDir != cliOverride {
		t.Errorf("Expected appdata directory %s, got %s", cliOverride, cfg.HomeDir)
	}
}

func TestDefaultConfigAppDataDir(t *testing.T) {
	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("Failed to load gameindexer config: %v", err)
	}
	if cfg.HomeDir == "" {
		t.Errorf("Expected non-empty default appdata directory")
	}
	if filepath.Base(cfg.HomeDir) == "" {
		t.Errorf("Expected valid appdata directory, got %s", cfg.HomeDir)
	}
}
