// Copyright (c) 2024 The gameindexer developers
// See LICENSE for details.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"

	"github.com/gameindexer/gameindexer/aggregator"
	"github.com/gameindexer/gameindexer/chain"
	"github.com/gameindexer/gameindexer/emulator"
	"github.com/gameindexer/gameindexer/framepipeline"
	"github.com/gameindexer/gameindexer/hub"
	"github.com/gameindexer/gameindexer/relay"
	"github.com/gameindexer/gameindexer/supervisor"
)

// logRotator serializes the writes to the log file across the subsystems,
// rotating it when it grows past a size threshold. It is nil until
// initLogRotator is called.
var logRotator *rotator.Rotator

// backendLog is the logging backend used to create all subsystem loggers.
var backendLog = slog.NewBackend(logWriter{})

// logWriter implements io.Writer so that subsystem loggers write to both
// standard output and, once configured, the rotating log file.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}
	return len(p), nil
}

// subsystemLoggers maps each subsystem's short code (used in -debuglevel) to
// its logger. Each package receives its logger through its own UseLogger.
var subsystemLoggers = map[string]slog.Logger{
	"CHNC": backendLog.Logger("CHNC"), // chain client
	"AGGR": backendLog.Logger("AGGR"), // vote aggregator
	"EMUD": backendLog.Logger("EMUD"), // emulator driver
	"FRPL": backendLog.Logger("FRPL"), // frame pipeline
	"HUBF": backendLog.Logger("HUBF"), // fan-out hub
	"RLAY": backendLog.Logger("RLAY"), // relay
	"SPVR": backendLog.Logger("SPVR"), // supervisor
}

var log = subsystemLoggers["SPVR"]

// initLogRotator initializes the logging rotator to write logs to logFile and
// create roll files in the same directory. It must be called before output
// from the standard log package or any of the subsystem loggers is printed.
func initLogRotator(logFile string) error {
	logDir, _ := filepath.Split(logFile)
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o700); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}
	logRotator = r
	return nil
}

// setLogLevels sets the logging level for every subsystem logger, returning
// false (and logging nothing) if the specified level is invalid.
func setLogLevels(levelStr string) bool {
	level, ok := slog.LevelFromString(levelStr)
	if !ok {
		return false
	}
	for _, l := range subsystemLoggers {
		l.SetLevel(level)
	}
	return true
}

// parseAndSetDebugLevels parses the supplied debug level string, which can
// either be a single level applied to all subsystems (e.g. "info") or a
// comma-separated list of subsystem=level pairs (e.g. "CHNC=debug,AGGR=trace").
func parseAndSetDebugLevels(debugLevel string) error {
	if debugLevel == "" {
		return fmt.Errorf("empty debug level string")
	}

	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		if !setLogLevels(debugLevel) {
			return fmt.Errorf("invalid debug level %q", debugLevel)
		}
		return nil
	}

	for _, entry := range strings.Split(debugLevel, ",") {
		parts := strings.Split(entry, "=")
		if len(parts) != 2 {
			return fmt.Errorf("invalid debug level entry %q", entry)
		}
		subsysID, level := parts[0], parts[1]
		logger, ok := subsystemLoggers[subsysID]
		if !ok {
			return fmt.Errorf("unknown subsystem %q", subsysID)
		}
		lvl, ok := slog.LevelFromString(level)
		if !ok {
			return fmt.Errorf("invalid debug level %q for subsystem %s", level, subsysID)
		}
		logger.SetLevel(lvl)
	}
	return nil
}

// wireSubsystemLoggers installs the backend-created loggers into each
// package's own log var via its UseLogger function.
func wireSubsystemLoggers() {
	chain.UseLogger(subsystemLoggers["CHNC"])
	aggregator.UseLogger(subsystemLoggers["AGGR"])
	emulator.UseLogger(subsystemLoggers["EMUD"])
	framepipeline.UseLogger(subsystemLoggers["FRPL"])
	hub.UseLogger(subsystemLoggers["HUBF"])
	relay.UseLogger(subsystemLoggers["RLAY"])
	supervisor.UseLogger(subsystemLoggers["SPVR"])
}
