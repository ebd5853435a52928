package chain

import "github.com/decred/slog"

// log is the package-wide logger, set via UseLogger. A no-op logger is used
// until the caller installs one.
var log = slog.Disabled

// UseLogger sets the package-wide logger. It should be called before any
// other function in this package.
func UseLogger(logger slog.Logger) {
	log = logger
}
