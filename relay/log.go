package relay

import "github.com/decred/slog"

var log = slog.Disabled

// UseLogger sets the package-wide logger. It should be called before any
// other function in this package.
func UseLogger(logger slog.Logger) {
	log = logger
}
