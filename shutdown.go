// Copyright (c) 2024 The gameindexer developers
// See LICENSE for details.

package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// shutdownRequestChan is used to request shutdown from short-lived goroutines
// (e.g. a failed HTTP listener) without importing the main package's signal
// handling elsewhere.
var shutdownRequestChan = make(chan struct{})

var shutdownOnce sync.Once

// requestShutdown signals for a graceful shutdown, same as receiving SIGINT
// or SIGTERM. It is safe to call more than once or concurrently.
func requestShutdown() {
	shutdownOnce.Do(func() { close(shutdownRequestChan) })
}

// withShutdownCancel returns a copy of ctx that is cancelled when either an
// interrupt signal (SIGINT/SIGTERM) is received or requestShutdown is called.
func withShutdownCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		<-shutdownRequestChan
		cancel()
	}()
	return ctx
}

// shutdownListener listens for SIGINT and SIGTERM and translates either into
// a call to requestShutdown, logging the signal received. It blocks until
// requestShutdown fires, including from a source other than an OS signal, so
// launch it as a goroutine.
func shutdownListener() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infof("Received signal (%s). Shutting down...", sig)
		requestShutdown()
	case <-shutdownRequestChan:
	}
}
