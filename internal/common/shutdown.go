package common

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// ContextWithShutdown returns a context that reports done once SIGTERM or
// SIGINT is received. In-flight work is expected to run to completion before
// the caller exits; nothing here forces a hard stop.
func ContextWithShutdown() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-c:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}
