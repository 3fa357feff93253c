//go:build !windows

package cli

import (
	"os"
	"os/signal"
	"syscall"
)

// notifySchemaReload returns a channel that receives SIGUSR1, which asks a
// running server to re-read the destination schema.
func notifySchemaReload() <-chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	return ch
}
