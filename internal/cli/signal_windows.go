//go:build windows

package cli

import (
	"os"
)

// notifySchemaReload returns a channel that never receives (SIGUSR1 is not available on Windows).
func notifySchemaReload() <-chan os.Signal {
	return make(chan os.Signal)
}
