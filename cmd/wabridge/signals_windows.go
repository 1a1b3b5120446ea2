//go:build windows

package main

import (
	"os"
	"syscall"
)

func getShutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

// Windows has no SIGHUP; use the config watcher instead.
func getReloadSignals() []os.Signal {
	return nil
}
