//go:build !windows

package main

import (
	"os"
	"syscall"
)

// getShutdownSignals returns the signals that stop the bridge on Unix systems
func getShutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

// getReloadSignals returns the signals that trigger a config reload
func getReloadSignals() []os.Signal {
	return []os.Signal{syscall.SIGHUP}
}
