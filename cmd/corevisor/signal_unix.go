//go:build !windows

package main

import (
	"os"
	"os/signal"
	"syscall"
)

// notifyDaemonSignals registers shutdown signals and SIGHUP for reload.
func notifyDaemonSignals(ch chan<- os.Signal) {
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
}

func isReloadSignal(sig os.Signal) bool {
	return sig == syscall.SIGHUP
}
