//go:build windows

package main

import (
	"os"
	"os/signal"
)

// notifyDaemonSignals registers shutdown signals. Windows has no reload signal.
func notifyDaemonSignals(ch chan<- os.Signal) {
	signal.Notify(ch, os.Interrupt)
}

func isReloadSignal(os.Signal) bool {
	return false
}
