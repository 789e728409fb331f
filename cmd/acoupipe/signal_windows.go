//go:build windows

package main

import (
	"os"
	"os/signal"
)

// notifySignals registers the interrupt signals that stop a generation run.
// On Windows, only os.Interrupt (Ctrl+C) is supported; SIGTERM does not exist.
func notifySignals(ch chan<- os.Signal) {
	signal.Notify(ch, os.Interrupt)
}

func stopSignals(ch chan<- os.Signal) {
	signal.Stop(ch)
}
