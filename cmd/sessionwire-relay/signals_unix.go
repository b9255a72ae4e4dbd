//go:build !windows

package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"syscall"
)

func notifySignals() []os.Signal {
	return []os.Signal{
		os.Interrupt,
		syscall.SIGTERM,
		syscall.SIGUSR1,
		syscall.SIGUSR2,
	}
}

func printSignalHelp(w io.Writer) {
	fmt.Fprintln(w, "Signals:")
	fmt.Fprintln(w, "  SIGUSR1: enable metrics (requires --metrics-listen)")
	fmt.Fprintln(w, "  SIGUSR2: disable metrics")
}

// handleSignal returns true if the signal was handled and the server should keep running.
func handleSignal(sig os.Signal, logger *slog.Logger, metrics *metricsController) bool {
	switch sig {
	case syscall.SIGUSR1:
		if metrics == nil {
			logger.Warn("metrics server disabled (missing --metrics-listen)")
			return true
		}
		metrics.Enable()
		logger.Info("metrics enabled")
		return true
	case syscall.SIGUSR2:
		if metrics != nil {
			metrics.Disable()
			logger.Info("metrics disabled")
		}
		return true
	default:
		return false
	}
}
