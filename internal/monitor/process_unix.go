//go:build !windows

package monitor

import (
	"errors"
	"os"
	"syscall"
)

// processAlive sends the null signal to the PID. Permission denied means the
// process exists under another uid; no-such-process means it is gone.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	if errors.Is(err, syscall.EPERM) {
		return true
	}
	return false
}

// terminateProcess sends SIGTERM for graceful shutdown.
func terminateProcess(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.SIGTERM)
}

// forceKillProcess sends SIGKILL, which cannot be caught or ignored.
func forceKillProcess(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.SIGKILL)
}
