//go:build windows

package monitor

import "os"

// processAlive reports whether the PID maps to a live process. Windows has
// no null signal; FindProcess succeeding is the closest equivalent.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	defer func() { _ = proc.Release() }()
	return true
}

// terminateProcess has no graceful signal on Windows; Kill is the only
// termination primitive.
func terminateProcess(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}

func forceKillProcess(pid int) error {
	return terminateProcess(pid)
}
