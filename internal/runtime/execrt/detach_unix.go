//go:build !windows

package execrt

import (
	"os/exec"
	"syscall"
)

// setDetached puts the agent in its own process group so signals aimed at
// the orchestrator do not cascade into running agents.
func setDetached(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
