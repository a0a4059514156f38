//go:build windows

package execrt

import "os/exec"

func setDetached(_ *exec.Cmd) {}
