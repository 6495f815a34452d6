//go:build unix

package stages

import (
	"os/exec"
	"syscall"
)

// detach starts cmd in a new session so it survives the deploying terminal.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
