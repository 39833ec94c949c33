//go:build !windows

package procgroup

import (
	"os/exec"
	"syscall"
)

// Detach starts cmd in its own process group. A Ctrl+C in the terminal then
// reaches only the recorder, which flushes and stops its encoders itself.
func Detach(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}
