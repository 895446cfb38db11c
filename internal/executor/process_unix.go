//go:build unix

package executor

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup starts the child in a new process group and makes
// context cancellation SIGKILL the whole group, so helpers forked by the
// simulation die with it.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
