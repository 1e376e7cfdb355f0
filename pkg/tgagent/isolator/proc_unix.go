//go:build !windows

package isolator

import (
	"os/exec"
	"syscall"
)

// isolateProcess puts the worker in its own process group and makes context
// cancellation kill the whole group.
func isolateProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
