//go:build windows

package isolator

import "os/exec"

// isolateProcess kills only the worker itself; Windows has no process groups
// reachable through os/exec.
func isolateProcess(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}
}
