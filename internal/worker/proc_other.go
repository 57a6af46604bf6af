//go:build !unix

package worker

import (
	"os/exec"
	"syscall"
)

func setProcessGroup(*exec.Cmd) {}

// Without process groups only the engine itself is signalled. Platforms that
// cannot deliver sig get the process killed instead.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	if sig == syscall.SIGKILL {
		return cmd.Process.Kill()
	}
	if err := cmd.Process.Signal(sig); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}
