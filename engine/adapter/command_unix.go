//go:build !windows

package adapter

import (
	"os/exec"
	"syscall"
	"time"
)

// configurePlatform puts the formatter into its own process group so that a
// timeout kill reaps the whole tree (npm-style launchers fork children), and
// makes cancellation escalate to SIGKILL after the grace period.
func configurePlatform(cmd *exec.Cmd, killGrace time.Duration) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	if killGrace > 0 {
		cmd.WaitDelay = killGrace
	}
}
