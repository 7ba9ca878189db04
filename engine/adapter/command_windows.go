//go:build windows

package adapter

import (
	"os/exec"
	"time"
)

func configurePlatform(cmd *exec.Cmd, killGrace time.Duration) {
	if killGrace > 0 {
		cmd.WaitDelay = killGrace
	}
}
