//go:build !unix

package bridge

import (
	"os/exec"
	"time"
)

func setProcessGroup(*exec.Cmd) {}

func terminate(cmd *exec.Cmd, exited <-chan struct{}, grace time.Duration) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
	if exited == nil {
		return
	}
	if grace <= 0 {
		grace = defaultKillGrace
	}
	select {
	case <-exited:
	case <-time.After(grace):
	}
}
