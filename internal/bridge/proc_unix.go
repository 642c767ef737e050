//go:build unix

package bridge

import (
	"os/exec"
	"syscall"
	"time"
)

// setProcessGroup gives the worker its own process group so terminate can
// reach any helpers it forks.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminate sends SIGTERM to the worker's process group, waits up to grace,
// then SIGKILLs the group. A zero grace kills immediately.
func terminate(cmd *exec.Cmd, exited <-chan struct{}, grace time.Duration) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid

	if grace > 0 {
		if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
			// Already gone.
			_ = cmd.Process.Kill()
			waitExit(exited, grace)
			return
		}
		if waitExit(exited, grace) {
			return
		}
	}

	_ = syscall.Kill(-pgid, syscall.SIGKILL)
	_ = cmd.Process.Kill()
	waitExit(exited, defaultKillGrace)
}

func waitExit(exited <-chan struct{}, d time.Duration) bool {
	if exited == nil {
		return true
	}
	select {
	case <-exited:
		return true
	case <-time.After(d):
		return false
	}
}
