//go:build !windows

package agent

import (
	"os/exec"
	"syscall"
	"time"
)

// killOnCancel starts cmd in its own process group and makes cancellation
// signal the whole group: SIGTERM, then SIGKILL after grace.
func killOnCancel(cmd *exec.Cmd, grace time.Duration) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		pgid := -cmd.Process.Pid
		if grace <= 0 {
			return syscall.Kill(pgid, syscall.SIGKILL)
		}
		if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
			return syscall.Kill(pgid, syscall.SIGKILL)
		}
		go func() {
			time.Sleep(grace)
			// The group may already be gone; ESRCH is fine.
			_ = syscall.Kill(pgid, syscall.SIGKILL)
		}()
		return nil
	}
}
