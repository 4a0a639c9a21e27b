//go:build windows

package agent

import (
	"os/exec"
	"time"
)

// killOnCancel kills only the step process on Windows, where process
// groups and SIGTERM are not available.
func killOnCancel(cmd *exec.Cmd, _ time.Duration) {
	cmd.Cancel = func() error {
		return cmd.Process.Kill()
	}
}
