//go:build unix && !linux

package process

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func setProcessGroup(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcessGroup(c *exec.Cmd) {
	if c.Process == nil || c.Process.Pid <= 0 {
		return
	}
	_ = unix.Kill(-c.Process.Pid, unix.SIGKILL)
}
