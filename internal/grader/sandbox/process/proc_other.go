//go:build !unix

package process

import "os/exec"

func setProcessGroup(c *exec.Cmd) {}

// Without process groups only the direct child can be killed.
func killProcessGroup(c *exec.Cmd) {
	if c.Process == nil {
		return
	}
	_ = c.Process.Kill()
}
