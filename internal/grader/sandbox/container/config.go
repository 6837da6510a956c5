package container

import (
	"fmt"
	"time"

	"github.com/google/shlex"
)

const (
	inspectTimeout = 15 * time.Second
	copyOutTimeout = 60 * time.Second
	destroyTimeout = 30 * time.Second
	reapTimeout    = 10 * time.Second

	defaultStartTimeout  = 2 * time.Minute
	defaultCopyInTimeout = 2 * time.Minute
	defaultSettleDelay   = 500 * time.Millisecond

	// ManagedLabel marks every environment created by this package.
	ManagedLabel = "autograde.managed"
	handleLabel  = "autograde.handle"
)

// Config controls how environments are created.
type Config struct {
	// Binary is the engine CLI argv prefix, e.g. ["docker"] or ["sudo", "-n", "docker"].
	Binary []string
	// WorkRoot holds one host scratch directory per handle.
	WorkRoot string
	// ScratchMount is where the scratch directory appears inside the environment.
	ScratchMount string
	// WorkDir is the environment working directory.
	WorkDir string
	// Network is passed as --network when set.
	Network string
	// KeepAlive is the long-running command that keeps the environment up between execs.
	KeepAlive []string
	// SettleDelay is waited after creation before the cache home is initialized.
	SettleDelay   time.Duration
	StartTimeout  time.Duration
	CopyInTimeout time.Duration
}

// ParseBinary splits an engine command line such as "sudo -n docker".
func ParseBinary(raw string) ([]string, error) {
	if raw == "" {
		return []string{"docker"}, nil
	}
	parts, err := shlex.Split(raw)
	if err != nil {
		return nil, fmt.Errorf("parse engine binary %q: %w", raw, err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("engine binary is empty")
	}
	return parts, nil
}

func (c *Config) applyDefaults() {
	if len(c.Binary) == 0 {
		c.Binary = []string{"docker"}
	}
	if c.ScratchMount == "" {
		c.ScratchMount = "/scratch"
	}
	if c.WorkDir == "" {
		c.WorkDir = "/workspace"
	}
	if len(c.KeepAlive) == 0 {
		c.KeepAlive = []string{"sleep", "infinity"}
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	} else if c.SettleDelay == 0 {
		c.SettleDelay = defaultSettleDelay
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = defaultStartTimeout
	}
	if c.CopyInTimeout <= 0 {
		c.CopyInTimeout = defaultCopyInTimeout
	}
}
