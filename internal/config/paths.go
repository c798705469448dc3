// Package config provides configuration management for vmkit.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Paths holds platform-specific directory paths for vmkit.
type Paths struct {
	// ConfigDir is the directory for configuration files.
	// macOS: ~/Library/Application Support/VMKit
	// Linux: ~/.config/vmkit (or XDG_CONFIG_HOME)
	ConfigDir string

	// DataDir is the default home for VM specs, disks and history.
	// All platforms: ~/.vmkit
	DataDir string
}

// GetPaths returns platform-aware paths for vmkit.
func GetPaths() (*Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	p := &Paths{DataDir: filepath.Join(home, ".vmkit")}

	switch runtime.GOOS {
	case "darwin":
		p.ConfigDir = filepath.Join(home, "Library", "Application Support", "VMKit")
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			p.ConfigDir = filepath.Join(xdgConfig, "vmkit")
		} else {
			p.ConfigDir = filepath.Join(home, ".config", "vmkit")
		}
	}
	return p, nil
}

// VMDir returns the directory that holds the files of the named VM.
func (p *Paths) VMDir(name string) string {
	return filepath.Join(p.DataDir, name)
}

// EnsureDirectories creates the config and data directories if they don't exist.
func (p *Paths) EnsureDirectories() error {
	if err := os.MkdirAll(p.ConfigDir, 0o755); err != nil {
		return err
	}
	return os.MkdirAll(p.DataDir, 0o755)
}
