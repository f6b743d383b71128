package logs

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const appDirName = "mcp-proxy"

// ResolveLogDir returns the directory for log files. An explicit
// configured directory wins. Otherwise a service-appropriate default is
// chosen: /var/log/mcp-proxy when running as root on Linux,
// $XDG_STATE_HOME/mcp-proxy/logs when set, else ~/.mcp-proxy/logs.
func ResolveLogDir(configured string) (string, error) {
	if configured != "" {
		return expandTilde(configured)
	}

	if runtime.GOOS == "linux" && os.Geteuid() == 0 {
		return filepath.Join("/var/log", appDirName), nil
	}

	if stateHome := os.Getenv("XDG_STATE_HOME"); stateHome != "" {
		return filepath.Join(stateHome, appDirName, "logs"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, "."+appDirName, "logs"), nil
}

// EnsureLogDir creates the log directory if it does not exist.
func EnsureLogDir(dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}
	return nil
}

// LogFilePath resolves a log filename inside the configured (or
// default) log directory, creating the directory as needed.
func LogFilePath(configuredDir, filename string) (string, error) {
	dir, err := ResolveLogDir(configuredDir)
	if err != nil {
		return "", err
	}
	if err := EnsureLogDir(dir); err != nil {
		return "", err
	}
	return filepath.Join(dir, filename), nil
}

func expandTilde(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to expand ~ in path %s: %w", path, err)
		}
		if path == "~" {
			return home, nil
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}
