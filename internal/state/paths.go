// Package state centralizes filesystem locations for connection-bridge
// runtime artifacts: the per-session JSONL logs sessionlog writes and the
// on-disk whitelist cache the whitelist package refreshes daily.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// StateDirEnv overrides the default runtime state root.
	StateDirEnv = "CONNECTION_BRIDGE_STATE_DIR"

	xdgStateHomeEnv = "XDG_STATE_HOME"
	appName         = "connection-bridge"
)

// RootDir returns the runtime state root.
// Resolution order:
//  1. CONNECTION_BRIDGE_STATE_DIR (if set)
//  2. XDG_STATE_HOME/connection-bridge (if XDG_STATE_HOME is set)
//  3. os.UserConfigDir()/connection-bridge (cross-platform fallback)
func RootDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv(StateDirEnv)); override != "" {
		return normalizePath(override)
	}

	if xdg := strings.TrimSpace(os.Getenv(xdgStateHomeEnv)); xdg != "" {
		root, err := normalizePath(xdg)
		if err != nil {
			return "", err
		}
		return filepath.Join(root, appName), nil
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine user config directory: %w", err)
	}
	root, err := normalizePath(configDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, appName), nil
}

// LogsDir returns the directory sessionlog creates one JSONL file per
// session under.
func LogsDir() (string, error) {
	return InRoot("logs")
}

// WhitelistCacheFile returns the on-disk path the whitelist package
// persists its last-fetched suffix set to, so a restart can serve stale
// entries until the next successful refresh.
func WhitelistCacheFile() (string, error) {
	return InRoot("whitelist.json")
}

// InRoot returns a path rooted under RootDir with additional path elements.
func InRoot(parts ...string) (string, error) {
	root, err := RootDir()
	if err != nil {
		return "", err
	}
	all := make([]string, 0, len(parts)+1)
	all = append(all, root)
	all = append(all, parts...)
	return filepath.Join(all...), nil
}

func normalizePath(path string) (string, error) {
	if path == "" {
		return "", errors.New("empty path")
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path), nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("cannot resolve path %q: %w", path, err)
	}
	return filepath.Clean(absPath), nil
}
