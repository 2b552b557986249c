package state

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRootDirUsesOverride(t *testing.T) {
	base := t.TempDir()
	override := filepath.Join(base, "..", filepath.Base(base), "custom-state")

	t.Setenv(StateDirEnv, override)
	t.Setenv(xdgStateHomeEnv, "")

	got, err := RootDir()
	if err != nil {
		t.Fatalf("RootDir() error = %v", err)
	}

	want, err := filepath.Abs(override)
	if err != nil {
		t.Fatalf("filepath.Abs(%q) error = %v", override, err)
	}
	want = filepath.Clean(want)

	if got != want {
		t.Fatalf("RootDir() = %q, want %q", got, want)
	}
}

func TestRootDirUsesXDGStateHome(t *testing.T) {
	xdgHome := t.TempDir()

	t.Setenv(StateDirEnv, "")
	t.Setenv(xdgStateHomeEnv, xdgHome)

	got, err := RootDir()
	if err != nil {
		t.Fatalf("RootDir() error = %v", err)
	}

	want := filepath.Join(xdgHome, appName)
	if got != want {
		t.Fatalf("RootDir() = %q, want %q", got, want)
	}
}

func TestRootDirFallsBackToUserConfigDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)
	t.Setenv(StateDirEnv, "")
	t.Setenv(xdgStateHomeEnv, "")

	configDir, err := os.UserConfigDir()
	if err != nil {
		t.Fatalf("os.UserConfigDir() error = %v", err)
	}

	got, err := RootDir()
	if err != nil {
		t.Fatalf("RootDir() error = %v", err)
	}
	if want := filepath.Join(configDir, appName); got != want {
		t.Fatalf("RootDir() = %q, want %q", got, want)
	}
}

func TestRuntimePathsUnderRoot(t *testing.T) {
	root := t.TempDir()
	t.Setenv(StateDirEnv, root)
	t.Setenv(xdgStateHomeEnv, "")

	logsDir, err := LogsDir()
	if err != nil {
		t.Fatalf("LogsDir() error = %v", err)
	}
	if want := filepath.Join(root, "logs"); logsDir != want {
		t.Fatalf("LogsDir() = %q, want %q", logsDir, want)
	}

	cacheFile, err := WhitelistCacheFile()
	if err != nil {
		t.Fatalf("WhitelistCacheFile() error = %v", err)
	}
	if want := filepath.Join(root, "whitelist.json"); cacheFile != want {
		t.Fatalf("WhitelistCacheFile() = %q, want %q", cacheFile, want)
	}

	joined, err := InRoot("a", "b", "c.txt")
	if err != nil {
		t.Fatalf("InRoot() error = %v", err)
	}
	if want := filepath.Join(root, "a", "b", "c.txt"); joined != want {
		t.Fatalf("InRoot() = %q, want %q", joined, want)
	}
}

func TestNormalizePathRejectsEmpty(t *testing.T) {
	if _, err := normalizePath(""); err == nil {
		t.Fatal("normalizePath(\"\") error = nil, want error")
	}
}

func TestNormalizePathResolvesRelative(t *testing.T) {
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("os.Getwd() error = %v", err)
	}
	got, err := normalizePath("relative-sub-dir")
	if err != nil {
		t.Fatalf("normalizePath() error = %v", err)
	}
	want := filepath.Clean(filepath.Join(cwd, "relative-sub-dir"))
	if got != want {
		t.Fatalf("normalizePath() = %q, want %q", got, want)
	}
}
