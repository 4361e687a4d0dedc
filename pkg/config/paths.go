package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// AppName is the directory name used below every XDG base directory.
const AppName = "freckles"

// ProfileExtension is the file extension of context profiles.
const ProfileExtension = ".context"

// Paths holds the filesystem locations used by freckles.
type Paths struct {
	// ConfigDir holds *.context profiles and user policies.
	ConfigDir string `json:"config_dir" validate:"required"`

	// DataDir holds user frecklets, runs and the run history database.
	DataDir string `json:"data_dir" validate:"required"`

	// CacheDir holds fetched remote repositories.
	CacheDir string `json:"cache_dir" validate:"required"`
}

// DefaultPaths resolves the XDG base directories, falling back to the
// locations below the home directory.
func DefaultPaths() Paths {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return Paths{
		ConfigDir: filepath.Join(xdg("XDG_CONFIG_HOME", filepath.Join(home, ".config")), AppName),
		DataDir:   filepath.Join(xdg("XDG_DATA_HOME", filepath.Join(home, ".local", "share")), AppName),
		CacheDir:  filepath.Join(xdg("XDG_CACHE_HOME", filepath.Join(home, ".cache")), AppName),
	}
}

// PathsIn returns paths rooted below a single directory.
func PathsIn(root string) Paths {
	return Paths{
		ConfigDir: filepath.Join(root, "config"),
		DataDir:   filepath.Join(root, "data"),
		CacheDir:  filepath.Join(root, "cache"),
	}
}

func xdg(env, fallback string) string {
	if v := os.Getenv(env); v != "" && filepath.IsAbs(v) {
		return v
	}
	return fallback
}

// ShareDir holds runs.log and its lock file.
func (p Paths) ShareDir() string { return p.DataDir }

// RunsLog is the global run lifecycle CSV.
func (p Paths) RunsLog() string { return filepath.Join(p.ShareDir(), "runs.log") }

// LockFile guards runs.log and the current run symlink.
func (p Paths) LockFile() string { return filepath.Join(p.ShareDir(), ".lock") }

// RunFolder is the default parent of run environment directories.
func (p Paths) RunFolder() string { return filepath.Join(p.DataDir, "runs", "archive") }

// CurrentRun is the default location of the current run symlink.
func (p Paths) CurrentRun() string { return filepath.Join(p.DataDir, "runs", "current") }

// UserFrecklets is the folder behind the `user` repo alias.
func (p Paths) UserFrecklets() string { return filepath.Join(p.DataDir, "frecklets") }

// RepoCache holds checkouts of remote repositories.
func (p Paths) RepoCache() string { return filepath.Join(p.CacheDir, "repos") }

// FreshnessDB stores when remote repositories were last fetched.
func (p Paths) FreshnessDB() string { return filepath.Join(p.CacheDir, "repos.solo") }

// HistoryDB is the run history database.
func (p Paths) HistoryDB() string { return filepath.Join(p.DataDir, "history.db") }

// Policies holds user supplied rego policies.
func (p Paths) Policies() string { return filepath.Join(p.ConfigDir, "policies") }

// Profile returns the file of a named context profile.
func (p Paths) Profile(name string) string {
	return filepath.Join(p.ConfigDir, name+ProfileExtension)
}

// EnsureDirs creates the base directories.
func (p Paths) EnsureDirs() error {
	for _, dir := range []string{p.ConfigDir, p.DataDir, p.CacheDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
