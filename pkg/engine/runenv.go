package engine

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/freckles-io/freckles/pkg/ferr"
	"github.com/freckles-io/freckles/pkg/fslock"
)

// Names of files inside a run directory.
const (
	RunLogFile     = "run_log.json"
	MetricsFile    = "metrics.prom"
	RunTimeFormat  = "060102_150405"
	defaultEnvBase = "run"
)

// RunEnv describes the run directory of one batch.
type RunEnv struct {
	// RunID identifies the batch.
	RunID string `json:"run_id"`

	// Dir is the run directory.
	Dir string `json:"env_dir"`

	// Adapter is the adapter the directory was created for.
	Adapter string `json:"adapter"`

	// RunLog is the path of run_log.json.
	RunLog string `json:"run_log"`

	// Metrics is the path of metrics.prom.
	Metrics string `json:"metrics"`

	// Created is the UTC creation time.
	Created time.Time `json:"created"`
}

// Path returns a path inside the run directory.
func (e *RunEnv) Path(elem ...string) string {
	return filepath.Join(append([]string{e.Dir}, elem...)...)
}

// EnvConfig configures run directory creation.
type EnvConfig struct {
	// RunFolder is the parent of all run directories.
	RunFolder string `validate:"required"`

	// CurrentRun is the symlink pointing at the latest run, empty to skip.
	CurrentRun string

	// ShareDir holds runs.log and the lock file.
	ShareDir string `validate:"required"`

	// Base is the directory name prefix, "run" when empty.
	Base string

	// AddAdapterName appends _<adapter> to the directory name.
	AddAdapterName bool

	// AddTimestamp appends _<YYMMDD_HHMMSS> in UTC to the directory name.
	AddTimestamp bool
}

// EnvManager creates run directories and maintains the current run link
// and the runs.log file.
type EnvManager struct {
	cfg EnvConfig
	now func() time.Time

	mu      sync.Mutex
	created map[string]bool
}

// NewEnvManager creates a manager for cfg.
func NewEnvManager(cfg EnvConfig) *EnvManager {
	if cfg.Base == "" {
		cfg.Base = defaultEnvBase
	}
	return &EnvManager{
		cfg:     cfg,
		now:     time.Now,
		created: make(map[string]bool),
	}
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func (m *EnvManager) lockPath() string {
	return filepath.Join(m.cfg.ShareDir, ".lock")
}

// RunsLogPath returns the runs.log location.
func (m *EnvManager) RunsLogPath() string {
	return filepath.Join(m.cfg.ShareDir, "runs.log")
}

// DirName returns the directory name for adapter at time t.
func (m *EnvManager) DirName(adapter string, t time.Time) string {
	name := m.cfg.Base
	if m.cfg.AddAdapterName && adapter != "" {
		name += "_" + adapter
	}
	if m.cfg.AddTimestamp {
		name += "_" + t.UTC().Format(RunTimeFormat)
	}
	return unsafeNameChars.ReplaceAllString(name, "_")
}

// Create makes a fresh run directory and points the current run link at
// it. An existing directory is an error unless force is set. Directories
// created earlier by this manager get a numeric suffix instead, so batches
// of one run never share a directory.
func (m *EnvManager) Create(ctx context.Context, runID, adapter string, force bool) (*RunEnv, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	created := m.now().UTC()
	dir := filepath.Join(m.cfg.RunFolder, m.DirName(adapter, created))
	for i := 2; m.created[dir]; i++ {
		dir = filepath.Join(m.cfg.RunFolder, fmt.Sprintf("%s_%d", m.DirName(adapter, created), i))
	}

	if _, err := os.Stat(dir); err == nil {
		if !force {
			return nil, ferr.NewConfigError(fmt.Sprintf("run directory '%s' already exists", dir), nil).
				WithPath(dir).
				WithSolution("remove the directory, use --force or enable add_timestamp_to_run_folder")
		}
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("failed to remove run directory: %w", err)
		}
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}
	m.created[dir] = true

	env := &RunEnv{
		RunID:   runID,
		Dir:     dir,
		Adapter: adapter,
		RunLog:  filepath.Join(dir, RunLogFile),
		Metrics: filepath.Join(dir, MetricsFile),
		Created: created,
	}

	if m.cfg.CurrentRun != "" {
		if err := fslock.With(ctx, m.lockPath(), func() error {
			return replaceSymlink(dir, m.cfg.CurrentRun)
		}); err != nil {
			return nil, fmt.Errorf("failed to update current run link: %w", err)
		}
	}
	return env, nil
}

// replaceSymlink atomically points link at target.
func replaceSymlink(target, link string) error {
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return err
	}
	tmp := fmt.Sprintf("%s.%d.tmp", link, os.Getpid())
	_ = os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return err
	}
	return os.Rename(tmp, link)
}

// LogRun appends a lifecycle row to runs.log under the share dir lock.
func (m *EnvManager) LogRun(ctx context.Context, env *RunEnv, freckletName string, state LogState) error {
	return fslock.With(ctx, m.lockPath(), func() error {
		f, err := os.OpenFile(m.RunsLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open runs.log: %w", err)
		}
		defer f.Close()

		w := csv.NewWriter(f)
		if err := w.Write([]string{
			env.RunID,
			freckletName,
			env.Adapter,
			env.Dir,
			string(state),
			m.now().UTC().Format(time.RFC3339),
		}); err != nil {
			return fmt.Errorf("failed to write runs.log: %w", err)
		}
		w.Flush()
		return w.Error()
	})
}

// RunsLogEntry is one row of runs.log.
type RunsLogEntry struct {
	RunID    string
	Frecklet string
	Adapter  string
	EnvDir   string
	State    LogState
	Time     time.Time
}

// ReadRunsLog parses runs.log. A missing file yields no entries.
func ReadRunsLog(path string) ([]RunsLogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 6
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse runs.log: %w", err)
	}
	entries := make([]RunsLogEntry, 0, len(rows))
	for _, row := range rows {
		ts, _ := time.Parse(time.RFC3339, row[5])
		entries = append(entries, RunsLogEntry{
			RunID:    row[0],
			Frecklet: row[1],
			Adapter:  row[2],
			EnvDir:   row[3],
			State:    LogState(row[4]),
			Time:     ts,
		})
	}
	return entries, nil
}
