package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/freckles-io/freckles/pkg/callback"
	"github.com/freckles-io/freckles/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	cfg  Config
	path string
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens its own database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg:  cfg,
		path: cfg.Path,
	}, nil
}

// Init opens the database and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	if s.path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// StartBatch inserts a running batch.
func (s *SQLiteStore) StartBatch(ctx context.Context, rec *engine.RunRecord) error {
	record, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode run record: %w", err)
	}

	query := `
		INSERT INTO batches (run_id, frecklet, adapter, status, success, env_dir, task_count, started_at, record)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		rec.RunID,
		rec.Frecklet,
		rec.AdapterName,
		rec.Status,
		rec.Success,
		envDir(rec),
		len(rec.Tasks),
		startedAt(rec),
		string(record),
	)
	if err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}
	return nil
}

// FinishBatch stores the outcome of a batch and its task results.
func (s *SQLiteStore) FinishBatch(ctx context.Context, rec *engine.RunRecord) error {
	record, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode run record: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exception *string
	if rec.Exception != "" {
		exception = &rec.Exception
	}
	finished := rec.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}

	query := `
		UPDATE batches
		SET status = ?, success = ?, exception = ?, env_dir = ?, finished_at = ?, record = ?
		WHERE run_id = ?
	`
	result, err := tx.ExecContext(ctx, query,
		rec.Status,
		rec.Success,
		exception,
		envDir(rec),
		finished,
		string(record),
		rec.RunID,
	)
	if err != nil {
		return fmt.Errorf("failed to update batch: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return fmt.Errorf("batch %s: %w", rec.RunID, ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM batch_tasks WHERE run_id = ?", rec.RunID); err != nil {
		return fmt.Errorf("failed to clear task events: %w", err)
	}
	for _, ev := range taskEvents(rec) {
		errs, err := json.Marshal(ev.Errors)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO batch_tasks (run_id, task_id, name, success, changed, skipped, errors, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, ev.RunID, ev.TaskID, ev.Name, ev.Success, ev.Changed, ev.Skipped, string(errs), ev.StartedAt, ev.FinishedAt)
		if err != nil {
			return fmt.Errorf("failed to insert task event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// GetBatch retrieves a batch by run id.
func (s *SQLiteStore) GetBatch(ctx context.Context, runID string) (*Batch, error) {
	query := `
		SELECT run_id, frecklet, adapter, status, success, exception, env_dir, task_count, started_at, finished_at, record
		FROM batches
		WHERE run_id = ?
	`
	b, err := scanBatch(s.db.QueryRowContext(ctx, query, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return b, nil
}

// ListBatches returns batches, newest first.
func (s *SQLiteStore) ListBatches(ctx context.Context, opts ListOptions) ([]*Batch, error) {
	var (
		where []string
		args  []interface{}
	)
	if opts.Frecklet != "" {
		where = append(where, "frecklet = ?")
		args = append(args, opts.Frecklet)
	}
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, opts.Status)
	}

	query := `
		SELECT run_id, frecklet, adapter, status, success, exception, env_dir, task_count, started_at, finished_at, record
		FROM batches
	`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, run_id DESC"
	if opts.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	var batches []*Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// ListTaskEvents returns the task results of a batch in task order.
func (s *SQLiteStore) ListTaskEvents(ctx context.Context, runID string) ([]*TaskEvent, error) {
	query := `
		SELECT id, run_id, task_id, name, success, changed, skipped, errors, started_at, finished_at
		FROM batch_tasks
		WHERE run_id = ?
		ORDER BY id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list task events: %w", err)
	}
	defer rows.Close()

	var events []*TaskEvent
	for rows.Next() {
		ev := &TaskEvent{}
		var (
			errs     string
			finished sql.NullTime
		)
		if err := rows.Scan(
			&ev.ID,
			&ev.RunID,
			&ev.TaskID,
			&ev.Name,
			&ev.Success,
			&ev.Changed,
			&ev.Skipped,
			&errs,
			&ev.StartedAt,
			&finished,
		); err != nil {
			return nil, fmt.Errorf("failed to scan task event: %w", err)
		}
		if err := json.Unmarshal([]byte(errs), &ev.Errors); err != nil {
			return nil, fmt.Errorf("invalid errors of task %d: %w", ev.TaskID, err)
		}
		if finished.Valid {
			t := finished.Time
			ev.FinishedAt = &t
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// PruneBefore deletes batches started before the given time and returns
// how many were removed.
func (s *SQLiteStore) PruneBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM batches WHERE started_at < ?", before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune batches: %w", err)
	}
	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanBatch(row scanner) (*Batch, error) {
	b := &Batch{}
	var (
		exception sql.NullString
		env       sql.NullString
		finished  sql.NullTime
	)
	err := row.Scan(
		&b.RunID,
		&b.Frecklet,
		&b.Adapter,
		&b.Status,
		&b.Success,
		&exception,
		&env,
		&b.TaskCount,
		&b.StartedAt,
		&finished,
		&b.Record,
	)
	if err != nil {
		return nil, err
	}
	if exception.Valid {
		b.Exception = &exception.String
	}
	b.EnvDir = env.String
	if finished.Valid {
		t := finished.Time
		b.FinishedAt = &t
	}
	return b, nil
}

// taskEvents collects the task nodes directly below the batch node. Nodes
// of nested runs are left to their own batches.
func taskEvents(rec *engine.RunRecord) []*TaskEvent {
	if rec.Callback == nil {
		return nil
	}
	var events []*TaskEvent
	rec.Callback.Walk(func(n *callback.Task) bool {
		v, ok := n.Meta(callback.MetaTaskID)
		if !ok {
			return true
		}
		id, ok := v.(int)
		if !ok {
			return true
		}
		ev := &TaskEvent{
			RunID:     rec.RunID,
			TaskID:    id,
			Name:      n.Name(),
			Success:   n.Success(),
			Changed:   n.Changed(),
			Skipped:   n.Skipped(),
			Errors:    n.ErrorMessages(),
			StartedAt: n.Started(),
		}
		if ev.Errors == nil {
			ev.Errors = []string{}
		}
		if end := n.Ended(); !end.IsZero() {
			ev.FinishedAt = &end
		}
		events = append(events, ev)
		return false
	})
	return events
}

func envDir(rec *engine.RunRecord) string {
	if rec.Env == nil {
		return ""
	}
	return rec.Env.Dir
}

func startedAt(rec *engine.RunRecord) time.Time {
	if rec.StartedAt.IsZero() {
		return time.Now()
	}
	return rec.StartedAt
}
