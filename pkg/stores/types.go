package stores

import (
	"context"
	"errors"
	"time"

	"github.com/freckles-io/freckles/pkg/engine"
)

// ErrNotFound is returned when a batch does not exist.
var ErrNotFound = errors.New("not found")

// Batch is one stored adapter batch.
type Batch struct {
	RunID      string           `json:"run_id"`
	Frecklet   string           `json:"frecklet"`
	Adapter    string           `json:"adapter"`
	Status     engine.RunStatus `json:"status"`
	Success    bool             `json:"success"`
	Exception  *string          `json:"exception,omitempty"`
	EnvDir     string           `json:"env_dir,omitempty"`
	TaskCount  int              `json:"task_count"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`

	// Record is the redacted JSON form of the engine.RunRecord.
	Record string `json:"record"`
}

// Duration returns how long the batch ran, zero while running.
func (b *Batch) Duration() time.Duration {
	if b.FinishedAt == nil {
		return 0
	}
	return b.FinishedAt.Sub(b.StartedAt)
}

// TaskEvent is the outcome of one task of a batch.
type TaskEvent struct {
	ID         int64      `json:"id"`
	RunID      string     `json:"run_id"`
	TaskID     int        `json:"task_id"`
	Name       string     `json:"name"`
	Success    bool       `json:"success"`
	Changed    bool       `json:"changed"`
	Skipped    bool       `json:"skipped"`
	Errors     []string   `json:"errors,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// ListOptions filters ListBatches.
type ListOptions struct {
	// Frecklet restricts the result to batches of one frecklet.
	Frecklet string

	// Status restricts the result to one status.
	Status engine.RunStatus

	// Limit caps the number of rows, 0 means no limit.
	Limit int

	Offset int
}

// Store is the run history.
type Store interface {
	engine.RunRecorder

	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
	HealthCheck(ctx context.Context) error

	GetBatch(ctx context.Context, runID string) (*Batch, error)
	ListBatches(ctx context.Context, opts ListOptions) ([]*Batch, error)
	ListTaskEvents(ctx context.Context, runID string) ([]*TaskEvent, error)
	PruneBefore(ctx context.Context, before time.Time) (int64, error)
}
