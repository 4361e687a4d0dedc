package repo

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	solodb "github.com/phillarmonic/SoloDB"
)

// Freshness records when remote repositories were fetched. A record
// expires after the remote cache valid time, which marks the checkout
// stale.
type Freshness struct {
	db *solodb.DB
}

// OpenFreshness opens the freshness database at path.
func OpenFreshness(path string) (*Freshness, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	db, err := solodb.Open(solodb.Options{
		Path:       path,
		Durability: solodb.SyncBatch,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open freshness database: %w", err)
	}
	return &Freshness{db: db}, nil
}

func freshnessKey(spec Spec) string {
	return "repo:" + spec.Key()
}

// Fresh reports whether spec was fetched within its validity window.
func (f *Freshness) Fresh(spec Spec) (bool, error) {
	if f == nil {
		return false, nil
	}
	rc, _, _, err := f.db.GetBlob(freshnessKey(spec))
	if errors.Is(err, solodb.ErrNotFound) || errors.Is(err, solodb.ErrExpired) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("freshness read error: %w", err)
	}
	_ = rc.Close()
	return true, nil
}

// Touch marks spec as fetched now, valid for ttl. A ttl of zero or less
// keeps the checkout stale.
func (f *Freshness) Touch(spec Spec, ttl time.Duration) error {
	if f == nil || ttl <= 0 {
		return nil
	}
	stamp := []byte(time.Now().UTC().Format(time.RFC3339))
	if err := f.db.SetBlob(freshnessKey(spec), bytes.NewReader(stamp), int64(len(stamp)), time.Now().Add(ttl)); err != nil {
		return fmt.Errorf("freshness write error: %w", err)
	}
	return nil
}

// Invalidate forgets the fetch record of spec.
func (f *Freshness) Invalidate(spec Spec) error {
	if f == nil {
		return nil
	}
	err := f.db.Delete(freshnessKey(spec))
	if errors.Is(err, solodb.ErrNotFound) {
		return nil
	}
	return err
}

// Close closes the database.
func (f *Freshness) Close() error {
	if f == nil || f.db == nil {
		return nil
	}
	return f.db.Close()
}
