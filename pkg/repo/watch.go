package repo

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay debounces bursts of file events into one re-index.
const reloadDelay = 300 * time.Millisecond

// Watch re-indexes the store whenever a frecklet file below a local
// repository root changes, and calls onChange with the new names. It
// blocks until ctx is done.
func (s *Store) Watch(ctx context.Context, onChange func(names []string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	watched := 0
	for _, root := range s.Roots() {
		if root.Spec.IsRemote() {
			continue
		}
		err := filepath.WalkDir(root.Path, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() {
				return nil
			}
			if path != root.Path && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			watched++
			return watcher.Add(path)
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("path", root.Path).Msg("Failed to watch repository")
		}
	}
	s.logger.Info().Int("dirs", watched).Msg("Watching repositories")

	var timer *time.Timer
	reload := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create != 0 {
				// new sub folders need their own watch
				_ = watcher.Add(event.Name)
			}
			if !strings.HasSuffix(event.Name, ".frecklet") {
				continue
			}
			s.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Frecklet changed")
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDelay, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			if err := s.Reload(); err != nil {
				s.logger.Error().Err(err).Msg("Failed to re-index repositories")
				continue
			}
			if onChange != nil {
				onChange(s.Names())
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}
