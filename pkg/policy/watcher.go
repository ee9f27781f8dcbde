package policy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileWatcher watches a thresholds file and triggers reloads on
// change. Events are debounced so editors that write in several steps
// cause one reload, not a storm.
type FileWatcher struct {
	path     string
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	debounce time.Duration
}

// NewFileWatcher creates a watcher for the given file.
func NewFileWatcher(path string, logger *slog.Logger) (*FileWatcher, error) {
	if logger == nil {
		logger = slog.Default().With("component", "policy-watcher")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	// Watch the directory, not the file: editors that rename-and-replace
	// would otherwise drop the watch after the first save.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", filepath.Dir(path), err)
	}

	return &FileWatcher{
		path:     path,
		watcher:  watcher,
		logger:   logger,
		debounce: 100 * time.Millisecond,
	}, nil
}

// Watch blocks, invoking onChange after each debounced change to the
// watched file, until the context is cancelled.
func (fw *FileWatcher) Watch(ctx context.Context, onChange func() error) error {
	defer fw.watcher.Close()

	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(fw.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(fw.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return nil
			}
			fw.logger.Error("watch error", "path", fw.path, "error", err)

		case <-fire:
			if err := onChange(); err != nil {
				fw.logger.Error("reload failed", "path", fw.path, "error", err)
			} else {
				fw.logger.Info("thresholds reloaded", "path", fw.path)
			}
		}
	}
}
