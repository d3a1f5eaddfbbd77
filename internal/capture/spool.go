package capture

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// SpoolWatcher feeds observation events dropped as JSON files in a spool
// directory into the observer. Each file holds one event and is removed
// after processing, malformed or not.
type SpoolWatcher struct {
	dir      string
	observer *Observer
	logger   *slog.Logger
}

func NewSpoolWatcher(dir string, observer *Observer, logger *slog.Logger) (*SpoolWatcher, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" || observer == nil {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &SpoolWatcher{dir: dir, observer: observer, logger: logger}, nil
}

// Run blocks until ctx is done. Files already present at startup are
// processed before watching begins.
func (w *SpoolWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(w.dir); err != nil {
		return err
	}

	w.drainExisting(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
				continue
			}
			if !isSpoolFile(event.Name) {
				continue
			}
			w.handleFile(ctx, event.Name)
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("spool watch error", "error", watchErr)
		}
	}
}

func (w *SpoolWatcher) drainExisting(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("spool scan failed", "dir", w.dir, "error", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !isSpoolFile(entry.Name()) {
			continue
		}
		w.handleFile(ctx, filepath.Join(w.dir, entry.Name()))
	}
}

func (w *SpoolWatcher) handleFile(ctx context.Context, path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("spool read failed", "file", path, "error", err)
		}
		return
	}
	defer func() {
		if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
			w.logger.Warn("spool cleanup failed", "file", path, "error", removeErr)
		}
	}()
	var ev ObservationEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		w.logger.Warn("spool file malformed", "file", path, "error", err)
		return
	}
	w.observer.Observe(ctx, ev)
}

func isSpoolFile(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".json")
}
