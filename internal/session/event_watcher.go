package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/wangzexi/vibecraft-sub001/internal/event"
	"github.com/wangzexi/vibecraft-sub001/internal/logging"
)

const watcherDebounce = 100 * time.Millisecond

// EventWatcher tails the events directory where agent hooks drop one
// JSON file per lifecycle event. Files are parsed, handed to the
// handler, and deleted. The same events may also arrive over HTTP push;
// the ledger's dedup makes the double delivery harmless.
type EventWatcher struct {
	dir     string
	handler func(event.Event)
	watcher *fsnotify.Watcher
	log     *slog.Logger
}

// NewEventWatcher creates the events directory if needed and sets up
// the fsnotify watch.
func NewEventWatcher(dir string, handler func(event.Event)) (*EventWatcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create events dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &EventWatcher{
		dir:     dir,
		handler: handler,
		watcher: watcher,
		log:     logging.ForComponent(logging.CompEvent),
	}, nil
}

// Run watches until ctx is cancelled. Rapid bursts of file events are
// coalesced with a short debounce before processing.
func (w *EventWatcher) Run(ctx context.Context) error {
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch events dir: %w", err)
	}
	defer w.watcher.Close()

	// Pick up anything written while the daemon was down.
	w.drainDir()

	var (
		pendingMu     sync.Mutex
		pending       = make(map[string]bool)
		debounceTimer *time.Timer
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(ev.Name) != ".json" {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			pendingMu.Lock()
			pending[ev.Name] = true
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(watcherDebounce, func() {
				pendingMu.Lock()
				files := make([]string, 0, len(pending))
				for f := range pending {
					files = append(files, f)
				}
				pending = make(map[string]bool)
				pendingMu.Unlock()
				for _, f := range files {
					w.processFile(f)
				}
			})
			pendingMu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("event watcher error", "error", err)
		}
	}
}

func (w *EventWatcher) drainDir() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.log.Warn("read events dir failed", "dir", w.dir, "error", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		w.processFile(filepath.Join(w.dir, entry.Name()))
	}
}

// processFile parses one event file and removes it. Unreadable or
// malformed files are deleted too; leaving them would re-trigger the
// watcher forever.
func (w *EventWatcher) processFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.log.Warn("read event file failed", "file", path, "error", err)
			_ = os.Remove(path)
		}
		return
	}
	_ = os.Remove(path)

	var ev event.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		w.log.Warn("malformed event file", "file", path, "error", err)
		return
	}
	w.handler(ev)
}
