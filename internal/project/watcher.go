package project

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/wardenhq/warden/internal/event"
	"github.com/wardenhq/warden/internal/logging"
)

// Watcher publishes file-change events for the session log tree. The
// project index and live session tails key off these.
type Watcher struct {
	watcher *fsnotify.Watcher
	root    string
	bus     *event.Bus
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	mu      sync.Mutex
}

// NewWatcher creates a watcher over the session log root. The root is
// created if missing so the watch can attach immediately.
func NewWatcher(root string, bus *event.Bus) (*Watcher, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(root); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		watcher: fsw,
		root:    root,
		bus:     bus,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	w.addExistingDirs()

	logging.Debug().Str("root", root).Msg("session watcher initialized")
	return w, nil
}

// addExistingDirs attaches watches to project directories already on
// disk, including those nested under hostname directories. New
// directories are picked up from their create events.
func (w *Watcher) addExistingDirs() {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		dir := filepath.Join(w.root, entry.Name())
		_ = w.watcher.Add(dir)

		if strings.HasPrefix(entry.Name(), "-") {
			continue
		}
		children, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, child := range children {
			if child.IsDir() && strings.HasPrefix(child.Name(), "-") {
				_ = w.watcher.Add(filepath.Join(dir, child.Name()))
			}
		}
	}
}

// Start begins watching for session file changes.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	go w.run()
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error().Err(err).Msg("session watcher error")
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	// A created directory is a new project (or host) dir: watch it so
	// its log files report changes too.
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = w.watcher.Add(ev.Name)
			return
		}
	}

	kind := classifyOp(ev.Op)
	if kind == "" {
		return
	}
	w.bus.Publish(event.Event{
		Type: event.FileChange,
		Data: event.FileChangeData{
			Path:     ev.Name,
			Kind:     kind,
			FileType: ClassifyFile(ev.Name),
		},
	})
}

func classifyOp(op fsnotify.Op) string {
	switch {
	case op&fsnotify.Create != 0:
		return event.FileKindCreate
	case op&fsnotify.Write != 0:
		return event.FileKindWrite
	case op&fsnotify.Remove != 0:
		return event.FileKindRemove
	case op&fsnotify.Rename != 0:
		return event.FileKindRename
	}
	return ""
}

// ClassifyFile types a changed path for bus consumers. Logs this server
// writes use plain session ids; sub-agent logs carry an "agent-" prefix.
func ClassifyFile(path string) string {
	if !strings.HasSuffix(path, ".jsonl") {
		return event.FileTypeOther
	}
	if strings.HasPrefix(filepath.Base(path), "agent-") {
		return event.FileTypeAgentSession
	}
	return event.FileTypeSession
}

// Stop stops the watcher and waits for the run loop to drain.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()

	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}

	if started {
		<-w.doneCh
	}

	return w.watcher.Close()
}
