// Package watch implements the File Tailer: a recursive
// directory watch over a root directory tree that emits debounced
// (path, content) snapshots for every .jsonl conversation file create or
// modify event, filtering out-of-scope and stale files.
package watch

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Event is one debounced (path, content) snapshot delivered to the parser.
type Event struct {
	Path           string
	ConversationID string
	Content        []byte
}

const (
	debounceWindow   = 150 * time.Millisecond
	defaultAgeFilter = 120 * time.Second
)

// Watcher tails a directory tree for *.jsonl create/modify events.
type Watcher struct {
	logger    *slog.Logger
	root      string
	ageFilter time.Duration

	fsw    *fsnotify.Watcher
	events chan Event

	mu       sync.Mutex
	timers   map[string]*time.Timer
	tracked  map[string]bool
	inScope  func(encodedDir string) bool
	closed   bool
	closeErr error
}

// New builds a Watcher rooted at root. ageFilter is the staleness threshold
// applied only to a conversation's first observed event; zero
// selects the default of 120s.
func New(logger *slog.Logger, root string, ageFilter time.Duration) (*Watcher, error) {
	if ageFilter <= 0 {
		ageFilter = defaultAgeFilter
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		logger:    logger,
		root:      root,
		ageFilter: ageFilter,
		fsw:       fsw,
		events:    make(chan Event, 64),
		timers:    make(map[string]*time.Timer),
		tracked:   make(map[string]bool),
	}
	return w, nil
}

// SetInScope installs a predicate used to filter events whose enclosing
// directory (basename) is not among the currently in-scope encoded
// directories. A nil predicate (the default) performs no filtering.
func (w *Watcher) SetInScope(fn func(encodedDir string) bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inScope = fn
}

// Events returns the channel of debounced file snapshots.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Start performs the initial recursive scan (registering every directory
// with the underlying watcher and queuing existing .jsonl files through the
// same age-filtered path new files take) and begins the watch loop. It
// returns once the watch is installed; processing continues in a
// background goroutine until Close is called.
func (w *Watcher) Start() error {
	if err := w.addTreeRecursive(w.root); err != nil {
		return err
	}
	go w.loop()
	go w.initialScan()
	return nil
}

func (w *Watcher) addTreeRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if w.logger != nil {
				w.logger.Debug("watch: walk error", "path", path, "err", err)
			}
			return nil
		}
		if d.IsDir() {
			if err := w.fsw.Add(path); err != nil && w.logger != nil {
				w.logger.Debug("watch: add dir failed", "path", path, "err", err)
			}
		}
		return nil
	})
}

func (w *Watcher) initialScan() {
	_ = filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(path, ".jsonl") {
			return nil
		}
		w.handlePath(path)
		return nil
	})
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleFsnotifyEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Warn("watch: fsnotify error", "err", err)
			}
		}
	}
}

func (w *Watcher) handleFsnotifyEvent(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	info, err := os.Stat(ev.Name)
	if err == nil && info.IsDir() {
		if err := w.addTreeRecursive(ev.Name); err != nil && w.logger != nil {
			w.logger.Debug("watch: add new subdirectory failed", "path", ev.Name, "err", err)
		}
		return
	}
	if !strings.HasSuffix(ev.Name, ".jsonl") {
		return
	}
	w.handlePath(ev.Name)
}

// handlePath applies the in-scope and subagents filters, then schedules (or
// refreshes) the per-conversation debounce timer.
func (w *Watcher) handlePath(path string) {
	if !w.isUnderRoot(path) {
		return
	}
	if strings.Contains(filepath.ToSlash(path), "/subagents/") {
		return
	}
	enclosingDir := filepath.Base(filepath.Dir(path))
	w.mu.Lock()
	inScope := w.inScope
	w.mu.Unlock()
	if inScope != nil && !inScope(enclosingDir) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Reset(debounceWindow)
		return
	}
	w.timers[path] = time.AfterFunc(debounceWindow, func() {
		w.fire(path)
	})
}

func (w *Watcher) isUnderRoot(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	return !strings.HasPrefix(rel, "..")
}

// fire runs after the debounce window closes: applies the age filter to a
// conversation's first event only, then reads and emits the file content.
func (w *Watcher) fire(path string) {
	w.mu.Lock()
	delete(w.timers, path)
	firstEvent := !w.tracked[path]
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return
	}

	if firstEvent {
		info, err := os.Stat(path)
		if err != nil {
			return // file disappeared before we got to it; not an error
		}
		if time.Since(info.ModTime()) > w.ageFilter {
			// Stale file from the initial scan: skip it, but do not mark it
			// tracked, so a genuine future write still surfaces it.
			return
		}
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if w.logger != nil {
			w.logger.Debug("watch: read failed", "path", path, "err", err)
		}
		return
	}

	w.mu.Lock()
	w.tracked[path] = true
	closed = w.closed
	w.mu.Unlock()
	if closed {
		return
	}

	id := strings.TrimSuffix(filepath.Base(path), ".jsonl")
	select {
	case w.events <- Event{Path: path, ConversationID: id, Content: content}:
	default:
		if w.logger != nil {
			w.logger.Warn("watch: event channel full, dropping", "path", path)
		}
	}
}

// Close stops the watch loop, cancels pending debounce timers, and closes
// the event channel.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return w.closeErr
	}
	w.closed = true
	for _, t := range w.timers {
		t.Stop()
	}
	w.timers = map[string]*time.Timer{}
	w.mu.Unlock()

	err := w.fsw.Close()
	close(w.events)
	w.closeErr = err
	return err
}
