// Package watch implements the focused session-watch producer: a
// fsnotify-backed watcher that notifies listeners when a specific session
// file changes. Viewers that do not own the session process subscribe here
// through the host's session-watch channel.
package watch

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sessionwire/sessionwire/internal/logging"
)

var ErrClosed = errors.New("watch: watcher closed")

// Target identifies the session file to observe.
type Target struct {
	SessionID string
	ProjectID string
	Provider  string // Optional hint for the resolver.
}

// Event describes one observed change to a watched session file.
type Event struct {
	SessionID string    `json:"sessionId"`
	Path      string    `json:"path"`
	Op        string    `json:"op"` // "create", "write", "remove", "rename"
	ModTime   time.Time `json:"modTime,omitempty"`
	Size      int64     `json:"size,omitempty"`
}

// Resolver maps a target to the session file path on disk.
type Resolver func(t Target) (string, error)

// DirResolver resolves session files under root as
// root/<projectID>/<sessionID>.jsonl.
func DirResolver(root string) Resolver {
	return func(t Target) (string, error) {
		if t.SessionID == "" {
			return "", errors.New("watch: missing session id")
		}
		project := t.ProjectID
		if project == "" {
			project = "default"
		}
		return filepath.Join(root, project, t.SessionID+".jsonl"), nil
	}
}

type subscriber struct {
	target Target
	path   string
	fn     func(Event)
}

// Watcher fans out fsnotify events to per-file listeners. Directories are
// watched rather than files so creates and renames are observed too.
type Watcher struct {
	resolve Resolver
	log     *slog.Logger

	mu       sync.Mutex
	fsw      *fsnotify.Watcher
	byPath   map[string]map[*subscriber]struct{}
	dirRefs  map[string]int // Watched directories and subscriber counts.
	closed   bool
	doneCh   chan struct{}
}

// New starts a watcher using the given resolver.
func New(resolve Resolver, log *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	w := &Watcher{
		resolve: resolve,
		log:     logging.Or(log),
		fsw:     fsw,
		byPath:  make(map[string]map[*subscriber]struct{}),
		dirRefs: make(map[string]int),
		doneCh:  make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Subscribe registers fn for changes to the target's session file and
// returns an unsubscribe closure. The closure is idempotent.
func (w *Watcher) Subscribe(t Target, fn func(Event)) (func(), error) {
	path, err := w.resolve(t)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrClosed
	}
	if w.dirRefs[dir] == 0 {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("watch: %w", err)
		}
		if err := w.fsw.Add(dir); err != nil {
			return nil, fmt.Errorf("watch: %w", err)
		}
	}
	w.dirRefs[dir]++

	sub := &subscriber{target: t, path: path, fn: fn}
	if w.byPath[path] == nil {
		w.byPath[path] = make(map[*subscriber]struct{})
	}
	w.byPath[path][sub] = struct{}{}

	var once sync.Once
	return func() { once.Do(func() { w.unsubscribe(dir, path, sub) }) }, nil
}

func (w *Watcher) unsubscribe(dir, path string, sub *subscriber) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if subs := w.byPath[path]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(w.byPath, path)
		}
	}
	if n := w.dirRefs[dir]; n > 1 {
		w.dirRefs[dir] = n - 1
	} else if n == 1 {
		delete(w.dirRefs, dir)
		if !w.closed {
			_ = w.fsw.Remove(dir)
		}
	}
}

// Close stops the watcher and drops all subscriptions.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.byPath = make(map[string]map[*subscriber]struct{})
	w.dirRefs = make(map[string]int)
	w.mu.Unlock()
	err := w.fsw.Close()
	<-w.doneCh
	return err
}

func (w *Watcher) loop() {
	defer close(w.doneCh)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.dispatch(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("session watch error", "err", err)
		}
	}
}

func (w *Watcher) dispatch(ev fsnotify.Event) {
	op := opName(ev.Op)
	if op == "" {
		return
	}
	path := filepath.Clean(ev.Name)

	w.mu.Lock()
	subs := make([]*subscriber, 0, len(w.byPath[path]))
	for sub := range w.byPath[path] {
		subs = append(subs, sub)
	}
	w.mu.Unlock()
	if len(subs) == 0 {
		return
	}

	out := Event{Path: path, Op: op}
	if info, err := os.Stat(path); err == nil {
		out.ModTime = info.ModTime()
		out.Size = info.Size()
	}
	for _, sub := range subs {
		out.SessionID = sub.target.SessionID
		sub.fn(out)
	}
}

func opName(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "create"
	case op.Has(fsnotify.Write):
		return "write"
	case op.Has(fsnotify.Remove):
		return "remove"
	case op.Has(fsnotify.Rename):
		return "rename"
	}
	return ""
}
