package store

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sly67/compote/internal/logging"
)

// EventKind identifies a local mutation kind.
type EventKind int

const (
	EventModify EventKind = iota
	EventCreate
	EventDelete
	EventRename
)

// String returns a human-readable representation of the kind.
func (k EventKind) String() string {
	switch k {
	case EventModify:
		return "modify"
	case EventCreate:
		return "create"
	case EventDelete:
		return "delete"
	case EventRename:
		return "rename"
	default:
		return "unknown"
	}
}

// Event is a local file store mutation. Paths are vault-relative.
// OldPath is set for renames only.
type Event struct {
	Kind    EventKind
	Path    string
	OldPath string
}

// renameWindow is how long a moved-away path waits for its moved-to
// counterpart before degrading to a plain delete.
const renameWindow = 250 * time.Millisecond

// Watcher converts fsnotify events under the vault root into Events.
// It watches the whole tree, picking up directories created after start.
//
// The platform reports a rename as a move-away on the old path followed by
// a create on the new one; the watcher pairs the two inside a short window
// and emits a single rename event. An unpaired move-away (moved outside the
// vault) becomes a delete; an unpaired create stays a create.
type Watcher struct {
	local   *Local
	fsw     *fsnotify.Watcher
	events  chan Event
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	pending []pendingRename
}

type pendingRename struct {
	path    string
	expires time.Time
}

// NewWatcher creates a watcher for the vault. Start must be called before
// events flow.
func NewWatcher(local *Local) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Watcher{
		local:  local,
		fsw:    fsw,
		events: make(chan Event, 256),
		errors: make(chan error, 16),
		done:   make(chan struct{}),
	}, nil
}

// Start begins watching the vault tree.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	if err := w.addTree(w.local.Root()); err != nil {
		return err
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop stops the watcher and closes its channels. It blocks until the
// event loop has exited.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	if err := w.fsw.Close(); err != nil {
		return fmt.Errorf("close watcher: %w", err)
	}
	w.wg.Wait()

	close(w.events)
	close(w.errors)
	return nil
}

// Events returns the mutation event channel. Closed on Stop.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Errors returns the watcher error channel. Closed on Stop.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// addTree watches dir and every directory below it.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		return nil
	})
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	flush := time.NewTicker(renameWindow / 2)
	defer flush.Stop()

	for {
		select {
		case <-w.done:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)

		case <-flush.C:
			w.flushExpired(time.Now())

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	rel, ok := w.local.Rel(ev.Name)
	if !ok || rel == "" {
		return
	}

	switch {
	case ev.Has(fsnotify.Create):
		info, err := os.Stat(ev.Name)
		if err == nil && info.IsDir() {
			// New directory: watch it and anything already inside.
			if err := w.addTree(ev.Name); err != nil {
				logging.Warn("failed to watch new directory",
					logging.String("path", rel), logging.Err(err))
			}
			return
		}
		if old, ok := w.takePending(rel); ok {
			w.emit(Event{Kind: EventRename, Path: rel, OldPath: old})
			return
		}
		w.emit(Event{Kind: EventCreate, Path: rel})

	case ev.Has(fsnotify.Write):
		w.emit(Event{Kind: EventModify, Path: rel})

	case ev.Has(fsnotify.Remove):
		w.emit(Event{Kind: EventDelete, Path: rel})

	case ev.Has(fsnotify.Rename):
		// Hold the old path; the paired create names the new one.
		w.mu.Lock()
		w.pending = append(w.pending, pendingRename{
			path:    rel,
			expires: time.Now().Add(renameWindow),
		})
		w.mu.Unlock()
	}
}

// takePending picks the pending moved-away path to pair with a create at
// newRel. A rename usually stays inside one directory, so a pending path
// sharing newRel's parent is preferred; otherwise the oldest wins. This is
// still a heuristic: fsnotify gives no rename cookie, and concurrent
// cross-directory moves inside one window can pair wrong.
func (w *Watcher) takePending(newRel string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 {
		return "", false
	}
	pick := 0
	dir := path.Dir(newRel)
	for i, p := range w.pending {
		if path.Dir(p.path) == dir {
			pick = i
			break
		}
	}
	old := w.pending[pick].path
	w.pending = append(w.pending[:pick], w.pending[pick+1:]...)
	return old, true
}

// flushExpired turns pending moved-away paths older than the window into
// deletes.
func (w *Watcher) flushExpired(now time.Time) {
	w.mu.Lock()
	var expired []string
	kept := w.pending[:0]
	for _, p := range w.pending {
		if now.After(p.expires) {
			expired = append(expired, p.path)
		} else {
			kept = append(kept, p)
		}
	}
	w.pending = kept
	w.mu.Unlock()

	for _, path := range expired {
		w.emit(Event{Kind: EventDelete, Path: path})
	}
}

func (w *Watcher) emit(ev Event) {
	select {
	case w.events <- ev:
	case <-w.done:
	}
}
