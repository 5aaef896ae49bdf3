// Package watch feeds a local documents directory into the sync engine. Each
// immediate subdirectory belongs to one owner; files dropped into it are
// uploaded and embedded into that owner's workspace.
package watch

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/amarelo/workspacebot/internal/workspacebot"
)

type Options struct {
	Root     string
	Engine   *workspacebot.Engine
	Logger   workspacebot.Logger
	Debounce time.Duration
}

type Watcher struct {
	root     string
	engine   *workspacebot.Engine
	logger   workspacebot.Logger
	debounce time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func New(opts Options) (*Watcher, error) {
	root := strings.TrimSpace(opts.Root)
	if root == "" || opts.Engine == nil {
		return nil, fmt.Errorf("%w: watcher requires a root directory and an engine", workspacebot.ErrInvalidInput)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		root:     root,
		engine:   opts.Engine,
		logger:   logger,
		debounce: debounce,
		timers:   map[string]*time.Timer{},
	}, nil
}

// Run watches until the context is cancelled. fsnotify watches are not
// recursive, so owner subdirectories are registered individually as they
// appear.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return err
	}
	if err := fsw.Add(w.root); err != nil {
		return err
	}
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			if err := fsw.Add(filepath.Join(w.root, entry.Name())); err != nil {
				w.logger.Printf("watch: add owner dir %s: %v", entry.Name(), err)
			}
		}
	}
	w.logger.Printf("watch: observing %s", w.root)

	for {
		select {
		case <-ctx.Done():
			w.cancelTimers()
			return ctx.Err()
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, fsw, event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Printf("watch: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, fsw *fsnotify.Watcher, event fsnotify.Event) {
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	name := filepath.Base(event.Name)
	if skipName(name) {
		return
	}

	// A new top-level directory is a new owner; start watching it.
	if event.Op.Has(fsnotify.Create) {
		if info, statErr := os.Stat(event.Name); statErr == nil && info.IsDir() {
			if filepath.Dir(event.Name) == filepath.Clean(w.root) {
				if err := fsw.Add(event.Name); err != nil {
					w.logger.Printf("watch: add owner dir %s: %v", name, err)
				}
			}
			return
		}
	}

	owner := ownerFor(rel)
	if owner == "" {
		return
	}
	id := workspacebot.Identity{UserKey: owner, DisplayName: owner}

	switch {
	case event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write):
		w.scheduleUpload(ctx, id, event.Name, name)
	case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
		w.cancelTimer(event.Name)
		if taskID, err := w.engine.SubmitRemoveFile(id, name); err != nil {
			w.logger.Printf("watch: remove %s for %s: %v", name, owner, err)
		} else {
			w.logger.Printf("watch: queued remove of %s for %s (task %s)", name, owner, taskID)
		}
	}
}

// scheduleUpload delays the upload so rapid write bursts collapse into one
// task carrying the final content.
func (w *Watcher) scheduleUpload(ctx context.Context, id workspacebot.Identity, path, name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.timers[path]; ok {
		timer.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()

		content, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				w.logger.Printf("watch: read %s: %v", path, err)
			}
			return
		}
		if len(content) == 0 {
			return
		}
		if taskID, err := w.engine.SubmitAddFile(ctx, id, name, content); err != nil {
			w.logger.Printf("watch: upload %s for %s: %v", name, id.UserKey, err)
		} else {
			w.logger.Printf("watch: queued upload of %s for %s (task %s)", name, id.UserKey, taskID)
		}
	})
}

func (w *Watcher) cancelTimer(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.timers[path]; ok {
		timer.Stop()
		delete(w.timers, path)
	}
}

func (w *Watcher) cancelTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, timer := range w.timers {
		timer.Stop()
		delete(w.timers, path)
	}
}

// ownerFor maps a path relative to the root onto its owner directory. Files
// in the root itself have no owner and are ignored.
func ownerFor(rel string) string {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[0]
}

func skipName(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp")
}
