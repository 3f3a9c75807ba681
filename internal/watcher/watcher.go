// Package watcher reports filesystem changes below a directory tree.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/devgate/schema"
	"pkt.systems/pslog"
)

// Sink receives every filesystem event.
type Sink interface {
	OnFileEvent(ctx context.Context, event schema.FileSystemEvent)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, event schema.FileSystemEvent)

// OnFileEvent calls f.
func (f SinkFunc) OnFileEvent(ctx context.Context, event schema.FileSystemEvent) {
	f(ctx, event)
}

// Config controls the watcher.
type Config struct {
	Root string
	// Ignore lists directory names that are never watched.
	Ignore []string
}

// Watcher watches Root recursively. New directories join the watch set as
// they appear.
type Watcher struct {
	root   string
	ignore map[string]struct{}
	sink   Sink
	fsw    *fsnotify.Watcher

	mu   sync.Mutex
	dirs map[string]struct{}
	// gone holds directories already reported as removed; the kernel sends
	// a second removal for the directory's own watch.
	gone map[string]struct{}

	ready chan struct{}
}

// New creates a watcher and registers every directory below cfg.Root.
func New(cfg Config, sink Sink) (*Watcher, error) {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		root:   root,
		ignore: map[string]struct{}{},
		sink:   sink,
		fsw:    fsw,
		dirs:   map[string]struct{}{},
		gone:   map[string]struct{}{},
		ready:  make(chan struct{}),
	}
	for _, name := range cfg.Ignore {
		if name != "" {
			w.ignore[name] = struct{}{}
		}
	}
	if err := w.addTree(context.Background(), root, false); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// Root returns the watched root.
func (w *Watcher) Root() string { return w.root }

// Ready is closed once Run is consuming events.
func (w *Watcher) Ready() <-chan struct{} { return w.ready }

// Run forwards events to the sink until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	log := pslog.Ctx(ctx).With("component", "watcher")
	defer func() { _ = w.fsw.Close() }()
	log.Info("watching files", "root", w.root, "dirs", w.dirCount())
	close(w.ready)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, log, event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			log.Warn("watcher error", "err", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, log pslog.Logger, event fsnotify.Event) {
	name := filepath.Clean(event.Name)
	switch {
	case event.Has(fsnotify.Create):
		info, err := os.Lstat(name)
		if err != nil {
			// Gone before we looked; the removal event follows.
			return
		}
		if info.IsDir() {
			if w.ignored(name) {
				return
			}
			if err := w.addTree(ctx, name, true); err != nil {
				log.Warn("watch new directory failed", "path", name, "err", err)
			}
			return
		}
		w.emit(ctx, schema.FSAdd, name)
	case event.Has(fsnotify.Write):
		w.emit(ctx, schema.FSChange, name)
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		if w.forgetDir(name) {
			w.emit(ctx, schema.FSUnlinkDir, name)
			return
		}
		if w.seenGone(name) {
			return
		}
		w.emit(ctx, schema.FSUnlink, name)
	}
}

// addTree watches dir and every directory below it. When announce is set
// each entry found is reported as added.
func (w *Watcher) addTree(ctx context.Context, dir string, announce bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path != dir && errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if path != dir && w.ignored(path) {
				return filepath.SkipDir
			}
			if err := w.fsw.Add(path); err != nil {
				if path == dir {
					return err
				}
				pslog.Ctx(ctx).Warn("watch directory failed", "path", path, "err", err)
				return filepath.SkipDir
			}
			w.mu.Lock()
			w.dirs[path] = struct{}{}
			delete(w.gone, path)
			w.mu.Unlock()
			if announce {
				w.emit(ctx, schema.FSAddDir, path)
			}
			return nil
		}
		if announce {
			w.emit(ctx, schema.FSAdd, path)
		}
		return nil
	})
}

// forgetDir drops dir and everything below it from the tracked set and
// reports whether dir was a tracked directory.
func (w *Watcher) forgetDir(dir string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.dirs[dir]; !ok {
		return false
	}
	prefix := dir + string(filepath.Separator)
	for path := range w.dirs {
		if path == dir || len(path) > len(prefix) && path[:len(prefix)] == prefix {
			delete(w.dirs, path)
			w.gone[path] = struct{}{}
			// Renamed directories keep their kernel watch; drop it.
			_ = w.fsw.Remove(path)
		}
	}
	return true
}

func (w *Watcher) seenGone(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.gone[path]; ok {
		delete(w.gone, path)
		return true
	}
	return false
}

func (w *Watcher) ignored(path string) bool {
	_, ok := w.ignore[filepath.Base(path)]
	return ok
}

func (w *Watcher) dirCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.dirs)
}

func (w *Watcher) emit(ctx context.Context, kind schema.FSEventKind, path string) {
	if w.sink == nil {
		return
	}
	w.sink.OnFileEvent(ctx, schema.FileSystemEvent{Kind: kind, Path: path})
}
