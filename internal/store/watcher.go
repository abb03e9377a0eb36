package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/patchd/internal/descriptor"
	"github.com/msageha/patchd/internal/logx"
)

// Watcher reports descriptor paths that appear in the pending area. It
// watches the queue root plus every phase and author directory, adding new
// directories as they are created.
type Watcher struct {
	store *FSStore
	log   logx.Logger
	fw    *fsnotify.Watcher
}

func NewWatcher(s *FSStore, log logx.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Watcher{store: s, log: log.Component("watcher"), fw: fw}, nil
}

// Run emits every pending descriptor found by an initial scan and then every
// created or written descriptor until ctx is done. notify must not block for
// long; it runs on the event loop.
func (w *Watcher) Run(ctx context.Context, notify func(path string)) error {
	defer w.fw.Close()

	if err := os.MkdirAll(w.store.Root(), 0755); err != nil {
		return fmt.Errorf("ensure queue root: %w", err)
	}
	if err := w.addTree(w.store.Root(), 0); err != nil {
		return err
	}

	// Files created before the watches were added are only seen here.
	items, err := w.store.Scan(ctx)
	if err != nil {
		return fmt.Errorf("initial scan: %w", err)
	}
	for _, it := range items {
		notify(it.Path)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			w.handle(event, notify)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			w.log.Error("fsnotify error", logx.Err(err))
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event, notify func(string)) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	name := event.Name
	if strings.HasPrefix(filepath.Base(name), ".") {
		return
	}

	info, err := os.Stat(name)
	if err != nil {
		// Already claimed or removed.
		return
	}
	if info.IsDir() {
		depth := w.depth(name)
		if depth < 1 || depth > 2 {
			return
		}
		if err := w.addTree(name, depth); err != nil {
			w.log.Warn("watch new directory", logx.String("dir", name), logx.Err(err))
			return
		}
		// Descriptors may have landed before the watch was in place.
		w.emitDir(name, depth, notify)
		return
	}
	if descriptor.IsDescriptorFile(name) && w.depth(name) >= 2 {
		w.log.Debug("fsnotify event", logx.String("op", event.Op.String()), logx.String("file", name))
		notify(name)
	}
}

// depth is the number of path elements below the queue root.
func (w *Watcher) depth(path string) int {
	rel, err := filepath.Rel(w.store.Root(), path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return -1
	}
	if rel == "." {
		return 0
	}
	return len(strings.Split(filepath.ToSlash(rel), "/"))
}

// addTree watches dir and its non-hidden sub-directories down to author level.
func (w *Watcher) addTree(dir string, depth int) error {
	if err := w.fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	if depth >= 2 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read %s: %w", dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if err := w.addTree(filepath.Join(dir, e.Name()), depth+1); err != nil {
			return err
		}
	}
	return nil
}

func (w *Watcher) emitDir(dir string, depth int, notify func(string)) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		path := filepath.Join(dir, name)
		switch {
		case e.IsDir() && depth == 1:
			w.emitDir(path, depth+1, notify)
		case !e.IsDir() && descriptor.IsDescriptorFile(name):
			notify(path)
		}
	}
}
