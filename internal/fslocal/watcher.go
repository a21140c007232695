package fslocal

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/mfrisbey/rqtree/internal/events"
	"github.com/mfrisbey/rqtree/internal/listcache"
	"github.com/mfrisbey/rqtree/internal/pathkey"
)

// FsWatcher abstracts filesystem event monitoring, satisfied by
// *fsnotify.Watcher in production and a fake in tests. Grounded on the
// teacher's internal/sync/observer_local.go FsWatcher interface.
type FsWatcher interface {
	Add(name string) error
	Remove(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

type fsnotifyWrapper struct {
	w *fsnotify.Watcher
}

func (fw *fsnotifyWrapper) Add(name string) error         { return fw.w.Add(name) }
func (fw *fsnotifyWrapper) Remove(name string) error      { return fw.w.Remove(name) }
func (fw *fsnotifyWrapper) Close() error                  { return fw.w.Close() }
func (fw *fsnotifyWrapper) Events() <-chan fsnotify.Event { return fw.w.Events }
func (fw *fsnotifyWrapper) Errors() <-chan error          { return fw.w.Errors }

// Watcher watches a Tree's root for out-of-band local filesystem changes —
// edits made directly to the cache directory rather than through the
// overlay tree's Create/Write/Delete calls. On every such change it
// invalidates the affected parent's list-cache entry and publishes an
// events.ExternalChange so the overlay can reconcile work-file state on
// next access. This is read-only observation: it never queues remote
// mutations itself (that remains the overlay's job).
type Watcher struct {
	root    string
	cache   *listcache.Cache
	bus     *events.Bus
	logger  *slog.Logger
	factory func() (FsWatcher, error)
}

// NewWatcher creates a Watcher over root, invalidating cache and
// publishing on bus as changes are observed.
func NewWatcher(root string, cache *listcache.Cache, bus *events.Bus, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		root:   root,
		cache:  cache,
		bus:    bus,
		logger: logger,
		factory: func() (FsWatcher, error) {
			w, err := fsnotify.NewWatcher()
			if err != nil {
				return nil, err
			}

			return &fsnotifyWrapper{w: w}, nil
		},
	}
}

// Run blocks watching the Tree's root recursively until ctx is canceled,
// adding watches to new directories as they appear. It returns nil on
// clean context cancellation.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := w.factory()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := w.addRecursive(watcher, w.root); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events():
			if !ok {
				return nil
			}

			w.handle(watcher, ev)
		case err, ok := <-watcher.Errors():
			if !ok {
				return nil
			}

			w.logger.Warn("fslocal: watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) addRecursive(watcher FsWatcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			w.logger.Warn("fslocal: walk error adding watches",
				slog.String("path", p), slog.String("error", err.Error()))

			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if !d.IsDir() {
			return nil
		}

		if addErr := watcher.Add(p); addErr != nil {
			w.logger.Warn("fslocal: failed watching directory",
				slog.String("path", p), slog.String("error", addErr.Error()))
		}

		return nil
	})
}

func (w *Watcher) handle(watcher FsWatcher, ev fsnotify.Event) {
	rel := strings.TrimPrefix(ev.Name, w.root)
	rel = filepath.ToSlash(rel)

	if rel == "" {
		return
	}

	if ev.Op&fsnotify.Create == fsnotify.Create {
		_ = watcher.Add(ev.Name)
	}

	logicalPath := rel
	if !strings.HasPrefix(logicalPath, pathkey.Separator) {
		logicalPath = pathkey.Separator + logicalPath
	}

	parent := pathkey.ParentOf(logicalPath)
	w.cache.Invalidate(parent, false)

	w.bus.Publish(events.Event{Kind: events.ExternalChange, Path: logicalPath, Method: ev.Op.String()})
}
