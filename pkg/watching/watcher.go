package watching

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/golang/groupcache/lru"

	"go.uber.org/zap"
)

// Supported indicates whether or not recursive watching is supported on the
// current platform. On unsupported (or known-unreliable) platforms the
// detector factory refuses construction and builds fall back to treating
// everything as modified.
func Supported() bool {
	switch runtime.GOOS {
	case "linux", "darwin", "windows", "freebsd", "netbsd", "openbsd", "dragonfly":
		return true
	default:
		return false
	}
}

// recursiveWatcher implements RecursiveWatcher over per-directory watches,
// with watches evicted on an LRU basis once the watch limit is reached.
// Eviction degrades the watcher: an eviction error is surfaced because the
// event stream is no longer complete.
type recursiveWatcher struct {
	// root is the watched root.
	root string
	// notifier is the underlying watcher.
	notifier *fsnotify.Watcher
	// evictor performs LRU-based watch eviction.
	evictor *lru.Cache
	// events is the coalesced event delivery channel.
	events chan map[string]bool
	// watchErrors relays watch management errors to the run loop.
	watchErrors chan error
	// errors is the error delivery channel.
	errors chan error
	// logger is the watcher's logger.
	logger *zap.Logger
	// cancel is the run loop cancellation function.
	cancel context.CancelFunc
	// done is the run loop completion signaling mechanism.
	done sync.WaitGroup
}

// NewRecursiveWatcher establishes a recursive watch over the specified root.
// Directory symbolic links beneath the root are not followed. A nil logger
// is replaced with a no-op logger.
func NewRecursiveWatcher(root string, logger *zap.Logger) (RecursiveWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Create a context to regulate the watcher's run loop.
	ctx, cancel := context.WithCancel(context.Background())

	// Create the watcher.
	watcher := &recursiveWatcher{
		root:        root,
		notifier:    notifier,
		evictor:     lru.New(maximumDirectoryWatches),
		events:      make(chan map[string]bool),
		watchErrors: make(chan error, 1),
		errors:      make(chan error, 1),
		logger:      logger,
		cancel:      cancel,
	}

	// Set the eviction handler. Eviction keeps the watch count bounded, but
	// it also means events can be missed, so it degrades the watcher.
	watcher.evictor.OnEvicted = func(key lru.Key, _ interface{}) {
		if path, ok := key.(string); !ok {
			panic("invalid key type in watch path cache")
		} else {
			if err := notifier.Remove(path); err != nil {
				watcher.logger.Debug("unable to remove evicted watch",
					zap.String("path", path), zap.Error(err))
			}
			select {
			case watcher.watchErrors <- ErrTooManyWatches:
			default:
			}
		}
	}

	// Establish the initial watch set.
	if err := watcher.watchTree(root); err != nil {
		watcher.cancel()
		notifier.Close()
		return nil, err
	}

	// Start the run loop.
	watcher.done.Add(1)
	go func() {
		defer watcher.done.Done()
		select {
		case watcher.errors <- watcher.run(ctx):
		default:
		}
	}()

	return watcher, nil
}

// watchTree adds watches for a directory and everything beneath it,
// skipping directory symbolic links. Unreadable subtrees are skipped with a
// warning rather than failing the walk.
func (w *recursiveWatcher) watchTree(root string) error {
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			w.logger.Warn("unable to walk watched subtree",
				zap.String("path", path), zap.Error(err))
			return filepath.SkipDir
		}
		if !entry.IsDir() {
			return nil
		}
		if err := w.notifier.Add(path); err != nil {
			w.logger.Warn("unable to watch directory",
				zap.String("path", path), zap.Error(err))
			return filepath.SkipDir
		}
		w.evictor.Add(path, nil)
		return nil
	})
}

// run is the watcher's run loop. Its return value is delivered on the error
// channel.
func (w *recursiveWatcher) run(ctx context.Context) error {
	// Create (and stop) the coalescing timer.
	coalescing := time.NewTimer(watchCoalescingWindow)
	if !coalescing.Stop() {
		<-coalescing.C
	}
	defer coalescing.Stop()

	// Track pending paths.
	pending := make(map[string]bool)

	for {
		select {
		case <-ctx.Done():
			return ErrWatchTerminated
		case event, ok := <-w.notifier.Events:
			if !ok {
				return ErrWatchTerminated
			}

			// Record the path.
			pending[event.Name] = true
			if len(pending) > watchCoalescingMaximumPendingPaths {
				return ErrTooManyPendingPaths
			}

			// Newly created directories need watches of their own, and
			// any contents that appeared before the watch was in place
			// need synthesized events.
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
					w.extend(event.Name, pending)
					if len(pending) > watchCoalescingMaximumPendingPaths {
						return ErrTooManyPendingPaths
					}
				}
			}

			// Reset the coalescing timer.
			if !coalescing.Stop() {
				select {
				case <-coalescing.C:
				default:
				}
			}
			coalescing.Reset(watchCoalescingWindow)
		case <-coalescing.C:
			if len(pending) > 0 {
				select {
				case w.events <- pending:
					pending = make(map[string]bool)
				case <-ctx.Done():
					return ErrWatchTerminated
				}
			}
		case err, ok := <-w.notifier.Errors:
			if !ok {
				return ErrWatchTerminated
			}
			return err
		case err := <-w.watchErrors:
			return err
		}
	}
}

// extend watches a newly created directory tree, synthesizing events for any
// contents that appeared before the watch was in place.
func (w *recursiveWatcher) extend(root string, pending map[string]bool) {
	if err := w.watchTree(root); err != nil {
		w.logger.Warn("unable to watch created directory",
			zap.String("path", root), zap.Error(err))
		return
	}
	w.synthesize(root, pending)
}

// synthesize records pending events for a directory tree's contents.
func (w *recursiveWatcher) synthesize(root string, pending map[string]bool) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, entry := range entries {
		path := filepath.Join(root, entry.Name())
		pending[path] = true
		if entry.IsDir() {
			w.synthesize(path, pending)
		}
	}
}

// Events implements RecursiveWatcher.Events.
func (w *recursiveWatcher) Events() <-chan map[string]bool {
	return w.events
}

// Errors implements RecursiveWatcher.Errors.
func (w *recursiveWatcher) Errors() <-chan error {
	return w.errors
}

// Terminate implements RecursiveWatcher.Terminate.
func (w *recursiveWatcher) Terminate() error {
	w.cancel()
	err := w.notifier.Close()
	w.done.Wait()
	return err
}
