// Package watching provides filesystem change awareness for incremental
// builds: a recursive watcher over a workspace root with event coalescing and
// watch-count limiting, and a change detector that converts the watcher's
// event stream into minimal sets of modified paths between successive build
// views. Directory symbolic links are deliberately not followed.
package watching

import (
	"errors"
	"time"
)

const (
	// watchCoalescingWindow is the time window for event coalescing.
	watchCoalescingWindow = 10 * time.Millisecond
	// watchCoalescingMaximumPendingPaths is the maximum number of paths
	// that will be allowed in a pending coalesced event.
	watchCoalescingMaximumPendingPaths = 10 * 1024
	// maximumDirectoryWatches is the maximum number of per-directory
	// watches a single watcher will hold. Exceeding it evicts the least
	// recently used watch and degrades the watcher, since its event stream
	// is no longer complete.
	maximumDirectoryWatches = 16 * 1024
)

var (
	// ErrWatchTerminated indicates that a watcher has been terminated.
	ErrWatchTerminated = errors.New("watch terminated")
	// ErrTooManyPendingPaths indicates that too many paths were coalesced.
	ErrTooManyPendingPaths = errors.New("too many pending paths")
	// ErrTooManyWatches indicates that the directory watch limit was
	// exceeded and the event stream is incomplete.
	ErrTooManyWatches = errors.New("too many directory watches")
	// ErrDetectorClosed indicates use of a closed change detector.
	ErrDetectorClosed = errors.New("change detector closed")
)

// RecursiveWatcher is the interface implemented by recursive filesystem
// watching implementations. It is not safe for concurrent usage, though the
// channels returned by its methods may (and should) be polled simultaneously.
type RecursiveWatcher interface {
	// Events returns a channel that provides coalesced batches of changed
	// paths.
	Events() <-chan map[string]bool
	// Errors returns a channel that is populated if a watch error occurs.
	// If an error occurs, then the watcher should be terminated. If
	// Terminate is invoked before any other error occurs, then it will be
	// populated by ErrWatchTerminated.
	Errors() <-chan error
	// Terminate terminates all watching operations and releases any
	// resources associated with the watcher.
	Terminate() error
}
