package watching

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"go.uber.org/zap"
)

// View is an opaque token representing the filesystem as of a moment in
// time. Views are only meaningful to the detector that produced them, and
// only for computing diffs against a successor view.
type View struct {
	// detector is the producing detector's identifier.
	detector uuid.UUID
	// sequence is the view's sequence number within its detector.
	sequence uint64
}

// Diff is a structured filesystem difference between two views: either a
// precise set of modified paths, or the statement that everything may have
// changed.
type Diff struct {
	// Everything indicates that any path may have changed and the modified
	// path set is meaningless.
	Everything bool
	// Paths lists the modified root-relative paths, sorted, when Everything
	// is false.
	Paths []string
}

// EverythingDiff is the diff stating that everything may have changed.
var EverythingDiff = Diff{Everything: true}

// ChangeDetector converts a recursive watcher's event stream into minimal
// sets of modified paths between successive views. It is safe for concurrent
// use.
type ChangeDetector struct {
	// root is the watched root.
	root string
	// id is the detector identifier stamped into views.
	id uuid.UUID
	// watcher is the underlying recursive watcher.
	watcher RecursiveWatcher
	// logger is the detector's logger.
	logger *zap.Logger
	// done signals pump termination.
	done sync.WaitGroup
	// mutex guards the remaining fields.
	mutex sync.Mutex
	// sequence is the last issued view sequence number.
	sequence uint64
	// pending accumulates root-relative paths modified since the last view.
	pending map[string]bool
	// diffs maps a view sequence to the modified paths between it and its
	// predecessor. Only the most recent entry is retained.
	diffs map[uint64][]string
	// failed indicates that the watcher reported an error and precise diffs
	// are no longer possible.
	failed bool
	// closed indicates that Close was called.
	closed bool
}

// NewChangeDetector establishes change detection over the specified root. On
// platforms without reliable native watching it returns (nil, nil): callers
// must then treat every build as if everything had been modified. A nil
// logger is replaced with a no-op logger.
func NewChangeDetector(root string, logger *zap.Logger) (*ChangeDetector, error) {
	if !Supported() {
		return nil, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	root = filepath.Clean(root)
	watcher, err := NewRecursiveWatcher(root, logger)
	if err != nil {
		return nil, err
	}
	detector := &ChangeDetector{
		root:    root,
		id:      uuid.New(),
		watcher: watcher,
		logger:  logger,
		pending: make(map[string]bool),
		diffs:   make(map[uint64][]string),
	}
	detector.done.Add(1)
	go detector.pump()
	return detector, nil
}

// pump drains the watcher's channels into the pending set until the watcher
// terminates or fails.
func (d *ChangeDetector) pump() {
	defer d.done.Done()
	for {
		select {
		case batch, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			d.mutex.Lock()
			for path := range batch {
				d.pending[d.relative(path)] = true
			}
			d.mutex.Unlock()
		case err := <-d.watcher.Errors():
			if err != ErrWatchTerminated {
				d.logger.Warn("watch failed; downgrading to full rescans", zap.Error(err))
				d.mutex.Lock()
				d.failed = true
				d.mutex.Unlock()
			}
			return
		}
	}
}

// relative converts a watcher path to root-relative slash form.
func (d *ChangeDetector) relative(path string) string {
	if relative, err := filepath.Rel(d.root, path); err == nil && relative != ".." &&
		!strings.HasPrefix(relative, ".."+string(filepath.Separator)) {
		return filepath.ToSlash(relative)
	}
	return filepath.ToSlash(path)
}

// GetCurrentView captures a view of the filesystem as of now. The paths
// modified since the previous view become the diff between that view and
// this one.
func (d *ChangeDetector) GetCurrentView() (View, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.closed {
		return View{}, ErrDetectorClosed
	}

	d.sequence++
	modified := make([]string, 0, len(d.pending))
	for path := range d.pending {
		modified = append(modified, path)
	}
	sort.Strings(modified)
	d.pending = make(map[string]bool)

	// Only the diff into the newest view is kept, so older entries are
	// dropped.
	for sequence := range d.diffs {
		if sequence < d.sequence {
			delete(d.diffs, sequence)
		}
	}
	d.diffs[d.sequence] = modified

	return View{detector: d.id, sequence: d.sequence}, nil
}

// GetDiff computes the difference between two views. Two equal views of this
// detector yield the empty diff, even after a watcher failure. Otherwise the
// result is precise only if both views were produced by this detector, new is
// the most recent view and immediately succeeds old, and the watcher never
// failed; a successive pair whose new view has since been followed by another
// view yields everything, as does every other case.
func (d *ChangeDetector) GetDiff(old, new View) Diff {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if old.detector != d.id || new.detector != d.id {
		return EverythingDiff
	}
	if old.sequence == new.sequence {
		return Diff{}
	}
	if d.failed {
		return EverythingDiff
	}
	if new.sequence == old.sequence+1 {
		if paths, ok := d.diffs[new.sequence]; ok {
			return Diff{Paths: paths}
		}
	}
	return EverythingDiff
}

// Close releases the detector's watch resources. Further GetCurrentView
// calls fail with ErrDetectorClosed.
func (d *ChangeDetector) Close() error {
	d.mutex.Lock()
	if d.closed {
		d.mutex.Unlock()
		return nil
	}
	d.closed = true
	d.mutex.Unlock()
	err := d.watcher.Terminate()
	d.done.Wait()
	return err
}
