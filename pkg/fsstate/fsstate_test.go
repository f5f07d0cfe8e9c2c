package fsstate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mutagen-io/quarry/pkg/evaluation"
	"github.com/mutagen-io/quarry/pkg/filesystem"
	"github.com/mutagen-io/quarry/pkg/graph"
)

// harness wires the filesystem node families into an evaluator over real
// temporary directories.
type harness struct {
	graph     *graph.Graph
	evaluator *evaluation.Evaluator
	buildID   uuid.UUID
}

// newHarness creates a harness with the specified package roots, immutable
// directories, and strictness.
func newHarness(t *testing.T, packageRoots, immutableDirectories []string, strict bool) *harness {
	t.Helper()
	h := &harness{graph: graph.NewGraph(), buildID: uuid.New()}
	policy := NewExternalPathPolicy(packageRoots, immutableDirectories, strict)

	registry := evaluation.NewRegistry()
	registry.MustRegister(FamilyFileState, &FileStateFunction{Filesystem: filesystem.OS, Policy: policy})
	registry.MustRegister(FamilyFile, &FileFunction{})
	registry.MustRegister(FamilyDirectoryListing, &DirectoryListingFunction{Filesystem: filesystem.OS})
	registry.MustRegister(FamilyBuildSentinel, NewBuildSentinelFunction(func() uuid.UUID {
		return h.buildID
	}))

	evaluator, err := evaluation.NewEvaluator(
		h.graph, registry, &evaluation.Configuration{Parallelism: 4}, nil,
	)
	if err != nil {
		t.Fatalf("unable to create evaluator: %v", err)
	}
	h.evaluator = evaluator
	return h
}

// build starts a new build (fresh build ID, dirtied sentinel, advanced
// version) and evaluates the specified keys.
func (h *harness) build(t *testing.T, keys ...graph.Key) *evaluation.Result {
	t.Helper()
	h.buildID = uuid.New()
	h.graph.Dirty(BuildSentinelKey{})
	h.graph.AdvanceVersion()
	result, err := h.evaluator.Evaluate(context.Background(), keys, nil)
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	return result
}

// requireSymlinks skips the test on platforms where unprivileged symbolic
// link creation isn't generally available.
func requireSymlinks(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("skipping symbolic link test on Windows")
	}
}

func TestFileState(t *testing.T) {
	root := t.TempDir()
	h := newHarness(t, []string{root}, nil, false)
	if err := os.WriteFile(filepath.Join(root, "a"), []byte("twelve bytes"), 0o600); err != nil {
		t.Fatal(err)
	}

	key := FileStateKey{Path: filesystem.NewRootedPath(root, "a")}
	result := h.build(t, key)
	if err := result.Error(key); err != nil {
		t.Fatalf("file-state errored: %v", err)
	}
	state := result.Value(key).(FileStateValue)
	if state.Type != filesystem.FileTypeFile || state.Size != 12 {
		t.Fatalf("unexpected state: %+v", state)
	}
	if state.Fingerprint.Kind != FingerprintProxy {
		t.Fatalf("unexpected fingerprint kind: %v", state.Fingerprint.Kind)
	}
	if state.Fingerprint.ModificationTimeNanos != -1 {
		t.Error("non-empty file fingerprint retains a modification time")
	}

	// Touching the modification time without changing content must yield an
	// identical value on re-observation, leaving the value version (and
	// thus all dependents) untouched.
	node, _ := h.graph.Lookup(key)
	initialVersion := node.ValueVersion()
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(filepath.Join(root, "a"), future, future); err != nil {
		t.Fatal(err)
	}
	h.graph.Dirty(key)
	second := h.build(t, key)
	if second.Value(key).(FileStateValue) != state {
		t.Error("modification time touch changed the file-state value")
	}
	if node.ValueVersion() != initialVersion {
		t.Error("modification time touch advanced the value version")
	}
}

func TestFileStateNonexistent(t *testing.T) {
	root := t.TempDir()
	h := newHarness(t, []string{root}, nil, false)
	key := FileStateKey{Path: filesystem.NewRootedPath(root, "missing")}
	result := h.build(t, key)
	if err := result.Error(key); err != nil {
		t.Fatalf("nonexistent path errored: %v", err)
	}
	state := result.Value(key).(FileStateValue)
	if state.Exists() {
		t.Errorf("nonexistent path reported as existing: %+v", state)
	}
}

func TestFileStateEmptyFileKeepsModificationTime(t *testing.T) {
	root := t.TempDir()
	h := newHarness(t, []string{root}, nil, false)
	if err := os.WriteFile(filepath.Join(root, "empty"), nil, 0o600); err != nil {
		t.Fatal(err)
	}
	key := FileStateKey{Path: filesystem.NewRootedPath(root, "empty")}
	state := h.build(t, key).Value(key).(FileStateValue)
	if state.Fingerprint.ModificationTimeNanos == -1 {
		t.Error("empty file fingerprint had its modification time suppressed")
	}
}

func TestFileResolution(t *testing.T) {
	requireSymlinks(t)
	root := t.TempDir()
	h := newHarness(t, []string{root}, nil, false)
	if err := os.WriteFile(filepath.Join(root, "c"), []byte("content"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("c", filepath.Join(root, "b")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("b", filepath.Join(root, "a")); err != nil {
		t.Fatal(err)
	}

	key := FileKey{Path: filesystem.NewRootedPath(root, "a")}
	result := h.build(t, key)
	if err := result.Error(key); err != nil {
		t.Fatalf("resolution errored: %v", err)
	}
	value := result.Value(key).(FileValue)
	if value.Path != filesystem.NewRootedPath(root, "c") {
		t.Errorf("resolved to %v", value.Path)
	}
	if value.Type != filesystem.FileTypeFile {
		t.Errorf("resolved type is %v", value.Type)
	}
	if len(value.Chain) != 2 {
		t.Errorf("unexpected chain: %v", value.Chain)
	}
}

func TestFileResolutionCycle(t *testing.T) {
	requireSymlinks(t)
	root := t.TempDir()
	h := newHarness(t, []string{root}, nil, false)
	if err := os.Symlink("b", filepath.Join(root, "a")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("a", filepath.Join(root, "b")); err != nil {
		t.Fatal(err)
	}

	key := FileKey{Path: filesystem.NewRootedPath(root, "a")}
	result := h.build(t, key)
	err := result.Error(key)
	if err == nil || err.Kind != graph.ErrorKindSymlinkCycle {
		t.Fatalf("cycle error: %v", err)
	}
}

func TestFileResolutionHopCap(t *testing.T) {
	requireSymlinks(t)
	root := t.TempDir()
	h := newHarness(t, []string{root}, nil, false)

	// Build an acyclic chain longer than the hop cap.
	if err := os.WriteFile(filepath.Join(root, fmt.Sprintf("l%d", MaximumSymlinkHops+2)), nil, 0o600); err != nil {
		t.Fatal(err)
	}
	for i := MaximumSymlinkHops + 1; i >= 0; i-- {
		if err := os.Symlink(fmt.Sprintf("l%d", i+1), filepath.Join(root, fmt.Sprintf("l%d", i))); err != nil {
			t.Fatal(err)
		}
	}

	key := FileKey{Path: filesystem.NewRootedPath(root, "l0")}
	result := h.build(t, key)
	err := result.Error(key)
	if err == nil || err.Kind != graph.ErrorKindSymlinkCycle {
		t.Fatalf("hop cap error: %v", err)
	}

	// A chain just under the cap resolves.
	nearKey := FileKey{Path: filesystem.NewRootedPath(root, fmt.Sprintf("l%d", 3))}
	nearResult := h.build(t, nearKey)
	if err := nearResult.Error(nearKey); err != nil {
		t.Fatalf("near-cap chain errored: %v", err)
	}
}

func TestFileResolutionDangling(t *testing.T) {
	requireSymlinks(t)
	root := t.TempDir()
	h := newHarness(t, []string{root}, nil, false)
	if err := os.Symlink("missing", filepath.Join(root, "a")); err != nil {
		t.Fatal(err)
	}
	key := FileKey{Path: filesystem.NewRootedPath(root, "a")}
	result := h.build(t, key)
	if err := result.Error(key); err != nil {
		t.Fatalf("dangling link errored: %v", err)
	}
	value := result.Value(key).(FileValue)
	if value.Exists() {
		t.Error("dangling link reported as existing")
	}
	if value.Path != filesystem.NewRootedPath(root, "missing") {
		t.Errorf("dangling link resolved to %v", value.Path)
	}
}

func TestDirectoryListing(t *testing.T) {
	root := t.TempDir()
	h := newHarness(t, []string{root}, nil, false)
	if err := os.MkdirAll(filepath.Join(root, "dir", "sub"), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "dir", "file"), nil, 0o600); err != nil {
		t.Fatal(err)
	}

	key := DirectoryListingKey{Path: filesystem.NewRootedPath(root, "dir")}
	result := h.build(t, key)
	if err := result.Error(key); err != nil {
		t.Fatalf("listing errored: %v", err)
	}
	listing := result.Value(key).(DirectoryListingValue)
	if len(listing.Entries) != 2 {
		t.Fatalf("unexpected entries: %v", listing.Entries)
	}
	if listing.Entries[0].Name != "file" || listing.Entries[0].Type != filesystem.FileTypeFile {
		t.Errorf("unexpected first entry: %v", listing.Entries[0])
	}
	if listing.Entries[1].Name != "sub" || listing.Entries[1].Type != filesystem.FileTypeDirectory {
		t.Errorf("unexpected second entry: %v", listing.Entries[1])
	}
}

func TestDirectoryListingNonDirectories(t *testing.T) {
	root := t.TempDir()
	h := newHarness(t, []string{root}, nil, false)
	if err := os.WriteFile(filepath.Join(root, "file"), nil, 0o600); err != nil {
		t.Fatal(err)
	}

	for _, relative := range []string{"file", "missing"} {
		key := DirectoryListingKey{Path: filesystem.NewRootedPath(root, relative)}
		result := h.build(t, key)
		err := result.Error(key)
		if err == nil || err.Kind != graph.ErrorKindNotADirectory {
			t.Errorf("listing %s: %v", relative, err)
		}
	}
}

func TestDirectoryListingThroughSymlink(t *testing.T) {
	requireSymlinks(t)
	root := t.TempDir()
	h := newHarness(t, []string{root}, nil, false)
	if err := os.MkdirAll(filepath.Join(root, "real"), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "real", "inner"), nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("real", filepath.Join(root, "link")); err != nil {
		t.Fatal(err)
	}

	key := DirectoryListingKey{Path: filesystem.NewRootedPath(root, "link")}
	result := h.build(t, key)
	if err := result.Error(key); err != nil {
		t.Fatalf("listing through symlink errored: %v", err)
	}
	listing := result.Value(key).(DirectoryListingValue)
	if len(listing.Entries) != 1 || listing.Entries[0].Name != "inner" {
		t.Errorf("unexpected entries: %v", listing.Entries)
	}
}

func TestExternalPathPolicyClassification(t *testing.T) {
	policy := NewExternalPathPolicy(
		[]string{"/workspace", "/other"},
		[]string{"/cache/immutable"},
		false,
	)
	tests := []struct {
		path     string
		expected PathClass
	}{
		{"/workspace", PathClassInternal},
		{"/workspace/pkg/file", PathClassInternal},
		{"/workspacesibling", PathClassExternalMutable},
		{"/other/x", PathClassInternal},
		{"/cache/immutable/dep/file", PathClassExternalImmutable},
		{"/cache/mutable/file", PathClassExternalMutable},
		{"/tmp/elsewhere", PathClassExternalMutable},
	}
	for _, test := range tests {
		if class := policy.ClassifyAbsolute(test.path); class != test.expected {
			t.Errorf("%s classified as %v, expected %v", test.path, class, test.expected)
		}
	}
}

func TestExternalMutableReobservation(t *testing.T) {
	root := t.TempDir()
	external := t.TempDir()
	h := newHarness(t, []string{root}, nil, false)
	externalFile := filepath.Join(external, "dep")
	if err := os.WriteFile(externalFile, []byte("v1"), 0o600); err != nil {
		t.Fatal(err)
	}

	// The external file's state depends on the build sentinel, so a new
	// build re-observes it without any explicit invalidation.
	key := FileStateKey{Path: filesystem.NewRootedPath(external, "dep")}
	first := h.build(t, key)
	if size := first.Value(key).(FileStateValue).Size; size != 2 {
		t.Fatalf("unexpected initial size: %d", size)
	}
	if err := os.WriteFile(externalFile, []byte("grown"), 0o600); err != nil {
		t.Fatal(err)
	}
	second := h.build(t, key)
	if size := second.Value(key).(FileStateValue).Size; size != 5 {
		t.Errorf("external change not observed: size %d", size)
	}
}

func TestStrictExternalPaths(t *testing.T) {
	root := t.TempDir()
	external := t.TempDir()
	h := newHarness(t, []string{root}, nil, true)
	key := FileStateKey{Path: filesystem.NewRootedPath(external, "dep")}
	result := h.build(t, key)
	err := result.Error(key)
	if err == nil || err.Kind != graph.ErrorKindIO {
		t.Fatalf("strict mode error: %v", err)
	}
}

func TestResolveTarget(t *testing.T) {
	tests := []struct {
		origin   filesystem.RootedPath
		target   string
		expected filesystem.RootedPath
	}{
		{filesystem.RootedPath{Root: "/r", Relative: "a"}, "b", filesystem.RootedPath{Root: "/r", Relative: "b"}},
		{filesystem.RootedPath{Root: "/r", Relative: "d/a"}, "b", filesystem.RootedPath{Root: "/r", Relative: "d/b"}},
		{filesystem.RootedPath{Root: "/r", Relative: "d/a"}, "../b", filesystem.RootedPath{Root: "/r", Relative: "b"}},
		{filesystem.RootedPath{Root: "/r", Relative: "d/a"}, "../..", filesystem.RootedPath{Root: "/", Relative: ""}},
		{filesystem.RootedPath{Root: "/r", Relative: "a"}, "/r/x", filesystem.RootedPath{Root: "/r", Relative: "x"}},
		{filesystem.RootedPath{Root: "/r", Relative: "a"}, "/r", filesystem.RootedPath{Root: "/r", Relative: ""}},
		{filesystem.RootedPath{Root: "/r", Relative: "a"}, "/elsewhere/x", filesystem.RootedPath{Root: "/", Relative: "elsewhere/x"}},
		{filesystem.RootedPath{Root: "/r", Relative: "d/a"}, "../../outside", filesystem.RootedPath{Root: "/", Relative: "outside"}},
	}
	if runtime.GOOS == "windows" {
		t.Skip("skipping POSIX path resolution cases on Windows")
	}
	for _, test := range tests {
		if resolved := resolveTarget(test.origin, test.target); resolved != test.expected {
			t.Errorf(
				"resolveTarget(%v, %q) = %v, expected %v",
				test.origin, test.target, resolved, test.expected,
			)
		}
	}
}
