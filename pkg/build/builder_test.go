package build

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mutagen-io/quarry/pkg/evaluation"
	"github.com/mutagen-io/quarry/pkg/filesystem"
	"github.com/mutagen-io/quarry/pkg/graph"
	"github.com/mutagen-io/quarry/pkg/packages"
	"github.com/mutagen-io/quarry/pkg/pattern"
)

const (
	// testSettleDeadline is how long tests wait for watch-driven
	// invalidation to take effect.
	testSettleDeadline = 10 * time.Second
	// testPollInterval is the interval between rebuild attempts while
	// waiting.
	testPollInterval = 100 * time.Millisecond
)

// writeFile writes a file, creating parent directories.
func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}
}

// newBuilder creates a builder over the specified root with cleanup
// registered.
func newBuilder(t *testing.T, root string) *Builder {
	t.Helper()
	builder, err := NewBuilder(
		filesystem.OS, []string{root}, nil,
		&evaluation.Configuration{Parallelism: 4, ErrorMode: evaluation.ErrorModeKeepGoing},
		nil,
	)
	if err != nil {
		t.Fatalf("unable to create builder: %v", err)
	}
	t.Cleanup(func() {
		builder.Close()
	})
	return builder
}

// labelStrings renders labels for comparison.
func labelStrings(labels []packages.Label) []string {
	result := make([]string, 0, len(labels))
	for _, label := range labels {
		result = append(result, label.String())
	}
	return result
}

func TestBuildTargetResolution(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "app", "BUILD"),
		"rule go_binary tool srcs=main.go deps=//lib:core\n")
	writeFile(t, filepath.Join(root, "app", "main.go"), "")
	writeFile(t, filepath.Join(root, "lib", "BUILD"),
		"rule go_library core srcs=core.go\n")
	writeFile(t, filepath.Join(root, "lib", "core.go"), "")
	builder := newBuilder(t, root)

	resolved, err := builder.ResolveTargets(
		context.Background(), []string{"//..."}, "", pattern.FilterRulesOnly, nil,
	)
	if err != nil {
		t.Fatalf("resolution failed: %v", err)
	}
	if resolved.AnyProblem() {
		t.Fatalf("resolution problems: %v", resolved.Problems)
	}
	expected := []string{"//app:tool", "//lib:core"}
	if !cmp.Equal(labelStrings(resolved.Targets), expected) {
		t.Errorf("unexpected targets: %v", labelStrings(resolved.Targets))
	}
}

func TestRebuildWithoutChangesDoesNothing(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "pkg", "BUILD"), "rule go_library lib srcs=lib.go\n")
	writeFile(t, filepath.Join(root, "pkg", "lib.go"), "contents")
	builder := newBuilder(t, root)

	key := packages.PackageKey{Package: "pkg"}
	first, err := builder.Build(context.Background(), []graph.Key{key}, nil)
	if err != nil {
		t.Fatalf("first build failed: %v", err)
	}
	if first.AnyError() {
		t.Fatalf("first build errored: %v", first.Errors)
	}

	// With change detection in place and no filesystem activity, a rebuild
	// performs zero function invocations.
	second, err := builder.Build(context.Background(), []graph.Key{key}, nil)
	if err != nil {
		t.Fatalf("second build failed: %v", err)
	}
	if second.Invocations != 0 {
		t.Errorf("no-change rebuild performed %d invocations", second.Invocations)
	}
	if second.Value(key) == nil {
		t.Error("no-change rebuild lost the package value")
	}
}

func TestModificationTimeTouchDoesNotReloadPackage(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "pkg", "BUILD"), "rule go_library lib srcs=lib.go\n")
	writeFile(t, filepath.Join(root, "pkg", "lib.go"), "contents")
	builder := newBuilder(t, root)

	key := packages.PackageKey{Package: "pkg"}
	if result, err := builder.Build(context.Background(), []graph.Key{key}, nil); err != nil {
		t.Fatalf("initial build failed: %v", err)
	} else if result.AnyError() {
		t.Fatalf("initial build errored: %v", result.Errors)
	}
	node, ok := builder.Graph().Lookup(key)
	if !ok {
		t.Fatal("package node missing after build")
	}
	packageVersion := node.ValueVersion()

	// Touch the source's modification time without changing content. The
	// file-state node re-runs once the change arrives, returns an equal
	// value, and the package function is never re-invoked.
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(filepath.Join(root, "pkg", "lib.go"), future, future); err != nil {
		t.Fatal(err)
	}
	reobserved := false
	deadline := time.Now().Add(testSettleDeadline)
	for time.Now().Before(deadline) {
		time.Sleep(testPollInterval)
		result, err := builder.Build(context.Background(), []graph.Key{key}, nil)
		if err != nil {
			t.Fatalf("rebuild failed: %v", err)
		}
		if result.AnyError() {
			t.Fatalf("rebuild errored: %v", result.Errors)
		}
		if result.Invocations > 0 {
			reobserved = true
			break
		}
	}
	if !reobserved {
		t.Fatal("timed out waiting for the touch to be observed")
	}
	if node.ValueVersion() != packageVersion {
		t.Error("modification time touch invalidated the package value")
	}
}

func TestDefinitionChangePropagates(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "pkg", "BUILD"), "rule go_library one\n")
	builder := newBuilder(t, root)

	resolve := func() []string {
		resolved, err := builder.ResolveTargets(
			context.Background(), []string{"//pkg:all"}, "", pattern.FilterRulesOnly, nil,
		)
		if err != nil {
			t.Fatalf("resolution failed: %v", err)
		}
		return labelStrings(resolved.Targets)
	}
	if targets := resolve(); !cmp.Equal(targets, []string{"//pkg:one"}) {
		t.Fatalf("unexpected initial targets: %v", targets)
	}

	// Extend the package definition and wait for the change to propagate
	// through detection, invalidation, and re-resolution.
	writeFile(t, filepath.Join(root, "pkg", "BUILD"),
		"rule go_library one\nrule go_library two\n")
	expected := []string{"//pkg:one", "//pkg:two"}
	deadline := time.Now().Add(testSettleDeadline)
	for time.Now().Before(deadline) {
		time.Sleep(testPollInterval)
		if targets := resolve(); cmp.Equal(targets, expected) {
			return
		}
	}
	t.Fatal("timed out waiting for the definition change to propagate")
}

func TestNewPackagePropagates(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "existing", "BUILD"), "rule go_library lib\n")
	builder := newBuilder(t, root)

	resolve := func() []string {
		resolved, err := builder.ResolveTargets(
			context.Background(), []string{"//..."}, "", pattern.FilterRulesOnly, nil,
		)
		if err != nil {
			t.Fatalf("resolution failed: %v", err)
		}
		return labelStrings(resolved.Targets)
	}
	if targets := resolve(); !cmp.Equal(targets, []string{"//existing:lib"}) {
		t.Fatalf("unexpected initial targets: %v", targets)
	}

	// A package created after the first build must appear: its parent's
	// directory listing and the new paths are invalidated from the diff.
	writeFile(t, filepath.Join(root, "fresh", "BUILD"), "rule go_library lib\n")
	expected := []string{"//existing:lib", "//fresh:lib"}
	deadline := time.Now().Add(testSettleDeadline)
	for time.Now().Before(deadline) {
		time.Sleep(testPollInterval)
		if targets := resolve(); cmp.Equal(targets, expected) {
			return
		}
	}
	t.Fatal("timed out waiting for the new package to appear")
}
