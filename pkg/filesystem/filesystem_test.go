package filesystem

import (
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"testing"
)

func TestRootedPathConstruction(t *testing.T) {
	root := "/workspace"
	if runtime.GOOS == "windows" {
		root = `C:\workspace`
	}
	path := NewRootedPath(root, "foo/bar")
	if path.Relative != "foo/bar" {
		t.Errorf("unexpected relative component: %q", path.Relative)
	}
	if path.Base() != "bar" {
		t.Errorf("unexpected base: %q", path.Base())
	}
	if path.Dir().Relative != "foo" {
		t.Errorf("unexpected parent: %q", path.Dir().Relative)
	}
	if path.Dir().Dir().Relative != "" || !path.Dir().Dir().IsRoot() {
		t.Error("grandparent is not the root")
	}
	if path.Dir().Dir().Dir() != path.Dir().Dir() {
		t.Error("parent of the root is not the root")
	}
	if joined := path.Join("baz"); joined.Relative != "foo/bar/baz" {
		t.Errorf("unexpected join result: %q", joined.Relative)
	}
}

func TestRootedPathIdentity(t *testing.T) {
	first := RootedPath{Root: "/a", Relative: "x"}
	second := RootedPath{Root: "/b", Relative: "x"}
	if first == second {
		t.Error("rooted paths under different roots compare equal")
	}
	if first != (RootedPath{Root: "/a", Relative: "x"}) {
		t.Error("identical rooted paths compare unequal")
	}
}

func TestRootedPathPanics(t *testing.T) {
	tests := []struct {
		name      string
		construct func()
	}{
		{"empty root", func() { NewRootedPath("", "x") }},
		{"relative root", func() { NewRootedPath("workspace", "x") }},
		{"absolute relative", func() { NewRootedPath("/workspace", "/x") }},
		{"escaping relative", func() { NewRootedPath("/workspace", "../x") }},
	}
	for _, test := range tests {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("%s: construction did not panic", test.name)
				}
			}()
			test.construct()
		}()
	}
}

func TestLstatClassification(t *testing.T) {
	directory := t.TempDir()

	filePath := filepath.Join(directory, "file")
	if err := os.WriteFile(filePath, []byte("twelve bytes"), 0o600); err != nil {
		t.Fatal(err)
	}

	if metadata, err := OS.Lstat(filePath); err != nil {
		t.Fatalf("lstat of file failed: %v", err)
	} else if metadata.Type != FileTypeFile {
		t.Errorf("file classified as %v", metadata.Type)
	} else if metadata.Size != 12 {
		t.Errorf("file size reported as %d", metadata.Size)
	}

	if metadata, err := OS.Lstat(directory); err != nil {
		t.Fatalf("lstat of directory failed: %v", err)
	} else if metadata.Type != FileTypeDirectory {
		t.Errorf("directory classified as %v", metadata.Type)
	}

	if metadata, err := OS.Lstat(filepath.Join(directory, "missing")); err != nil {
		t.Fatalf("lstat of missing path failed: %v", err)
	} else if metadata.Type != FileTypeNonexistent {
		t.Errorf("missing path classified as %v", metadata.Type)
	}

	if runtime.GOOS != "windows" {
		linkPath := filepath.Join(directory, "link")
		if err := os.Symlink("file", linkPath); err != nil {
			t.Fatal(err)
		}
		if metadata, err := OS.Lstat(linkPath); err != nil {
			t.Fatalf("lstat of symlink failed: %v", err)
		} else if metadata.Type != FileTypeSymlink {
			t.Errorf("symlink classified as %v (lstat followed the link)", metadata.Type)
		}
		if target, err := OS.Readlink(linkPath); err != nil {
			t.Fatalf("readlink failed: %v", err)
		} else if target != "file" {
			t.Errorf("readlink returned %q", target)
		}
	}
}

func TestDirectoryContentsOrdering(t *testing.T) {
	directory := t.TempDir()
	names := []string{"zeta", "alpha", "Zebra", "beta", "a.b", "a-b", "a_b"}
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(directory, name), nil, 0o600); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := OS.DirectoryContents(directory)
	if err != nil {
		t.Fatalf("listing failed: %v", err)
	}
	if len(entries) != len(names) {
		t.Fatalf("listing returned %d entries, expected %d", len(entries), len(names))
	}

	listed := make([]string, 0, len(entries))
	for _, entry := range entries {
		listed = append(listed, entry.Name)
	}
	if !sort.SliceIsSorted(listed, func(i, j int) bool { return listed[i] < listed[j] }) {
		t.Errorf("listing is not byte-wise sorted: %v", listed)
	}

	// Two listings of the same directory must be byte-identical.
	again, err := OS.DirectoryContents(directory)
	if err != nil {
		t.Fatalf("second listing failed: %v", err)
	}
	for i := range entries {
		if entries[i] != again[i] {
			t.Errorf("listings disagree at index %d: %v vs %v", i, entries[i], again[i])
		}
	}
}

func TestDigest(t *testing.T) {
	first := DigestBytes([]byte("content"))
	second, err := DigestReader(strings.NewReader("content"))
	if err != nil {
		t.Fatalf("reader digest failed: %v", err)
	}
	if !first.Valid() || !second.Valid() {
		t.Fatal("computed digest reports invalid")
	}
	if first != second {
		t.Error("digests of identical content differ")
	}
	if first == DigestBytes([]byte("other")) {
		t.Error("digests of differing content match")
	}
	var zero Digest
	if zero.Valid() {
		t.Error("zero digest reports valid")
	}
	if zero == DigestBytes(nil) {
		t.Error("zero digest equals the digest of empty content")
	}
}
