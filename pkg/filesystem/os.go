package filesystem

import (
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"
)

// osFilesystem is the Filesystem implementation backed by the operating
// system.
type osFilesystem struct{}

// OS is the operating-system-backed filesystem.
var OS Filesystem = osFilesystem{}

// fileTypeForMode converts a file mode into a file type.
func fileTypeForMode(mode os.FileMode) FileType {
	if mode.IsRegular() {
		return FileTypeFile
	} else if mode.IsDir() {
		return FileTypeDirectory
	} else if mode&os.ModeSymlink != 0 {
		return FileTypeSymlink
	}
	return FileTypeOther
}

// Lstat implements Filesystem.Lstat.
func (osFilesystem) Lstat(path string) (Metadata, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Metadata{Type: FileTypeNonexistent}, nil
		}
		return Metadata{}, errors.Wrap(err, "unable to lstat path")
	}
	return Metadata{
		Type:             fileTypeForMode(info.Mode()),
		Size:             uint64(info.Size()),
		ModificationTime: info.ModTime(),
		FileID:           fileIDForInfo(info),
	}, nil
}

// Readlink implements Filesystem.Readlink.
func (osFilesystem) Readlink(path string) (string, error) {
	target, err := os.Readlink(path)
	if err != nil {
		return "", errors.Wrap(err, "unable to read symbolic link target")
	}
	return target, nil
}

// DirectoryContents implements Filesystem.DirectoryContents.
func (osFilesystem) DirectoryContents(path string) ([]Entry, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read directory contents")
	}
	results := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		results = append(results, Entry{
			Name: entry.Name(),
			Type: fileTypeForMode(entry.Type()),
		})
	}

	// os.ReadDir sorts by filename, but the byte-wise ordering is part of
	// this interface's contract, so enforce it rather than assume it.
	sort.Slice(results, func(i, j int) bool {
		return results[i].Name < results[j].Name
	})
	return results, nil
}

// Open implements Filesystem.Open.
func (osFilesystem) Open(path string) (io.ReadCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return file, nil
}

// FastDigest implements Filesystem.FastDigest. No portable operating system
// interface exposes precomputed content digests, so availability is always
// reported as false and callers fall back to metadata-proxy fingerprints.
func (osFilesystem) FastDigest(path string) (Digest, bool, error) {
	return Digest{}, false, nil
}
