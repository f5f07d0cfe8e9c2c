package fsstate

import (
	"io"
	"os"

	"github.com/mutagen-io/quarry/pkg/filesystem"
	"github.com/mutagen-io/quarry/pkg/graph"
)

// ReadFile reads the full contents of a regular file whose file-state has
// already been observed within the current build. A file that vanishes (or
// stops being a regular file) between the observation and the read is a
// filesystem inconsistency: it is reported as such and not retried.
func ReadFile(fs filesystem.Filesystem, path filesystem.RootedPath, state FileStateValue) ([]byte, error) {
	if state.Type != filesystem.FileTypeFile {
		return nil, graph.NewErrorf(graph.ErrorKindInternal,
			"read of %s, whose observed state is %s", path, state.Type)
	}
	reader, err := fs.Open(path.Absolute())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, graph.NewErrorf(graph.ErrorKindInconsistentFilesystem,
				"regular file %s vanished after observation", path)
		}
		return nil, graph.WrapError(graph.ErrorKindIO, err, "unable to open "+path.String())
	}
	defer reader.Close()
	contents, err := io.ReadAll(reader)
	if err != nil {
		return nil, graph.WrapError(graph.ErrorKindIO, err, "unable to read "+path.String())
	}
	return contents, nil
}
