//go:build windows

package filesystem

import (
	"os"
)

// fileIDForInfo extracts a file identifier from lstat results. Windows file
// indices aren't exposed through os.FileInfo, so no identifier is available
// and fingerprint proxies rely on size and modification time alone.
func fileIDForInfo(info os.FileInfo) uint64 {
	return 0
}
