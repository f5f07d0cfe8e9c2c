//go:build !windows

package filesystem

import (
	"os"
	"syscall"
)

// fileIDForInfo extracts the inode number from lstat results.
func fileIDForInfo(info os.FileInfo) uint64 {
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		return uint64(stat.Ino)
	}
	return 0
}
