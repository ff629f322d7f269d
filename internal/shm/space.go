//go:build unix

package shm

import (
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
)

// canCreateOnDevShm reports whether /dev/shm has room for size more bytes.
// Paths outside /dev/shm are always accepted.
func canCreateOnDevShm(size uint64, path string) bool {
	if !strings.HasPrefix(path, devShmDir) {
		return true
	}
	stat, err := disk.Usage(devShmDir)
	if err != nil {
		logger.Warnf("could not read /dev/shm usage: %v", err)
		return true
	}
	return stat.Free >= size
}
