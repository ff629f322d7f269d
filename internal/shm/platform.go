// Package shm contains the platform primitives behind shared-map channels:
// named memory regions and named cross-process mutexes.
package shm

import (
	"errors"

	"github.com/srediag/shmnet/internal/logging"
)

var logger = logging.New("shm")

var (
	ErrUnsupported    = errors.New("shared memory is not supported on this platform")
	ErrNoSpace        = errors.New("not enough space left for shared memory")
	ErrRegionTooSmall = errors.New("existing region is smaller than requested")
	ErrRegionNotFound = errors.New("region does not exist")
	ErrLockTimeout    = errors.New("timed out waiting for mutex")
	ErrNotOwner       = errors.New("mutex is not held by this handle")
	ErrClosed         = errors.New("handle is closed")
)

// MappedRegion represents a memory-mapped shared region.
type MappedRegion struct {
	Addr []byte
	Name string
	// Path is the backing file on unix, empty on windows.
	Path string

	h regionHandle
}

// MapOptions defines options for mapping shared memory.
type MapOptions struct {
	Name string
	Size int
	// Create allows the region to be created (or grown to Size) when missing.
	Create bool
}

// Function implementations are provided in platform-specific files (platform_unix.go, platform_windows.go).
