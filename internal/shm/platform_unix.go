//go:build unix

package shm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"
)

const (
	devShmDir = "/dev/shm"
	fileMode  = 0o660

	sizeSettleTimeout = 100 * time.Millisecond
)

var errUnsized = errors.New("region not sized yet")

type regionHandle struct {
	fd int
}

// RegionPath returns the file that backs the named object. /dev/shm/<name> is what
// shm_open(3) uses, so native peers calling shm_open("/<name>") see the same object.
func RegionPath(name string) string {
	file := strings.ReplaceAll(name, "/", "_")
	if isDevShmAvailable() {
		return filepath.Join(devShmDir, file)
	}
	return filepath.Join(os.TempDir(), file)
}

func isDevShmAvailable() bool {
	info, err := os.Stat(devShmDir)
	if err != nil {
		return false
	}
	return info.IsDir()
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// MapRegion maps or creates a shared memory region (unix implementation).
//
// Only the handle that creates the backing file sizes it. An existing region is
// never resized: one smaller than opts.Size fails with ErrRegionTooSmall, a larger
// one is mapped at its real size.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("invalid region size %d", opts.Size)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := RegionPath(opts.Name)
	fd, created, err := openRegionFile(path, opts)
	if err != nil {
		return nil, err
	}
	size := int64(opts.Size)
	if created {
		if err := unix.Ftruncate(fd, size); err != nil {
			_ = unix.Close(fd)
			_ = os.Remove(path)
			return nil, fmt.Errorf("ftruncate %s: %w", path, err)
		}
	} else {
		existing, err := existingSize(ctx, fd)
		if err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("fstat %s: %w", path, err)
		}
		if existing < size {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("%w: %s holds %d bytes, want %d", ErrRegionTooSmall, path, existing, opts.Size)
		}
		size = existing
	}
	addr, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	logger.Debugf("mapped region %s (%d bytes) at %s, created %v", opts.Name, size, path, created)
	return &MappedRegion{
		Addr: addr,
		Name: opts.Name,
		Path: path,
		h:    regionHandle{fd: fd},
	}, nil
}

// openRegionFile opens path, creating it exclusively when opts.Create is set so that
// exactly one participant sizes a new region.
func openRegionFile(path string, opts MapOptions) (fd int, created bool, err error) {
	const flags = unix.O_RDWR | unix.O_CLOEXEC
	if opts.Create {
		if !pathExists(path) && !canCreateOnDevShm(uint64(opts.Size), path) {
			return -1, false, fmt.Errorf("%w: path %s, size %d", ErrNoSpace, path, opts.Size)
		}
		fd, err = unix.Open(path, flags|unix.O_CREAT|unix.O_EXCL, fileMode)
		if err == nil {
			return fd, true, nil
		}
		if err != unix.EEXIST {
			return -1, false, fmt.Errorf("create %s: %w", path, err)
		}
	}
	fd, err = unix.Open(path, flags, fileMode)
	if err != nil {
		if err == unix.ENOENT {
			return -1, false, fmt.Errorf("%w: %s", ErrRegionNotFound, path)
		}
		return -1, false, fmt.Errorf("open %s: %w", path, err)
	}
	return fd, false, nil
}

// existingSize returns the size of an opened region file. A zero size means the
// creator has not sized it yet, so it is polled briefly.
func existingSize(ctx context.Context, fd int) (int64, error) {
	var size int64
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 50 * time.Microsecond
	eb.MaxInterval = 5 * time.Millisecond
	eb.MaxElapsedTime = sizeSettleTimeout
	err := backoff.Retry(func() error {
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			return backoff.Permanent(err)
		}
		size = st.Size
		if size == 0 {
			return errUnsized
		}
		return nil
	}, backoff.WithContext(eb, ctx))
	if errors.Is(err, errUnsized) {
		return 0, nil
	}
	return size, err
}

// UnmapRegion unmaps the region and closes its descriptor. The backing object is
// left in place for other participants; see Remove.
func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	if region == nil || region.Addr == nil {
		return nil
	}
	var firstErr error
	if err := unix.Munmap(region.Addr); err != nil {
		firstErr = fmt.Errorf("munmap %s: %w", region.Name, err)
	}
	region.Addr = nil
	if err := unix.Close(region.h.fd); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close %s: %w", region.Name, err)
	}
	return firstErr
}

// Remove unlinks the backing file of a named region or mutex. Existing mappings stay valid.
func Remove(name string) error {
	path := RegionPath(name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	logger.Infof("removed %s", path)
	return nil
}
