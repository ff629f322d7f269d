//go:build windows

package shm

import (
	"context"
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

type regionHandle struct {
	mapping windows.Handle
	view    uintptr
}

// MapRegion maps or creates a shared memory region (Windows implementation).
// The mapping lives in the paging file and disappears once every handle is closed.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("invalid region size %d", opts.Size)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name, err := windows.UTF16PtrFromString(opts.Name)
	if err != nil {
		return nil, fmt.Errorf("region name %q: %w", opts.Name, err)
	}
	h, err := windows.CreateFileMapping(windows.InvalidHandle, nil, windows.PAGE_READWRITE, 0, uint32(opts.Size), name)
	existed := errors.Is(err, windows.ERROR_ALREADY_EXISTS)
	if err != nil && !existed {
		return nil, fmt.Errorf("CreateFileMapping %s: %w", opts.Name, err)
	}
	if !existed && !opts.Create {
		_ = windows.CloseHandle(h)
		return nil, fmt.Errorf("%w: %s", ErrRegionNotFound, opts.Name)
	}
	view, err := windows.MapViewOfFile(h, windows.FILE_MAP_READ|windows.FILE_MAP_WRITE, 0, 0, uintptr(opts.Size))
	if err != nil {
		_ = windows.CloseHandle(h)
		if existed {
			// an existing mapping keeps the size it was created with
			return nil, fmt.Errorf("%w: %s: %w", ErrRegionTooSmall, opts.Name, err)
		}
		return nil, fmt.Errorf("MapViewOfFile %s: %w", opts.Name, err)
	}
	logger.Debugf("mapped region %s (%d bytes)", opts.Name, opts.Size)
	return &MappedRegion{
		Addr: unsafe.Slice((*byte)(unsafe.Pointer(view)), opts.Size),
		Name: opts.Name,
		h:    regionHandle{mapping: h, view: view},
	}, nil
}

// UnmapRegion unmaps and closes the shared memory region (Windows implementation).
func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	if region == nil || region.Addr == nil {
		return nil
	}
	var firstErr error
	if err := windows.UnmapViewOfFile(region.h.view); err != nil {
		firstErr = fmt.Errorf("UnmapViewOfFile %s: %w", region.Name, err)
	}
	region.Addr = nil
	if err := windows.CloseHandle(region.h.mapping); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("CloseHandle %s: %w", region.Name, err)
	}
	return firstErr
}

// Remove is a no-op on Windows; the kernel drops a mapping with its last handle.
func Remove(name string) error {
	return nil
}
