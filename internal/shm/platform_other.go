//go:build !unix && !windows

package shm

import (
	"context"
	"time"
)

type regionHandle struct{}

func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	return nil, ErrUnsupported
}

func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	return nil
}

func Remove(name string) error {
	return ErrUnsupported
}

type NamedMutex struct{}

func OpenMutex(name string) (*NamedMutex, error) {
	return nil, ErrUnsupported
}

func (m *NamedMutex) Name() string { return "" }

func (m *NamedMutex) Lock(ctx context.Context, timeout time.Duration) (bool, error) {
	return false, ErrUnsupported
}

func (m *NamedMutex) Unlock() error { return ErrUnsupported }

func (m *NamedMutex) Close() error { return nil }
