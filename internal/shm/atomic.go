package shm

import (
	"sync/atomic"
	"unsafe"
)

// AtomicLoadUint32 loads the uint32 at b[off:off+4] atomically. off must be 4-byte aligned
// relative to a page-aligned mapping.
func AtomicLoadUint32(b []byte, off int) uint32 {
	_ = b[off+3]
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&b[off])))
}

// AtomicStoreUint32 stores val at b[off:off+4] atomically.
func AtomicStoreUint32(b []byte, off int, val uint32) {
	_ = b[off+3]
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&b[off])), val)
}
