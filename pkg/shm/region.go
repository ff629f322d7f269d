package shm

import (
	"fmt"

	"github.com/srediag/shmnet/internal/wire"
)

// region is the mapped view of one channel: a little-endian payload length followed
// by the payload. Callers hold the channel mutex.
type region []byte

func (r region) capacity() int {
	return len(r) - wire.HeaderSize
}

func (r region) storedSize() uint32 {
	return wire.RegionSize(r)
}

// payload returns the stored payload as a view into the mapping.
func (r region) payload() ([]byte, error) {
	n := r.storedSize()
	if uint64(n) > uint64(r.capacity()) {
		return nil, fmt.Errorf("%w: stored length %d exceeds capacity %d", ErrProtocolViolation, n, r.capacity())
	}
	return r[wire.HeaderSize : wire.HeaderSize+int(n)], nil
}

// store writes an n byte payload through fill and then its length.
func (r region) store(n int, fill func(dst []byte)) {
	fill(r[wire.HeaderSize : wire.HeaderSize+n])
	wire.PutRegionSize(r, uint32(n))
}
