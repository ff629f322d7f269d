// Package shm provides shared-map channels: a named shared memory region holding one
// payload, guarded by a named cross-process mutex, readable and writable by any process
// on the host that knows the name.
//
// Region layout:
//
//	[0,4)            payload length, little-endian uint32
//	[4,4+length)     payload
//
// Messages are stored with a trailing NUL that the length counts. Arrays are packed
// float64 values in native byte order.
//
// Example usage:
//
//	ch, err := shm.Open(ctx, shm.DefaultConfig("telemetry"))
//	if err != nil {
//		return err
//	}
//	defer ch.Close()
//	err = ch.WriteArray(ctx, []float64{1, 2, 3})
//	v, err := ch.ReadArray(ctx)
//
// Status codes for native peers are available through CodeOf.
package shm

import "github.com/srediag/shmnet/internal/logging"

var logger = logging.New("shm")
