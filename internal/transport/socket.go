// Package transport contains the socket helpers behind datagram channels.
package transport

import (
	"errors"
	"fmt"
	"net"
)

// MaxDatagramSize is the largest UDP payload over IPv4.
const MaxDatagramSize = 65507

// ErrWouldBlock is returned by TryRecv when no datagram is queued.
var ErrWouldBlock = errors.New("no datagram queued")

// SetBuffers sizes the kernel socket buffers. Zero leaves a buffer at the OS default.
func SetBuffers(conn *net.UDPConn, read, write int) error {
	if read > 0 {
		if err := conn.SetReadBuffer(read); err != nil {
			return fmt.Errorf("set read buffer: %w", err)
		}
	}
	if write > 0 {
		if err := conn.SetWriteBuffer(write); err != nil {
			return fmt.Errorf("set write buffer: %w", err)
		}
	}
	return nil
}

// IsClosed reports whether err comes from using a closed socket.
func IsClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
