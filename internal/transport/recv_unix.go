//go:build unix

package transport

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// TryRecv reads one queued datagram into buf without waiting. It issues a single
// recvfrom on the socket descriptor and returns ErrWouldBlock when nothing is queued.
// A datagram larger than buf is truncated.
func TryRecv(conn *net.UDPConn, buf []byte) (int, error) {
	rc, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var (
		n       int
		recvErr error
	)
	err = rc.Read(func(fd uintptr) bool {
		for {
			n, _, recvErr = unix.Recvfrom(int(fd), buf, unix.MSG_DONTWAIT)
			if recvErr != unix.EINTR {
				return true
			}
		}
	})
	if err != nil {
		return 0, err
	}
	switch {
	case recvErr == unix.EAGAIN || recvErr == unix.EWOULDBLOCK:
		return 0, ErrWouldBlock
	case recvErr != nil:
		return 0, fmt.Errorf("recvfrom: %w", recvErr)
	}
	return n, nil
}
