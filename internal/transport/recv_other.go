//go:build !unix

package transport

import (
	"errors"
	"net"
	"os"
	"time"
)

// pollWindow is how long TryRecv looks for a datagram where the socket cannot be
// read without the runtime poller.
const pollWindow = time.Millisecond

// TryRecv reads one queued datagram into buf, waiting at most pollWindow, and returns
// ErrWouldBlock when nothing arrived.
func TryRecv(conn *net.UDPConn, buf []byte) (int, error) {
	if err := conn.SetReadDeadline(time.Now().Add(pollWindow)); err != nil {
		return 0, err
	}
	defer conn.SetReadDeadline(time.Time{}) //nolint:errcheck
	n, _, err := conn.ReadFromUDP(buf)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return 0, ErrWouldBlock
	}
	return n, err
}
