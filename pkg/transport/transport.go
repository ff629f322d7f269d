// Package transport provides datagram channels: a UDP socket bound to a local port that
// exchanges float64 arrays and length-prefixed messages with one fixed remote peer.
//
// Array datagrams carry packed native-order float64 values with no header. Message
// datagrams carry a 4-byte big-endian length followed by the message bytes.
package transport

import (
	"github.com/srediag/shmnet/api"
	"github.com/srediag/shmnet/internal/logging"
)

var logger = logging.New("transport")

// Transport is a channel with a local and remote endpoint.
type Transport interface {
	api.Channel
	LocalAddr() string
	RemoteAddr() string
}

var _ Transport = (*Datagram)(nil)
