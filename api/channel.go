// Package api defines the public contracts shared by shmnet channels.
package api

import (
	"context"
	"io"
)

// ArrayReader reads one array of float64 samples.
type ArrayReader interface {
	ReadArray(ctx context.Context) ([]float64, error)
}

// ArrayWriter writes one array of float64 samples.
type ArrayWriter interface {
	WriteArray(ctx context.Context, v []float64) error
}

// MessageReader reads one text message.
type MessageReader interface {
	ReadMessage(ctx context.Context) ([]byte, error)
}

// MessageWriter writes one text message.
type MessageWriter interface {
	WriteMessage(ctx context.Context, msg []byte) error
}

// Channel is implemented by both shared-map and datagram channels.
type Channel interface {
	ArrayReader
	ArrayWriter
	MessageReader
	MessageWriter
	io.Closer
}
