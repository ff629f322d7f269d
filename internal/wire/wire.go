// Package wire holds the byte layouts shared by the shared-map region and the datagram channel.
//
// Region header: 4-byte little-endian payload length.
// Message datagram: 4-byte big-endian length followed by the message bytes.
// Numeric payloads: IEEE-754 float64 in native byte order, no header.
package wire

import (
	"encoding/binary"
	"errors"
	"math"
)

const (
	// HeaderSize is the width of every length field.
	HeaderSize = 4
	// Float64Size is the encoded width of one array element.
	Float64Size = 8
)

var (
	// ErrShortFrame is returned when a datagram is too small to hold a length prefix.
	ErrShortFrame = errors.New("frame shorter than length prefix")
	// ErrMisaligned is returned when a byte-length is not a multiple of Float64Size.
	ErrMisaligned = errors.New("byte length is not a multiple of 8")
)

// RegionOrder is the byte order of the shared-map size header.
var RegionOrder binary.ByteOrder = binary.LittleEndian

// NativeOrder is the byte order of packed float64 values.
var NativeOrder = binary.NativeEndian

// PutRegionSize stores n in the region header at b[0:4].
func PutRegionSize(b []byte, n uint32) {
	RegionOrder.PutUint32(b[:HeaderSize], n)
}

// RegionSize reads the region header at b[0:4].
func RegionSize(b []byte) uint32 {
	return RegionOrder.Uint32(b[:HeaderSize])
}

// PutFloat64s packs v into dst, which must hold len(v)*8 bytes, and returns the bytes written.
func PutFloat64s(dst []byte, v []float64) int {
	for i, f := range v {
		NativeOrder.PutUint64(dst[i*Float64Size:], math.Float64bits(f))
	}
	return len(v) * Float64Size
}

// AppendFloat64s appends the packed form of v to dst.
func AppendFloat64s(dst []byte, v []float64) []byte {
	for _, f := range v {
		dst = NativeOrder.AppendUint64(dst, math.Float64bits(f))
	}
	return dst
}

// Float64s unpacks as many whole values as src holds; trailing bytes are ignored.
func Float64s(src []byte) []float64 {
	n := len(src) / Float64Size
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Float64frombits(NativeOrder.Uint64(src[i*Float64Size:]))
	}
	return out
}

// Float64sExact is Float64s but rejects a length that is not a multiple of 8.
func Float64sExact(src []byte) ([]float64, error) {
	if len(src)%Float64Size != 0 {
		return nil, ErrMisaligned
	}
	return Float64s(src), nil
}

// AppendMessageFrame appends the big-endian length prefix and msg to dst.
func AppendMessageFrame(dst, msg []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(msg)))
	return append(dst, msg...)
}

// MessagePayload strips the length prefix from a received frame. The remainder is
// returned as is; the declared length is not checked against it.
func MessagePayload(frame []byte) ([]byte, error) {
	if len(frame) < HeaderSize {
		return nil, ErrShortFrame
	}
	return frame[HeaderSize:], nil
}

// MessageLength returns the declared length of a frame.
func MessageLength(frame []byte) (uint32, error) {
	if len(frame) < HeaderSize {
		return 0, ErrShortFrame
	}
	return binary.BigEndian.Uint32(frame[:HeaderSize]), nil
}
