// Package wire encodes the echo message frame:
//
//	[addrlen u64][addr bytes]   optional, connectionless transfers only
//	[len u16][payload bytes]
//
// Integers are little endian. The address prefix lets an RDM receiver learn
// the sender's name before it can answer; connected transfers omit it.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// MaxMessageSize bounds a whole frame, prefix included.
	MaxMessageSize = 4096
	// HeaderSize is the size of the payload length header.
	HeaderSize = 2
	// AddrLenSize is the size of the address length prefix.
	AddrLenSize = 8
)

var (
	// ErrShortBuffer reports a destination buffer too small for the frame.
	ErrShortBuffer = errors.New("wire: buffer too small for frame")
	// ErrPayloadTooLarge reports a frame that would exceed MaxMessageSize.
	ErrPayloadTooLarge = errors.New("wire: frame exceeds maximum message size")
	// ErrTruncated reports a frame whose declared lengths run past the input.
	ErrTruncated = errors.New("wire: truncated frame")
)

// Frame is a decoded message.
type Frame struct {
	// Addr is the sender's name; nil when the frame carries no prefix.
	Addr    []byte
	Payload []byte
}

// Size returns the encoded length of a frame with the given parts.
func Size(addr []byte, payload []byte, withAddr bool) int {
	n := HeaderSize + len(payload)
	if withAddr {
		n += AddrLenSize + len(addr)
	}
	return n
}

// MaxPayload returns the largest payload that fits next to addr.
func MaxPayload(addr []byte, withAddr bool) int {
	return MaxMessageSize - Size(addr, nil, withAddr)
}

// Encode packs payload into dst without an address prefix and returns the
// number of bytes written.
func Encode(dst, payload []byte) (int, error) {
	return encode(dst, nil, payload, false)
}

// EncodeWithAddr packs the sender address followed by payload into dst.
func EncodeWithAddr(dst, addr, payload []byte) (int, error) {
	return encode(dst, addr, payload, true)
}

func encode(dst, addr, payload []byte, withAddr bool) (int, error) {
	n := Size(addr, payload, withAddr)
	if n > MaxMessageSize || len(payload) > 0xffff {
		return 0, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, n)
	}
	if len(dst) < n {
		return 0, fmt.Errorf("%w: need %d, have %d", ErrShortBuffer, n, len(dst))
	}
	off := 0
	if withAddr {
		binary.LittleEndian.PutUint64(dst[off:], uint64(len(addr)))
		off += AddrLenSize
		off += copy(dst[off:], addr)
	}
	binary.LittleEndian.PutUint16(dst[off:], uint16(len(payload)))
	off += HeaderSize
	off += copy(dst[off:], payload)
	return off, nil
}

// Append encodes the frame onto the end of dst.
func Append(dst, addr, payload []byte, withAddr bool) ([]byte, error) {
	n := Size(addr, payload, withAddr)
	start := len(dst)
	dst = append(dst, make([]byte, n)...)
	if _, err := encode(dst[start:], addr, payload, withAddr); err != nil {
		return dst[:start], err
	}
	return dst, nil
}

// Decode parses a frame without an address prefix. The returned payload
// aliases src.
func Decode(src []byte) (Frame, error) {
	return decode(src, false)
}

// DecodeWithAddr parses a frame that starts with an address prefix. The
// returned slices alias src.
func DecodeWithAddr(src []byte) (Frame, error) {
	return decode(src, true)
}

func decode(src []byte, withAddr bool) (Frame, error) {
	var f Frame
	off := 0
	if withAddr {
		if len(src) < AddrLenSize {
			return Frame{}, ErrTruncated
		}
		alen := binary.LittleEndian.Uint64(src)
		off = AddrLenSize
		if alen > uint64(len(src)-off) {
			return Frame{}, fmt.Errorf("%w: address length %d", ErrTruncated, alen)
		}
		f.Addr = src[off : off+int(alen)]
		off += int(alen)
	}
	if len(src)-off < HeaderSize {
		return Frame{}, ErrTruncated
	}
	plen := int(binary.LittleEndian.Uint16(src[off:]))
	off += HeaderSize
	if plen > len(src)-off {
		return Frame{}, fmt.Errorf("%w: payload length %d", ErrTruncated, plen)
	}
	f.Payload = src[off : off+plen]
	return f, nil
}
