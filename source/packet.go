// Package source implements the Source RCON protocol: the TCP wire codec
// with incremental framing, and the client engine with its authentication
// handshake, request correlation, and multi-fragment response assembly.
package source

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/dantte-lp/gorcon/rcon"
)

// -------------------------------------------------------------------------
// Wire Format Constants
// -------------------------------------------------------------------------

// Packet type codes. The same value 2 means SERVERDATA_EXECCOMMAND in a
// request and SERVERDATA_AUTH_RESPONSE in a reply; both names are kept so
// call sites read like the protocol documentation.
const (
	// PacketTypeResponse is SERVERDATA_RESPONSE_VALUE: a command response
	// fragment, or the sentinel request used as a terminator.
	PacketTypeResponse int32 = 0

	// PacketTypeAuthResponse is SERVERDATA_AUTH_RESPONSE: the server's
	// authentication verdict.
	PacketTypeAuthResponse int32 = 2

	// PacketTypeCommand is SERVERDATA_EXECCOMMAND: a command request.
	PacketTypeCommand int32 = 2

	// PacketTypeAuth is SERVERDATA_AUTH: the authentication request.
	PacketTypeAuth int32 = 3
)

const (
	// MinPacketSize is the smallest valid value of the size field:
	// id (4) + type (4) + empty body + two-byte trailer.
	MinPacketSize = 10

	// MaxPacketSize is the largest valid value of the size field.
	MaxPacketSize = 4110

	// MaxBodySize is the largest body that fits a valid packet.
	MaxBodySize = MaxPacketSize - MinPacketSize

	// headerOverhead is what the size field counts beyond the body:
	// id (4) + type (4) + trailer (2). The size field itself is excluded.
	headerOverhead = 10

	// sizeFieldLen is the length of the size prefix on the wire.
	sizeFieldLen = 4
)

// -------------------------------------------------------------------------
// Packet
// -------------------------------------------------------------------------

// Packet is a decoded Source RCON packet. The size field is derived from
// the body at encode time and never stored.
//
// Wire format, little-endian:
//
//	Bytes 0-3:  size  (int32; counts id + type + body + trailer, not itself)
//	Bytes 4-7:  id    (int32; request correlation, -1 flags auth failure)
//	Bytes 8-11: type  (int32; 0 response, 2 command/auth verdict, 3 auth)
//	Bytes 12+:  body  (size-10 bytes)
//	Trailer:    0x00 0x00
type Packet struct {
	// ID is the request identifier mirrored back by the server.
	ID int32

	// Type is the packet type code.
	Type int32

	// Body is the payload without the null trailer.
	Body []byte
}

// Encode serializes the packet into its stream representation.
// Bodies larger than MaxBodySize are rejected with rcon.ErrInvalidPacket.
func Encode(p Packet) ([]byte, error) {
	size := headerOverhead + len(p.Body)
	if size > MaxPacketSize {
		return nil, fmt.Errorf("encode packet: size %d exceeds %d: %w",
			size, MaxPacketSize, rcon.ErrInvalidPacket)
	}

	buf := make([]byte, sizeFieldLen+size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(size))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(p.ID))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(p.Type))
	copy(buf[12:], p.Body)
	// The two trailing null bytes are already zero from make.

	return buf, nil
}

// -------------------------------------------------------------------------
// Framer — incremental stream decoding
// -------------------------------------------------------------------------

// Framer converts an arbitrary-length byte stream into Source packets.
//
// TCP reads carry no packet alignment: the server legitimately coalesces
// a command response and the terminator echo into one segment, and a
// single packet may span several reads. The framer buffers input and
// yields a packet whenever a complete frame is available.
//
// A size prefix outside [MinPacketSize, MaxPacketSize] means the stream
// is desynchronised: the buffer is cleared, the drop is logged, and no
// packet is produced. The buffer therefore never holds more than one
// partial packet at a quiescent point.
type Framer struct {
	buf    []byte
	logger *slog.Logger
}

// NewFramer returns a Framer logging drops to the given logger.
func NewFramer(logger *slog.Logger) *Framer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Framer{logger: logger}
}

// Push appends data to the frame buffer and returns every packet that is
// now complete, in stream order. The returned packets own their body
// bytes; the caller may reuse data.
func (f *Framer) Push(data []byte) []Packet {
	f.buf = append(f.buf, data...)

	var pkts []Packet
	for len(f.buf) >= sizeFieldLen {
		size := int32(binary.LittleEndian.Uint32(f.buf[0:4]))
		if size < MinPacketSize || size > MaxPacketSize {
			f.logger.Warn("rcon stream desynchronised, dropping buffer",
				"size", size,
				"buffered", len(f.buf))
			f.buf = nil
			return pkts
		}

		total := sizeFieldLen + int(size)
		if len(f.buf) < total {
			break
		}

		body := make([]byte, int(size)-headerOverhead)
		copy(body, f.buf[12:12+len(body)])
		pkts = append(pkts, Packet{
			ID:   int32(binary.LittleEndian.Uint32(f.buf[4:8])),
			Type: int32(binary.LittleEndian.Uint32(f.buf[8:12])),
			Body: body,
		})
		// The two trailer bytes are discarded with the rest of the frame.
		f.buf = append(f.buf[:0], f.buf[total:]...)
	}

	return pkts
}

// Reset discards any buffered partial frame.
func (f *Framer) Reset() {
	f.buf = nil
}
