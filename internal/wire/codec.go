package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Packet layout limits.
const (
	headerLen   = 6 // tag u16 + command u16 + segment count u16
	segLenBytes = 4
	maxSegments = 64
)

// Codec errors.
var (
	ErrShortPacket = errors.New("wire: packet truncated")
	ErrForeignTag  = errors.New("wire: foreign application tag")
	ErrTooManySegs = errors.New("wire: too many payload segments")
)

// Encode serializes a command and its payload segments:
// tag u16 ‖ command u16 ‖ count u16 ‖ (len u32 ‖ bytes)* — all little-endian.
func Encode(cmd Command, segments ...[]byte) ([]byte, error) {
	if len(segments) > maxSegments {
		return nil, ErrTooManySegs
	}

	size := headerLen
	for _, seg := range segments {
		size += segLenBytes + len(seg)
	}

	out := make([]byte, 0, size)
	out = binary.LittleEndian.AppendUint16(out, Tag)
	out = binary.LittleEndian.AppendUint16(out, uint16(cmd))
	out = binary.LittleEndian.AppendUint16(out, uint16(len(segments)))

	for _, seg := range segments {
		out = binary.LittleEndian.AppendUint32(out, uint32(len(seg)))
		out = append(out, seg...)
	}

	return out, nil
}

// Decode parses a packet produced by Encode. Segment slices alias data.
func Decode(data []byte) (Command, [][]byte, error) {
	if len(data) < headerLen {
		return 0, nil, ErrShortPacket
	}

	if binary.LittleEndian.Uint16(data[0:2]) != Tag {
		return 0, nil, ErrForeignTag
	}

	cmd := Command(binary.LittleEndian.Uint16(data[2:4]))
	count := int(binary.LittleEndian.Uint16(data[4:6]))

	if count > maxSegments {
		return 0, nil, ErrTooManySegs
	}

	segments := make([][]byte, 0, count)
	rest := data[headerLen:]

	for i := 0; i < count; i++ {
		if len(rest) < segLenBytes {
			return 0, nil, fmt.Errorf("%w: segment %d length", ErrShortPacket, i)
		}

		n := int(binary.LittleEndian.Uint32(rest[:segLenBytes]))
		rest = rest[segLenBytes:]

		if len(rest) < n {
			return 0, nil, fmt.Errorf("%w: segment %d body", ErrShortPacket, i)
		}

		segments = append(segments, rest[:n])
		rest = rest[n:]
	}

	return cmd, segments, nil
}

// U64 encodes v little-endian for use as a payload segment.
func U64(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}

// U32 encodes v little-endian for use as a payload segment.
func U32(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}

// ReadU64 decodes a segment written by U64.
func ReadU64(seg []byte) (uint64, error) {
	if len(seg) != 8 {
		return 0, fmt.Errorf("wire: u64 segment is %d bytes", len(seg))
	}

	return binary.LittleEndian.Uint64(seg), nil
}

// ReadU32 decodes a segment written by U32.
func ReadU32(seg []byte) (uint32, error) {
	if len(seg) != 4 {
		return 0, fmt.Errorf("wire: u32 segment is %d bytes", len(seg))
	}

	return binary.LittleEndian.Uint32(seg), nil
}
