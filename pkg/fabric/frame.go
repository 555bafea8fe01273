package fabric

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/raskyld/cohort"
	"github.com/raskyld/cohort/pkg/mesh"
	"google.golang.org/protobuf/encoding/protowire"
)

// MaxFrameSize bounds the body of a frame read from a peer.
const MaxFrameSize = 64 << 20

// Frames travel as a varint length prefix followed by a protobuf-compatible
// message body:
//
//	1: handle  (varint)
//	2: source  (varint)
//	3: tag     (zigzag varint, reserved tags are negative)
//	4: payload (bytes)
const (
	fieldHandle  protowire.Number = 1
	fieldSource  protowire.Number = 2
	fieldTag     protowire.Number = 3
	fieldPayload protowire.Number = 4
)

// AppendFrame appends the length-prefixed encoding of f to buf.
func AppendFrame(buf []byte, f mesh.Frame) []byte {
	size := protowire.SizeTag(fieldHandle) + protowire.SizeVarint(uint64(f.Handle)) +
		protowire.SizeTag(fieldSource) + protowire.SizeVarint(uint64(f.Source)) +
		protowire.SizeTag(fieldTag) + protowire.SizeVarint(protowire.EncodeZigZag(int64(f.Tag))) +
		protowire.SizeTag(fieldPayload) + protowire.SizeBytes(len(f.Payload))

	buf = protowire.AppendVarint(buf, uint64(size))
	buf = protowire.AppendTag(buf, fieldHandle, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(f.Handle))
	buf = protowire.AppendTag(buf, fieldSource, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(f.Source))
	buf = protowire.AppendTag(buf, fieldTag, protowire.VarintType)
	buf = protowire.AppendVarint(buf, protowire.EncodeZigZag(int64(f.Tag)))
	buf = protowire.AppendTag(buf, fieldPayload, protowire.BytesType)
	buf = protowire.AppendBytes(buf, f.Payload)
	return buf
}

// ReadFrame reads exactly one frame from r.
func ReadFrame(r *bufio.Reader) (mesh.Frame, error) {
	// protobuf varints and encoding/binary uvarints share their layout.
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return mesh.Frame{}, err
	}
	if size > MaxFrameSize {
		return mesh.Frame{}, fmt.Errorf("%w: %d bytes", ErrTooLargeFrame, size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return mesh.Frame{}, err
	}
	return decodeFrame(body)
}

func decodeFrame(b []byte) (mesh.Frame, error) {
	var f mesh.Frame
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return f, fmt.Errorf("%w: %w", ErrProtocolViolation, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldHandle && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			f.Handle = cohort.Handle(v)
		case num == fieldSource && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			f.Source = int(v)
		case num == fieldTag && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			f.Tag = int(protowire.DecodeZigZag(v))
		case num == fieldPayload && typ == protowire.BytesType:
			f.Payload, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return f, fmt.Errorf("%w: %w", ErrProtocolViolation, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return f, nil
}
