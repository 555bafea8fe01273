package cohort

import (
	"encoding/binary"
	"fmt"
)

// Scalar is the closed set of element types a `Group` can move.
//
// Named types are deliberately not accepted (no `~`), so passing anything
// else to a transfer operation is a compile error.
type Scalar interface {
	int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | float32 | float64
}

// WireType is the tag a `Substrate` uses to interpret a buffer.
type WireType uint8

const (
	WireInvalid WireType = iota
	WireInt8
	WireInt16
	WireInt32
	WireInt64
	WireUint8
	WireUint16
	WireUint32
	WireUint64
	WireFloat32
	WireFloat64
)

// WireByte is the tag of plain bytes, which are `uint8` in Go.
const WireByte = WireUint8

var wireTypeInfo = [...]struct {
	name string
	size int
}{
	WireInvalid: {"invalid", 0},
	WireInt8:    {"int8", 1},
	WireInt16:   {"int16", 2},
	WireInt32:   {"int32", 4},
	WireInt64:   {"int64", 8},
	WireUint8:   {"uint8", 1},
	WireUint16:  {"uint16", 2},
	WireUint32:  {"uint32", 4},
	WireUint64:  {"uint64", 8},
	WireFloat32: {"float32", 4},
	WireFloat64: {"float64", 8},
}

// WireTypeOf returns the tag of T. It cannot fail: the `Scalar` constraint
// is exhaustively covered.
func WireTypeOf[T Scalar]() WireType {
	var zero T
	switch any(zero).(type) {
	case int8:
		return WireInt8
	case int16:
		return WireInt16
	case int32:
		return WireInt32
	case int64:
		return WireInt64
	case uint8:
		return WireUint8
	case uint16:
		return WireUint16
	case uint32:
		return WireUint32
	case uint64:
		return WireUint64
	case float32:
		return WireFloat32
	case float64:
		return WireFloat64
	}
	panic("unreachable: Scalar constraint is exhaustive")
}

func (wt WireType) Valid() bool {
	return wt > WireInvalid && int(wt) < len(wireTypeInfo)
}

// Size is the encoded width of one element, 0 for invalid tags.
func (wt WireType) Size() int {
	if !wt.Valid() {
		return 0
	}
	return wireTypeInfo[wt].size
}

func (wt WireType) String() string {
	if !wt.Valid() {
		return fmt.Sprintf("wiretype(%d)", uint8(wt))
	}
	return wireTypeInfo[wt].name
}

func encodeScalars[T Scalar](vals []T) []byte {
	buf, err := binary.Append(make([]byte, 0, len(vals)*WireTypeOf[T]().Size()), binary.LittleEndian, vals)
	if err != nil {
		// fixed-size slices always encode.
		panic(err)
	}
	return buf
}

func decodeScalars[T Scalar](buf []byte, vals []T) {
	if len(vals) == 0 {
		return
	}
	if _, err := binary.Decode(buf, binary.LittleEndian, vals); err != nil {
		panic(fmt.Sprintf("substrate returned %d bytes for %d %s", len(buf), len(vals), WireTypeOf[T]()))
	}
}
