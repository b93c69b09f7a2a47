package apdu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrIndeterminate signals that a buffer does not yet hold enough bytes to
// determine an APDU or data value's total length; callers should wait for
// more data rather than treat this as a parse failure.
var ErrIndeterminate = errors.New("apdu: indeterminate length, need more data")

// DataTag identifies a DLMS data value's wire type.
type DataTag byte

const (
	DataTagNull               DataTag = 0x00
	DataTagArray              DataTag = 0x01
	DataTagStructure          DataTag = 0x02
	DataTagBoolean            DataTag = 0x03
	DataTagBitString          DataTag = 0x04
	DataTagDoubleLong         DataTag = 0x05
	DataTagDoubleLongUnsigned DataTag = 0x06
	DataTagOctetString        DataTag = 0x09
	DataTagVisibleString      DataTag = 0x0A
	DataTagBCD                DataTag = 0x0D
	DataTagInteger            DataTag = 0x0F
	DataTagLong               DataTag = 0x10
	DataTagUnsigned           DataTag = 0x11
	DataTagLongUnsigned       DataTag = 0x12
	DataTagLong64             DataTag = 0x14
	DataTagLong64Unsigned     DataTag = 0x15
	DataTagEnum               DataTag = 0x16
	DataTagFloat32            DataTag = 0x17
	DataTagFloat64            DataTag = 0x18
	DataTagDateTime           DataTag = 0x19
	DataTagDate               DataTag = 0x1A
	DataTagTime               DataTag = 0x1B
)

// DataValue is a decoded DLMS data value. Exactly one of the typed fields is
// meaningful, selected by Tag; Structure/Array hold nested DataValues.
type DataValue struct {
	Tag       DataTag
	Bool      bool
	Int       int64
	Uint      uint64
	Float     float64
	Bytes     []byte
	Text      string
	Structure []DataValue
	Array     []DataValue
}

// lengthPrefix reads a BER-style length octet for octet-string/visible-string
// payloads: values under 0x80 are the literal length; 0x80 itself (indefinite)
// is not produced by this gateway's meters and is rejected.
func lengthPrefix(buf []byte) (length, consumed int, err error) {
	if len(buf) < 1 {
		return 0, 0, ErrIndeterminate
	}
	b := buf[0]
	if b&0x80 == 0 {
		return int(b), 1, nil
	}
	n := int(b & 0x7F)
	if n < 1 || n > 4 {
		return 0, 0, fmt.Errorf("apdu: unsupported length-prefix width %d", n)
	}
	if len(buf) < 1+n {
		return 0, 0, ErrIndeterminate
	}
	var v uint32
	for i := 0; i < n; i++ {
		v = v<<8 | uint32(buf[1+i])
	}
	return int(v), 1 + n, nil
}

// DecodeDataValue decodes one DLMS data value starting at buf[0] and returns
// it along with the number of bytes consumed. Composite types (structure,
// array) recurse; the consumed count for the whole APDU length-inference
// path depends on this value being accurate.
func DecodeDataValue(buf []byte) (DataValue, int, error) {
	if len(buf) < 1 {
		return DataValue{}, 0, ErrIndeterminate
	}
	tag := DataTag(buf[0])
	rest := buf[1:]

	switch tag {
	case DataTagNull:
		return DataValue{Tag: tag}, 1, nil

	case DataTagBoolean:
		if len(rest) < 1 {
			return DataValue{}, 0, ErrIndeterminate
		}
		return DataValue{Tag: tag, Bool: rest[0] != 0}, 2, nil

	case DataTagDoubleLong:
		if len(rest) < 4 {
			return DataValue{}, 0, ErrIndeterminate
		}
		return DataValue{Tag: tag, Int: int64(int32(binary.BigEndian.Uint32(rest[:4])))}, 5, nil

	case DataTagDoubleLongUnsigned:
		if len(rest) < 4 {
			return DataValue{}, 0, ErrIndeterminate
		}
		return DataValue{Tag: tag, Uint: uint64(binary.BigEndian.Uint32(rest[:4]))}, 5, nil

	case DataTagInteger, DataTagEnum:
		if len(rest) < 1 {
			return DataValue{}, 0, ErrIndeterminate
		}
		return DataValue{Tag: tag, Int: int64(int8(rest[0]))}, 2, nil

	case DataTagUnsigned:
		if len(rest) < 1 {
			return DataValue{}, 0, ErrIndeterminate
		}
		return DataValue{Tag: tag, Uint: uint64(rest[0])}, 2, nil

	case DataTagLong:
		if len(rest) < 2 {
			return DataValue{}, 0, ErrIndeterminate
		}
		return DataValue{Tag: tag, Int: int64(int16(binary.BigEndian.Uint16(rest[:2])))}, 3, nil

	case DataTagLongUnsigned:
		if len(rest) < 2 {
			return DataValue{}, 0, ErrIndeterminate
		}
		return DataValue{Tag: tag, Uint: uint64(binary.BigEndian.Uint16(rest[:2]))}, 3, nil

	case DataTagLong64:
		if len(rest) < 8 {
			return DataValue{}, 0, ErrIndeterminate
		}
		return DataValue{Tag: tag, Int: int64(binary.BigEndian.Uint64(rest[:8]))}, 9, nil

	case DataTagLong64Unsigned:
		if len(rest) < 8 {
			return DataValue{}, 0, ErrIndeterminate
		}
		return DataValue{Tag: tag, Uint: binary.BigEndian.Uint64(rest[:8])}, 9, nil

	case DataTagFloat32:
		if len(rest) < 4 {
			return DataValue{}, 0, ErrIndeterminate
		}
		return DataValue{Tag: tag, Float: float64(math.Float32frombits(binary.BigEndian.Uint32(rest[:4])))}, 5, nil

	case DataTagFloat64:
		if len(rest) < 8 {
			return DataValue{}, 0, ErrIndeterminate
		}
		return DataValue{Tag: tag, Float: math.Float64frombits(binary.BigEndian.Uint64(rest[:8]))}, 9, nil

	case DataTagBitString:
		if len(rest) < 1 {
			return DataValue{}, 0, ErrIndeterminate
		}
		bitLen := int(rest[0])
		byteLen := (bitLen + 7) / 8
		if len(rest) < 1+byteLen {
			return DataValue{}, 0, ErrIndeterminate
		}
		return DataValue{Tag: tag, Bytes: append([]byte(nil), rest[1:1+byteLen]...)}, 2 + byteLen, nil

	case DataTagOctetString, DataTagBCD:
		n, lenConsumed, err := lengthPrefix(rest)
		if err != nil {
			return DataValue{}, 0, err
		}
		if len(rest) < lenConsumed+n {
			return DataValue{}, 0, ErrIndeterminate
		}
		return DataValue{Tag: tag, Bytes: append([]byte(nil), rest[lenConsumed:lenConsumed+n]...)}, 1 + lenConsumed + n, nil

	case DataTagVisibleString:
		n, lenConsumed, err := lengthPrefix(rest)
		if err != nil {
			return DataValue{}, 0, err
		}
		if len(rest) < lenConsumed+n {
			return DataValue{}, 0, ErrIndeterminate
		}
		return DataValue{Tag: tag, Text: string(rest[lenConsumed : lenConsumed+n])}, 1 + lenConsumed + n, nil

	case DataTagDateTime:
		if len(rest) < 12 {
			return DataValue{}, 0, ErrIndeterminate
		}
		return DataValue{Tag: tag, Bytes: append([]byte(nil), rest[:12]...)}, 13, nil

	case DataTagDate:
		if len(rest) < 5 {
			return DataValue{}, 0, ErrIndeterminate
		}
		return DataValue{Tag: tag, Bytes: append([]byte(nil), rest[:5]...)}, 6, nil

	case DataTagTime:
		if len(rest) < 4 {
			return DataValue{}, 0, ErrIndeterminate
		}
		return DataValue{Tag: tag, Bytes: append([]byte(nil), rest[:4]...)}, 5, nil

	case DataTagStructure, DataTagArray:
		n, lenConsumed, err := lengthPrefix(rest)
		if err != nil {
			return DataValue{}, 0, err
		}
		elems := make([]DataValue, 0, n)
		offset := lenConsumed
		for i := 0; i < n; i++ {
			if offset >= len(rest) {
				return DataValue{}, 0, ErrIndeterminate
			}
			elem, elemConsumed, err := DecodeDataValue(rest[offset:])
			if err != nil {
				if errors.Is(err, ErrIndeterminate) {
					return DataValue{}, 0, ErrIndeterminate
				}
				return DataValue{}, 0, fmt.Errorf("apdu: %v element %d: %w", tag, i, err)
			}
			elems = append(elems, elem)
			offset += elemConsumed
		}
		dv := DataValue{Tag: tag}
		if tag == DataTagStructure {
			dv.Structure = elems
		} else {
			dv.Array = elems
		}
		return dv, 1 + offset, nil

	default:
		return DataValue{}, 0, fmt.Errorf("apdu: unsupported data value tag 0x%02X", byte(tag))
	}
}

// NumericOf extracts a DataValue's integer reading regardless of whether the
// meter encoded it as a signed or unsigned DLMS type, so callers outside
// this package can work with one numeric view across both families.
func NumericOf(dv DataValue) int64 {
	switch dv.Tag {
	case DataTagDoubleLongUnsigned, DataTagUnsigned, DataTagLongUnsigned, DataTagLong64Unsigned:
		return int64(dv.Uint)
	default:
		return dv.Int
	}
}
