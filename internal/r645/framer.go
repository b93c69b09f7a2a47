// Package r645 implements the Framer component: it builds R645 request
// frames and decodes R645 response frames into typed records.
package r645

import (
	"fmt"
	"time"

	"github.com/olivenet-iot/meter-gateway/internal/bcd"
	"github.com/olivenet-iot/meter-gateway/internal/gwerrors"
)

const (
	startDelim = 0x68
	endDelim   = 0x16

	// MinFrameLength is the smallest legal R645 frame (empty payload).
	MinFrameLength = 12
	// MaxFrameLength bounds the payload length byte can express (255) plus framing.
	MaxFrameLength = 12 + 255
)

// Operation codes occupy the low six bits of the control byte. The read
// opcode is fixed by the concrete test scenarios in the spec; the others
// follow the same DL/T 645 family convention.
const (
	OpRead               byte = 0x11
	OpReadSubsequent     byte = 0x12
	OpReadAddress        byte = 0x13
	OpWrite              byte = 0x14
	OpBroadcastTime      byte = 0x08
	OpRelaySimple        byte = 0x16
	OpRelayAuthenticated byte = 0x17
)

const (
	controlResponseBit = 0x80
	controlErrorBit    = 0x40
	controlOpMask      = 0x3F
)

// Error bitmask conditions carried by an error-response frame's single data
// byte.
const (
	ErrOther            = 0x01
	ErrNoData           = 0x02
	ErrAuthFailure      = 0x04
	ErrRateUnchangeable = 0x08
	ErrAnnualLimit      = 0x10
	ErrDailyLimit       = 0x20
	ErrCommandFailed    = 0x40
)

// Kind discriminates the decoded R645 response record types.
type Kind int

const (
	KindReadResponse Kind = iota
	KindWriteAck
	KindRelayAck
	KindAddressResponse
	KindErrorResponse
)

// DecodedFrame is the typed record produced by Decode.
type DecodedFrame struct {
	Kind     Kind
	Address  string
	Control  byte
	Opcode   byte
	DI       uint32
	ValueRaw []byte // offset already removed
	ErrorCode byte
	Consumed int
}

// checksum computes the modular-sum checksum over buf, which must span from
// the first start delimiter through the last payload byte inclusive.
func checksum(buf []byte) byte {
	var sum byte
	for _, b := range buf {
		sum += b
	}
	return sum
}

// buildFrame assembles start delimiter, address, second delimiter, control,
// length, offset-applied payload, checksum, and end delimiter.
func buildFrame(address string, control byte, rawPayload []byte) ([]byte, error) {
	if len(rawPayload) > 255 {
		return nil, fmt.Errorf("r645: payload of %d bytes exceeds 255-byte length field", len(rawPayload))
	}
	addrBytes, err := bcd.EncodeAddress(address)
	if err != nil {
		return nil, fmt.Errorf("r645: encode address: %w", err)
	}
	payload := bcd.ApplyOffset(rawPayload)

	frame := make([]byte, 0, MinFrameLength+len(payload))
	frame = append(frame, startDelim)
	frame = append(frame, addrBytes...)
	frame = append(frame, startDelim)
	frame = append(frame, control)
	frame = append(frame, byte(len(payload)))
	frame = append(frame, payload...)
	frame = append(frame, checksum(frame))
	frame = append(frame, endDelim)
	return frame, nil
}

// diRawBytes returns the little-endian, not-yet-offset bytes of a data
// identifier, for assembly into a raw payload that buildFrame will offset
// as a whole.
func diRawBytes(di uint32) []byte {
	return []byte{byte(di), byte(di >> 8), byte(di >> 16), byte(di >> 24)}
}

// BuildRead constructs a read(address, di) request frame.
func BuildRead(address string, di uint32) ([]byte, error) {
	return buildFrame(address, OpRead, diRawBytes(di))
}

// BuildWrite constructs a write(address, di, value) request frame, carrying
// an operator code and password ahead of the value bytes.
func BuildWrite(address string, di uint32, value []byte, operatorCode byte, password []byte) ([]byte, error) {
	raw := make([]byte, 0, 4+1+len(password)+len(value))
	raw = append(raw, diRawBytes(di)...)
	raw = append(raw, operatorCode)
	raw = append(raw, password...)
	raw = append(raw, value...)
	return buildFrame(address, OpWrite, raw)
}

// BuildReadAddress constructs the broadcast address-discovery request.
func BuildReadAddress() ([]byte, error) {
	return buildFrame("AAAAAAAAAAAA", OpReadAddress, nil)
}

// BuildBroadcastTime constructs a broadcast time-synchronization frame
// carrying a BCD-encoded timestamp (seconds, minutes, hours, day, month,
// year-of-century).
func BuildBroadcastTime(t time.Time) ([]byte, error) {
	raw := make([]byte, 6)
	fields := []int{t.Second(), t.Minute(), t.Hour(), t.Day(), int(t.Month()), t.Year() % 100}
	for i, v := range fields {
		b, err := bcd.Pack(uint8(v/10), uint8(v%10))
		if err != nil {
			return nil, fmt.Errorf("r645: encode broadcast time: %w", err)
		}
		raw[i] = b
	}
	return buildFrame("AAAAAAAAAAAA", OpBroadcastTime, raw)
}

// BuildRelaySimple constructs the simplified (unauthenticated) relay
// trip/close frame. Per the design notes, some meters tolerate timeouts on
// this path silently; callers should treat success as "command sent", not
// "relay observed".
func BuildRelaySimple(address string, trip bool) ([]byte, error) {
	return buildFrame(address, OpRelaySimple, []byte{relayCommandByte(trip)})
}

func relayCommandByte(trip bool) byte {
	if trip {
		return 0x00
	}
	return 0x01
}

// Decode parses a single R645 frame from the front of buf. It returns the
// decoded record and the number of bytes consumed. If buf does not yet hold
// a complete frame, it returns (nil, 0, nil) so the caller can wait for more
// bytes. Checksum and delimiter violations return a *gwerrors.Error of kind
// FramingError or ChecksumMismatch.
func Decode(buf []byte) (*DecodedFrame, int, error) {
	if len(buf) < MinFrameLength {
		return nil, 0, nil
	}
	if buf[0] != startDelim {
		return nil, 0, gwerrors.New(gwerrors.KindFramingError, "missing leading start delimiter")
	}
	if buf[7] != startDelim {
		return nil, 0, gwerrors.New(gwerrors.KindFramingError, "missing second start delimiter")
	}

	length := int(buf[9])
	total := MinFrameLength + length
	if len(buf) < total {
		return nil, 0, nil
	}
	if buf[total-1] != endDelim {
		return nil, 0, gwerrors.New(gwerrors.KindFramingError, "missing end delimiter")
	}

	want := checksum(buf[:total-2])
	got := buf[total-2]
	if want != got {
		return nil, 0, gwerrors.New(gwerrors.KindChecksumMismatch, fmt.Sprintf("want 0x%02X got 0x%02X", want, got))
	}

	address, err := bcd.DecodeAddress(buf[1:7])
	if err != nil {
		return nil, 0, gwerrors.Wrap(gwerrors.KindFramingError, "decode address", err)
	}

	control := buf[8]
	opcode := control & controlOpMask
	isError := control&(controlResponseBit|controlErrorBit) == (controlResponseBit | controlErrorBit)
	payload := buf[10 : 10+length]

	df := &DecodedFrame{
		Address:  address,
		Control:  control,
		Opcode:   opcode,
		Consumed: total,
	}

	if isError {
		raw := bcd.RemoveOffset(payload)
		if len(raw) < 1 {
			return nil, 0, gwerrors.New(gwerrors.KindShortPayload, "error response carries no data byte")
		}
		df.Kind = KindErrorResponse
		df.ErrorCode = raw[0]
		return df, total, nil
	}

	switch opcode {
	case OpReadAddress:
		df.Kind = KindAddressResponse
	case OpRelaySimple, OpRelayAuthenticated:
		df.Kind = KindRelayAck
	case OpWrite:
		df.Kind = KindWriteAck
	default:
		if len(payload) < 4 {
			return nil, 0, gwerrors.New(gwerrors.KindShortPayload, "response payload shorter than a data identifier")
		}
		di, err := bcd.DecodeDI(payload[:4])
		if err != nil {
			return nil, 0, gwerrors.Wrap(gwerrors.KindFramingError, "decode data identifier", err)
		}
		df.Kind = KindReadResponse
		df.DI = di
		df.ValueRaw = bcd.RemoveOffset(payload[4:])
	}

	return df, total, nil
}

// ErrorMessage renders an error-response bitmask into a human-readable
// message, used to populate the command dispatcher's MeterError surface.
func ErrorMessage(code byte) string {
	var conditions []string
	if code&ErrOther != 0 {
		conditions = append(conditions, "other")
	}
	if code&ErrNoData != 0 {
		conditions = append(conditions, "no data")
	}
	if code&ErrAuthFailure != 0 {
		conditions = append(conditions, "invalid password")
	}
	if code&ErrRateUnchangeable != 0 {
		conditions = append(conditions, "rate unchangeable")
	}
	if code&ErrAnnualLimit != 0 {
		conditions = append(conditions, "annual limit exceeded")
	}
	if code&ErrDailyLimit != 0 {
		conditions = append(conditions, "daily limit exceeded")
	}
	if code&ErrCommandFailed != 0 {
		conditions = append(conditions, "command failed")
	}
	if len(conditions) == 0 {
		return "unknown meter error"
	}
	msg := conditions[0]
	for _, c := range conditions[1:] {
		msg += ", " + c
	}
	return msg
}

// DecodeValue applies a descriptor's signedness and scale to a decoded
// response's raw value bytes, returning the integer raw value and its
// engineering-unit scaled value. If di has no registered descriptor, the
// raw value is returned with no scaling and ok is false.
func DecodeValue(di uint32, valueRaw []byte) (descriptor Descriptor, raw int64, scaled float64, ok bool, err error) {
	d, found := LookupDI(di)
	if !found {
		v, decErr := bcd.DecodeDecimal(valueRaw, true)
		if decErr != nil {
			return Descriptor{}, 0, 0, false, decErr
		}
		return Descriptor{}, int64(v), float64(v), false, nil
	}

	if d.Signed {
		v, decErr := bcd.DecodeSignedDecimal(valueRaw, true)
		if decErr != nil {
			return d, 0, 0, true, decErr
		}
		return d, v, float64(v) * d.Scale, true, nil
	}

	v, decErr := bcd.DecodeDecimal(valueRaw, true)
	if decErr != nil {
		return d, 0, 0, true, decErr
	}
	return d, int64(v), float64(v) * d.Scale, true, nil
}
