// Package vw implements the VW wrapper protocol: a fixed 8-byte header
// carrying either a heartbeat payload or a DLMS APDU, and a restartable
// stream parser that resynchronizes past garbage and raw (unwrapped) APDUs
// sharing the same TCP stream.
package vw

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"

	"github.com/olivenet-iot/meter-gateway/internal/apdu"
)

const (
	headerLength = 8
	// maxPayloadLength bounds a VW packet's declared payload; larger values
	// are a framing error rather than a legitimate oversized packet.
	maxPayloadLength = 4096
	// safetyCap bounds how long the parser will wait on an indeterminate
	// raw-APDU length before giving up and resynchronizing byte by byte,
	// reusing the VW payload bound plus its header as the natural ceiling
	// for anything this gateway's meters legitimately send.
	safetyCap = headerLength + maxPayloadLength
	// hexPreviewLimit caps how much of a discarded garbage run is rendered
	// in a diagnostic event.
	hexPreviewLimit = 32

	gatewayEndpoint uint16 = 0x0001
	wrapperVersion  uint16 = 0x0001
)

var vwSignature = []byte{0x00, 0x01, 0x00, 0x01}

// Header is the fixed 8-byte VW wrapper header.
type Header struct {
	Version       uint16
	Source        uint16
	Destination   uint16
	PayloadLength uint16
}

// Packet is one parsed unit: either a wrapped VW packet or a raw DLMS APDU
// the parser recognized by its leading tag byte (IsRaw true, with a
// synthetic header).
type Packet struct {
	Header  Header
	Payload []byte
	IsRaw   bool
}

// ParseError is emitted when the parser discards bytes it could not frame.
type ParseError struct {
	DiscardedLength int
	HexPreview      string
}

func newParseError(discarded []byte) ParseError {
	n := len(discarded)
	preview := discarded
	if n > hexPreviewLimit {
		preview = discarded[:hexPreviewLimit]
	}
	return ParseError{DiscardedLength: n, HexPreview: hex.EncodeToString(preview)}
}

// Parser is a stateful, restartable VW/raw-APDU stream parser. Zero value is
// not usable; construct with NewParser.
type Parser struct {
	buf []byte
}

// NewParser returns a parser with an empty buffer.
func NewParser() *Parser {
	return &Parser{}
}

// Reset clears buffered state, e.g. when a connection is replaced.
func (p *Parser) Reset() {
	p.buf = p.buf[:0]
}

// Push appends newly received bytes and returns every packet and parse
// error that can be resolved from the buffer so far. Bytes belonging to an
// incomplete packet remain buffered for the next call.
func (p *Parser) Push(data []byte) ([]Packet, []ParseError) {
	p.buf = append(p.buf, data...)

	var packets []Packet
	var errs []ParseError

	for len(p.buf) > 0 {
		lead := p.buf[0]

		switch {
		case lead == 0x00:
			pkt, consumed, status := p.tryVW()
			switch status {
			case vwWaiting:
				return packets, errs
			case vwFramingError:
				p.buf = p.buf[1:]
			case vwNotSignature:
				errs = append(errs, p.resync())
			case vwComplete:
				packets = append(packets, pkt)
				p.buf = p.buf[consumed:]
			}

		case apdu.IsKnownTag(lead):
			total, err := apdu.InferLength(p.buf)
			if err == apdu.ErrIndeterminate {
				if len(p.buf) > safetyCap {
					p.buf = p.buf[1:]
					continue
				}
				return packets, errs
			}
			if err != nil {
				errs = append(errs, p.resync())
				continue
			}
			packets = append(packets, Packet{
				Header: Header{
					Version:       wrapperVersion,
					Source:        gatewayEndpoint,
					Destination:   gatewayEndpoint,
					PayloadLength: uint16(total),
				},
				Payload: append([]byte(nil), p.buf[:total]...),
				IsRaw:   true,
			})
			p.buf = p.buf[total:]

		default:
			errs = append(errs, p.resync())
		}
	}

	return packets, errs
}

type vwStatus int

const (
	vwWaiting vwStatus = iota
	vwComplete
	vwNotSignature
	vwFramingError
)

// tryVW attempts to confirm and decode a VW packet at the front of the
// buffer. It does not mutate p.buf; the caller advances based on status.
func (p *Parser) tryVW() (Packet, int, vwStatus) {
	if len(p.buf) < 4 {
		return Packet{}, 0, vwWaiting
	}
	if !bytes.Equal(p.buf[:4], vwSignature) {
		return Packet{}, 0, vwNotSignature
	}
	if len(p.buf) < headerLength {
		return Packet{}, 0, vwWaiting
	}

	h := Header{
		Version:       binary.BigEndian.Uint16(p.buf[0:2]),
		Source:        binary.BigEndian.Uint16(p.buf[2:4]),
		Destination:   binary.BigEndian.Uint16(p.buf[4:6]),
		PayloadLength: binary.BigEndian.Uint16(p.buf[6:8]),
	}
	if h.PayloadLength > maxPayloadLength {
		return Packet{}, 0, vwFramingError
	}
	total := headerLength + int(h.PayloadLength)
	if len(p.buf) < total {
		return Packet{}, 0, vwWaiting
	}
	payload := append([]byte(nil), p.buf[headerLength:total]...)
	return Packet{Header: h, Payload: payload}, total, vwComplete
}

// resync scans forward from p.buf[1] for the next plausible packet start —
// a confirmed VW signature or a known APDU tag — and discards everything
// before it. A 0x00 byte without enough trailing bytes to confirm or refute
// the signature stops the scan too, so a signature split across Push calls
// is not lost. If nothing is found the whole buffer is discarded.
func (p *Parser) resync() ParseError {
	for i := 1; i < len(p.buf); i++ {
		b := p.buf[i]
		if b == 0x00 {
			if i+4 > len(p.buf) {
				return p.stopResyncAt(i)
			}
			if bytes.Equal(p.buf[i:i+4], vwSignature) {
				return p.stopResyncAt(i)
			}
			continue
		}
		if apdu.IsKnownTag(b) {
			return p.stopResyncAt(i)
		}
	}
	pe := newParseError(p.buf)
	p.buf = p.buf[:0]
	return pe
}

func (p *Parser) stopResyncAt(i int) ParseError {
	pe := newParseError(p.buf[:i])
	p.buf = p.buf[i:]
	return pe
}

// Wrap builds an outbound VW packet: gateway source, the given destination,
// and the payload length derived from len(payload).
func Wrap(destination uint16, payload []byte) []byte {
	out := make([]byte, headerLength+len(payload))
	binary.BigEndian.PutUint16(out[0:2], wrapperVersion)
	binary.BigEndian.PutUint16(out[2:4], gatewayEndpoint)
	binary.BigEndian.PutUint16(out[4:6], destination)
	binary.BigEndian.PutUint16(out[6:8], uint16(len(payload)))
	copy(out[headerLength:], payload)
	return out
}

// Prepare returns the bytes to send for an outbound APDU, wrapping it in a
// VW header unless the target meter accepts raw APDUs.
func Prepare(apduBytes []byte, wrap bool, destination uint16) []byte {
	if !wrap {
		return append([]byte(nil), apduBytes...)
	}
	return Wrap(destination, apduBytes)
}
