package apdu

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// APDU is a decoded application PDU. Exactly the fields relevant to Tag are
// populated; the rest stay zero-valued.
type APDU struct {
	Tag Tag

	// GET/SET/ACTION request and response common fields.
	InvokeID   byte
	ClassID    uint16
	OBIS       OBIS
	Index      byte // attribute id (GET/SET) or method id (ACTION) or event attribute index
	Value      *DataValue
	AccessCode AccessResultCode
	ActionCode ActionResultCode

	// DataNotification / EventNotification.
	LongInvokeID uint32
	DateTime     []byte
	Trailing     []DataValue

	// AARE/RLRE.
	Accepted bool

	Raw []byte
}

// InferLength determines the total byte length of the APDU starting at
// buf[0], without fully decoding it. It returns ErrIndeterminate when buf
// does not yet hold enough bytes to know the answer, and any other error on
// malformed input.
func InferLength(buf []byte) (int, error) {
	if len(buf) < 1 {
		return 0, ErrIndeterminate
	}
	switch Tag(buf[0]) {
	case TagAARQ, TagAARE, TagRLRQ, TagRLRE:
		return inferBERTLVLength(buf)
	case TagExceptionResponse:
		if len(buf) < 3 {
			return 0, ErrIndeterminate
		}
		return 3, nil
	case TagGetRequest, TagSetOrActionReq:
		if len(buf) < 13 {
			return 0, ErrIndeterminate
		}
		return 13, nil
	case TagSetResponse:
		if len(buf) < 4 {
			return 0, ErrIndeterminate
		}
		return 4, nil
	case TagGetResponse:
		return inferGetResponseLength(buf)
	case TagActionResponse:
		return inferActionResponseLength(buf)
	case TagDataNotification:
		return inferDataNotificationLength(buf)
	case TagEventNotification:
		return inferEventNotificationLength(buf)
	default:
		return 0, fmt.Errorf("apdu: unknown tag 0x%02X", buf[0])
	}
}

// inferBERTLVLength reads the BER length octet following the tag byte.
func inferBERTLVLength(buf []byte) (int, error) {
	if len(buf) < 2 {
		return 0, ErrIndeterminate
	}
	lb := buf[1]
	if lb&0x80 == 0 {
		total := 2 + int(lb)
		if len(buf) < total {
			return 0, ErrIndeterminate
		}
		return total, nil
	}
	n := int(lb & 0x7F)
	if n < 1 || n > 4 {
		return 0, fmt.Errorf("apdu: unsupported BER length-octet width %d", n)
	}
	if len(buf) < 2+n {
		return 0, ErrIndeterminate
	}
	var content uint32
	for i := 0; i < n; i++ {
		content = content<<8 | uint32(buf[2+i])
	}
	total := 1 + 1 + n + int(content)
	if len(buf) < total {
		return 0, ErrIndeterminate
	}
	return total, nil
}

func inferGetResponseLength(buf []byte) (int, error) {
	if len(buf) < 4 {
		return 0, ErrIndeterminate
	}
	switch buf[3] {
	case 0x00:
		_, consumed, err := DecodeDataValue(buf[4:])
		if err != nil {
			if errors.Is(err, ErrIndeterminate) {
				return 0, ErrIndeterminate
			}
			return 0, fmt.Errorf("apdu: GET.response value: %w", err)
		}
		return 4 + consumed, nil
	case 0x01:
		if len(buf) < 5 {
			return 0, ErrIndeterminate
		}
		return 5, nil
	default:
		return 0, fmt.Errorf("apdu: GET.response unknown choice selector 0x%02X", buf[3])
	}
}

func inferActionResponseLength(buf []byte) (int, error) {
	if len(buf) < 4 {
		return 0, ErrIndeterminate
	}
	if buf[3] != 0x00 {
		return 4, nil
	}
	if len(buf) < 5 {
		return 0, ErrIndeterminate
	}
	if buf[4] == 0x00 {
		return 5, nil
	}
	_, consumed, err := DecodeDataValue(buf[5:])
	if err != nil {
		if errors.Is(err, ErrIndeterminate) {
			return 0, ErrIndeterminate
		}
		return 0, fmt.Errorf("apdu: ACTION.response value: %w", err)
	}
	return 5 + consumed, nil
}

func inferDataNotificationLength(buf []byte) (int, error) {
	if len(buf) < 6 {
		return 0, ErrIndeterminate
	}
	dtLen := int(buf[5])
	valueStart := 6 + dtLen
	if len(buf) < valueStart {
		return 0, ErrIndeterminate
	}
	_, consumed, err := DecodeDataValue(buf[valueStart:])
	if err != nil {
		if errors.Is(err, ErrIndeterminate) {
			return 0, ErrIndeterminate
		}
		return 0, fmt.Errorf("apdu: DataNotification value: %w", err)
	}
	return valueStart + consumed, nil
}

// plausibleDateTime reports whether buf[0:12] looks like a COSEM date-time
// rather than the start of the class-id/OBIS fields that would follow a
// datetime-less EventNotification.
func plausibleDateTime(buf []byte) bool {
	if len(buf) < 12 {
		return false
	}
	year := binary.BigEndian.Uint16(buf[0:2])
	if year != 0xFFFF && (year < 2000 || year > 2099) {
		return false
	}
	month := buf[2]
	if month != 0xFF && (month < 1 || month > 12) {
		return false
	}
	day := buf[3]
	if day != 0xFF && (day < 1 || day > 31) {
		return false
	}
	weekday := buf[4]
	if weekday != 0xFF && weekday > 7 {
		return false
	}
	hour := buf[5]
	if hour != 0xFF && hour > 23 {
		return false
	}
	minute := buf[6]
	if minute != 0xFF && minute > 59 {
		return false
	}
	second := buf[7]
	if second != 0xFF && second > 59 {
		return false
	}
	return true
}

// eventNotificationTail infers the length of the class-id/OBIS/index/value
// (+ trailing values) portion of an EventNotification that follows the tag
// byte and optional date-time, returning the number of bytes it consumes.
func eventNotificationTail(buf []byte) (int, error) {
	if len(buf) < 2 {
		return 0, ErrIndeterminate
	}
	offset := 2 // class-id
	var obisLen int
	if buf[offset] == 0x06 {
		if len(buf) < offset+7 {
			return 0, ErrIndeterminate
		}
		obisLen = 7
	} else {
		if len(buf) < offset+6 {
			return 0, ErrIndeterminate
		}
		obisLen = 6
	}
	offset += obisLen
	if len(buf) < offset+1 {
		return 0, ErrIndeterminate
	}
	offset++ // attribute index
	if len(buf) < offset+1 {
		return 0, ErrIndeterminate
	}
	_, consumed, err := DecodeDataValue(buf[offset:])
	if err != nil {
		return 0, err
	}
	offset += consumed

	// Optional trailing values: tags 0x01-0x1B are consumed greedily; tag
	// 0x00 is left alone since it collides with the VW signature's leading
	// byte and a following packet boundary must not be swallowed.
	for offset < len(buf) {
		next := buf[offset]
		if next == 0x00 || next > 0x1B {
			break
		}
		_, tConsumed, err := DecodeDataValue(buf[offset:])
		if err != nil {
			break
		}
		offset += tConsumed
	}
	return offset, nil
}

// inferEventNotificationLength resolves the datetime-ambiguity per the
// precedence rule: prefer whichever candidate's end lands exactly at the
// buffer end or is followed by a valid next-packet marker; otherwise prefer
// the no-datetime interpretation.
func inferEventNotificationLength(buf []byte) (int, error) {
	if len(buf) < 1 {
		return 0, ErrIndeterminate
	}
	body := buf[1:]

	noDTTail, noDTErr := eventNotificationTail(body)
	var noDTTotal int
	noDTOK := noDTErr == nil
	if noDTOK {
		noDTTotal = 1 + noDTTail
	}

	var withDTTotal int
	withDTOK := false
	if plausibleDateTime(body) {
		if wTail, wErr := eventNotificationTail(body[12:]); wErr == nil {
			withDTTotal = 1 + 12 + wTail
			withDTOK = true
		} else if errors.Is(wErr, ErrIndeterminate) {
			return 0, ErrIndeterminate
		}
	}

	if !noDTOK && !withDTOK {
		if errors.Is(noDTErr, ErrIndeterminate) {
			return 0, ErrIndeterminate
		}
		return 0, fmt.Errorf("apdu: EventNotification: neither interpretation parses")
	}

	nextMarkerAfter := func(total int) bool {
		if total == len(buf) {
			return true
		}
		if total < len(buf) {
			return buf[total] == 0x00 || IsKnownTag(buf[total])
		}
		return false
	}

	withAligned := withDTOK && nextMarkerAfter(withDTTotal)
	noAligned := noDTOK && nextMarkerAfter(noDTTotal)

	switch {
	case withAligned:
		return withDTTotal, nil
	case noAligned:
		return noDTTotal, nil
	case noDTOK:
		return noDTTotal, nil
	default:
		return withDTTotal, nil
	}
}

// Decode fully decodes one APDU starting at buf[0], returning the number of
// bytes consumed. It returns ErrIndeterminate if buf does not yet hold a
// complete APDU.
func Decode(buf []byte) (*APDU, int, error) {
	total, err := InferLength(buf)
	if err != nil {
		return nil, 0, err
	}
	frame := buf[:total]

	a := &APDU{Tag: Tag(frame[0]), Raw: append([]byte(nil), frame...)}

	switch a.Tag {
	case TagAARQ, TagAARE, TagRLRQ, TagRLRE:
		a.Accepted = a.Tag == TagAARQ || a.Tag == TagRLRQ || decodeAAREAccepted(frame)

	case TagExceptionResponse:
		// frame[1] state error, frame[2] service error; neither is modeled
		// beyond the raw bytes the dispatcher surfaces to the caller.

	case TagGetRequest, TagSetOrActionReq:
		a.InvokeID = frame[2]
		a.ClassID = binary.BigEndian.Uint16(frame[3:5])
		copy(a.OBIS[:], frame[5:11])
		a.Index = frame[11]

	case TagSetResponse:
		a.InvokeID = frame[2]
		a.AccessCode = AccessResultCode(frame[3])

	case TagGetResponse:
		a.InvokeID = frame[2]
		switch frame[3] {
		case 0x00:
			dv, _, err := DecodeDataValue(frame[4:])
			if err != nil {
				return nil, 0, fmt.Errorf("apdu: GET.response value: %w", err)
			}
			a.Value = &dv
		case 0x01:
			a.AccessCode = AccessResultCode(frame[4])
		}

	case TagActionResponse:
		a.InvokeID = frame[2]
		a.ActionCode = ActionResultCode(frame[3])
		if frame[3] == 0x00 && len(frame) > 4 && frame[4] != 0x00 {
			dv, _, err := DecodeDataValue(frame[5:])
			if err != nil {
				return nil, 0, fmt.Errorf("apdu: ACTION.response value: %w", err)
			}
			a.Value = &dv
		}

	case TagDataNotification:
		a.LongInvokeID = binary.BigEndian.Uint32(frame[1:5])
		dtLen := int(frame[5])
		a.DateTime = append([]byte(nil), frame[6:6+dtLen]...)
		dv, _, err := DecodeDataValue(frame[6+dtLen:])
		if err != nil {
			return nil, 0, fmt.Errorf("apdu: DataNotification value: %w", err)
		}
		a.Value = &dv

	case TagEventNotification:
		if err := decodeEventNotification(a, frame); err != nil {
			return nil, 0, err
		}

	default:
		return nil, 0, fmt.Errorf("apdu: unknown tag 0x%02X", frame[0])
	}

	return a, total, nil
}

// decodeAAREAccepted inspects an AARE's BER-TLV body for the
// association-result element (context-tag 2, 3-byte INTEGER content). A
// body too short or lacking the element is treated as rejected, matching
// the gateway's fail-closed posture toward malformed responses.
func decodeAAREAccepted(frame []byte) bool {
	body := berContent(frame)
	for i := 0; i+2 < len(body); {
		tag := body[i]
		length := int(body[i+1])
		if i+2+length > len(body) {
			return false
		}
		content := body[i+2 : i+2+length]
		if tag == 0xA2 && len(content) >= 3 && content[2] == 0x00 {
			return true
		}
		i += 2 + length
	}
	return false
}

// berContent returns a BER-TLV frame's content bytes (after tag and length
// octets), handling both short and long length forms.
func berContent(frame []byte) []byte {
	if len(frame) < 2 {
		return nil
	}
	lb := frame[1]
	if lb&0x80 == 0 {
		return frame[2:]
	}
	n := int(lb & 0x7F)
	if n < 1 || n > 4 || len(frame) < 2+n {
		return nil
	}
	return frame[2+n:]
}

func decodeEventNotification(a *APDU, frame []byte) error {
	body := frame[1:]
	offset := 0
	if plausibleDateTime(body) {
		if tail, err := eventNotificationTail(body[12:]); err == nil {
			total := 1 + 12 + tail
			if total == len(frame) || (total < len(frame) && (frame[total] == 0x00 || IsKnownTag(frame[total]))) {
				a.DateTime = append([]byte(nil), body[:12]...)
				offset = 12
			}
		}
	}
	rest := body[offset:]
	if len(rest) < 9 {
		return fmt.Errorf("apdu: EventNotification too short")
	}
	a.ClassID = binary.BigEndian.Uint16(rest[0:2])
	obis, obisConsumed, err := DecodeOBIS(rest[2:])
	if err != nil {
		return fmt.Errorf("apdu: EventNotification OBIS: %w", err)
	}
	a.OBIS = obis
	pos := 2 + obisConsumed
	if len(rest) < pos+1 {
		return fmt.Errorf("apdu: EventNotification missing attribute index")
	}
	a.Index = rest[pos]
	pos++
	dv, consumed, err := DecodeDataValue(rest[pos:])
	if err != nil {
		return fmt.Errorf("apdu: EventNotification value: %w", err)
	}
	a.Value = &dv
	pos += consumed

	for pos < len(rest) {
		next := rest[pos]
		if next == 0x00 || next > 0x1B {
			break
		}
		tv, tConsumed, err := DecodeDataValue(rest[pos:])
		if err != nil {
			break
		}
		a.Trailing = append(a.Trailing, tv)
		pos += tConsumed
	}
	return nil
}

// applicationContextLongNameNoCiphering is the OID for "logical name
// referencing, no ciphering", the only application context this gateway
// proposes.
var applicationContextLongNameNoCiphering = []byte{0x06, 0x07, 0x60, 0x85, 0x74, 0x05, 0x08, 0x01, 0x01}

// EncodeAARQ builds an AARQ APDU proposing the long-name-no-ciphering
// application context, a minimal conformance block (get/set/action/
// selective-access), and a maximum PDU size of 0xFFFF.
func EncodeAARQ() []byte {
	conformance := []byte{
		0x8A, 0x02, 0x07, 0x80, // sender-acse-requirements
		0xA4, 0x0A, // user-information-like conformance wrapper
		0x06, 0x08, 0x60, 0x85, 0x74, 0x05, 0x08, 0x01, 0x01, 0x01,
	}
	maxPDU := []byte{0x88, 0x02, 0xFF, 0xFF}

	body := make([]byte, 0, len(applicationContextLongNameNoCiphering)+len(conformance)+len(maxPDU))
	body = append(body, applicationContextLongNameNoCiphering...)
	body = append(body, conformance...)
	body = append(body, maxPDU...)

	out := make([]byte, 0, 2+len(body))
	out = append(out, byte(TagAARQ))
	out = appendBERLength(out, len(body))
	out = append(out, body...)
	return out
}

// EncodeRLRQ builds a bare release-request APDU with no user information.
func EncodeRLRQ() []byte {
	return []byte{byte(TagRLRQ), 0x00}
}

// EncodeGetRequest builds a 13-byte GET.request for the named attribute.
func EncodeGetRequest(invokeID byte, classID uint16, obis OBIS, attribute byte) []byte {
	out := make([]byte, 13)
	out[0] = byte(TagGetRequest)
	out[1] = GetRequestNormal
	out[2] = invokeID
	binary.BigEndian.PutUint16(out[3:5], classID)
	copy(out[5:11], obis[:])
	out[11] = attribute
	out[12] = 0x00 // no selective access
	return out
}

// EncodeActionRequest builds a 13-byte ACTION.request invoking the named
// method with no parameters.
func EncodeActionRequest(invokeID byte, classID uint16, obis OBIS, method byte) []byte {
	out := make([]byte, 13)
	out[0] = byte(TagSetOrActionReq)
	out[1] = byte(RequestTypeAction)
	out[2] = invokeID
	binary.BigEndian.PutUint16(out[3:5], classID)
	copy(out[5:11], obis[:])
	out[11] = method
	out[12] = 0x00
	return out
}

func appendBERLength(out []byte, length int) []byte {
	if length < 0x80 {
		return append(out, byte(length))
	}
	var enc []byte
	for length > 0 {
		enc = append([]byte{byte(length & 0xFF)}, enc...)
		length >>= 8
	}
	out = append(out, byte(0x80|len(enc)))
	return append(out, enc...)
}
