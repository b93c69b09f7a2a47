// Package apdu implements the APDU Codec component: decoding of COSEM
// application PDUs exchanged over a VW-wrapped or raw DLMS stream, APDU
// length inference for framing, and encoding of the outbound subset
// (AARQ, GET.request, ACTION.request, RLRQ).
package apdu

// Tag identifies the outermost APDU type.
type Tag byte

const (
	TagAARQ              Tag = 0x60
	TagAARE              Tag = 0x61
	TagRLRQ              Tag = 0x62
	TagRLRE              Tag = 0x63
	TagDataNotification  Tag = 0x0F
	TagEventNotification Tag = 0xC2
	TagGetRequest        Tag = 0xC0
	TagSetOrActionReq    Tag = 0xC3
	TagGetResponse       Tag = 0xC4
	TagSetResponse       Tag = 0xC5
	TagActionResponse    Tag = 0xC7
	TagExceptionResponse Tag = 0xD8
)

// KnownTags is the set of leading bytes the VW stream parser and Protocol
// Router recognize as the start of a raw DLMS APDU.
var KnownTags = map[byte]bool{
	byte(TagAARQ):              true,
	byte(TagAARE):              true,
	byte(TagRLRQ):              true,
	byte(TagRLRE):              true,
	byte(TagDataNotification):  true,
	byte(TagEventNotification): true,
	byte(TagGetRequest):        true,
	byte(TagSetOrActionReq):    true,
	byte(TagGetResponse):       true,
	byte(TagSetResponse):       true,
	byte(TagActionResponse):    true,
	byte(TagExceptionResponse): true,
}

// IsKnownTag reports whether b is a recognized APDU leading tag.
func IsKnownTag(b byte) bool {
	return KnownTags[b]
}

// RequestType disambiguates the request carried by the shared
// SET/ACTION.request tag.
type RequestType byte

const (
	RequestTypeSet    RequestType = 0x01
	RequestTypeAction RequestType = 0x02
)

// GetRequestType/SetRequestType byte values (the "type" field of GET and
// SET/ACTION requests, always "normal" for the public-client subset this
// gateway speaks).
const (
	GetRequestNormal = 0x01
)

// AccessResultCode is the single-byte error discriminator carried by
// GET.response and SET.response on failure.
type AccessResultCode byte

// ActionResultCode is the single-byte result discriminator carried by
// ACTION.response.
type ActionResultCode byte
