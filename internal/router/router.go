// Package router implements the Protocol Router: a per-connection sticky
// classifier that inspects the first identifying bytes of an inbound stream
// once and remembers the verdict for the life of the connection.
package router

import (
	"bytes"

	"github.com/olivenet-iot/meter-gateway/internal/apdu"
	"github.com/olivenet-iot/meter-gateway/internal/heartbeat"
)

// Kind identifies which parser owns a connection's byte stream.
type Kind int

const (
	KindUnclassified Kind = iota
	KindR645
	KindVW
	KindHeartbeat
)

func (k Kind) String() string {
	switch k {
	case KindR645:
		return "r645"
	case KindVW:
		return "vw"
	case KindHeartbeat:
		return "heartbeat"
	default:
		return "unclassified"
	}
}

const (
	r645StartDelim = 0x68
	// r645MinPrefix is the shortest prefix that distinguishes a genuine
	// R645 frame start from a coincidental 0x68 byte: start delimiter,
	// 6-byte address, and the second start delimiter.
	r645MinPrefix = 8
)

var vwSignature = []byte{0x00, 0x01, 0x00, 0x01}

// Classifier holds the sticky classification decision for one connection.
// The zero value is unclassified.
type Classifier struct {
	kind Kind
}

// Kind returns the connection's remembered protocol, or KindUnclassified if
// classification has not yet succeeded.
func (c *Classifier) Kind() Kind {
	return c.kind
}

// Classify inspects buf (the connection's buffered-but-unconsumed bytes)
// and returns the protocol it identifies, remembering it for subsequent
// calls. Once bound, Classify always returns the remembered kind without
// re-inspecting buf.
func (c *Classifier) Classify(buf []byte) Kind {
	if c.kind != KindUnclassified {
		return c.kind
	}

	if heartbeat.IsHeartbeat(buf) {
		c.kind = KindHeartbeat
		return c.kind
	}

	if len(buf) >= r645MinPrefix && buf[0] == r645StartDelim && buf[7] == r645StartDelim {
		c.kind = KindR645
		return c.kind
	}

	if len(buf) >= 4 && bytes.Equal(buf[:4], vwSignature) {
		c.kind = KindVW
		return c.kind
	}

	if len(buf) >= 1 && apdu.IsKnownTag(buf[0]) {
		c.kind = KindVW
		return c.kind
	}

	return KindUnclassified
}

// Reset clears the remembered classification, e.g. when a connection slot
// is reused by a new socket.
func (c *Classifier) Reset() {
	c.kind = KindUnclassified
}
