// Package heartbeat recognizes and decodes the 26-byte keepalive packet
// meters send between telemetry exchanges, and applies the configured
// zero-address identity policy.
package heartbeat

import (
	"fmt"

	"github.com/olivenet-iot/meter-gateway/internal/config"
)

const (
	// PacketLength is the fixed size of a heartbeat packet.
	PacketLength = 26
	prefixLength = 11
	identityLen  = 12
	zeroIdentity = "000000000000"
)

// vendorPrefix is the fixed 11-byte sequence that opens every heartbeat
// packet this gateway's meters emit.
var vendorPrefix = []byte{0x48, 0x42, 0x54, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}

// Packet is a decoded heartbeat: the extracted meter identity and whether
// it was substituted under the zero-address policy.
type Packet struct {
	Identity    string
	Substituted bool
	Trailer     []byte
}

// IsHeartbeat reports whether buf is exactly PacketLength bytes and opens
// with the vendor prefix; callers use this before attempting Decode so a
// short or mismatched buffer can fall through to another protocol guess.
func IsHeartbeat(buf []byte) bool {
	if len(buf) != PacketLength {
		return false
	}
	for i, b := range vendorPrefix {
		if buf[i] != b {
			return false
		}
	}
	return true
}

// Decode parses a heartbeat packet, applying the zero-address action when
// the extracted identity is the all-zero sentinel. remoteIP is used only
// when the configured action is ZeroAddressUseIP.
func Decode(buf []byte, action config.ZeroAddressAction, remoteIP string) (Packet, error) {
	if !IsHeartbeat(buf) {
		return Packet{}, fmt.Errorf("heartbeat: buffer is not a %d-byte heartbeat with the expected prefix", PacketLength)
	}

	idBytes := buf[prefixLength : prefixLength+identityLen]
	for _, c := range idBytes {
		if c < '0' || c > '9' {
			return Packet{}, fmt.Errorf("heartbeat: identity field contains non-digit byte 0x%02X", c)
		}
	}
	identity := string(idBytes)
	trailer := append([]byte(nil), buf[prefixLength+identityLen:]...)

	pkt := Packet{Identity: identity, Trailer: trailer}
	if identity == zeroIdentity {
		switch action {
		case config.ZeroAddressUseIP:
			if remoteIP != "" {
				pkt.Identity = remoteIP
				pkt.Substituted = true
			}
		case config.ZeroAddressAccept:
			// identity stays "000000000000"
		}
	}
	return pkt, nil
}
