package apdu

import (
	"fmt"
	"strings"
)

// OBIS is a six-component COSEM object address, e.g. "1-0:1.8.0.255".
type OBIS [6]byte

// EncodeOBIS writes the six address bytes, optionally preceded by the
// 0x06 length tag some APDU shapes require.
func EncodeOBIS(o OBIS, withLengthTag bool) []byte {
	if !withLengthTag {
		out := make([]byte, 6)
		copy(out, o[:])
		return out
	}
	out := make([]byte, 7)
	out[0] = 0x06
	copy(out[1:], o[:])
	return out
}

// DecodeOBIS reads a 6-byte OBIS address, skipping a leading 0x06 length
// tag if present.
func DecodeOBIS(buf []byte) (OBIS, int, error) {
	var o OBIS
	if len(buf) >= 7 && buf[0] == 0x06 {
		copy(o[:], buf[1:7])
		return o, 7, nil
	}
	if len(buf) < 6 {
		return o, 0, fmt.Errorf("apdu: truncated OBIS address")
	}
	copy(o[:], buf[:6])
	return o, 6, nil
}

func (o OBIS) String() string {
	return fmt.Sprintf("%d-%d:%d.%d.%d.%d", o[0], o[1], o[2], o[3], o[4], o[5])
}

// ParseOBIS parses the "A-B:C.D.E.F" string form back into an OBIS value.
func ParseOBIS(s string) (OBIS, error) {
	var o OBIS
	var a, b, c, d, e, f int
	n, err := fmt.Sscanf(s, "%d-%d:%d.%d.%d.%d", &a, &b, &c, &d, &e, &f)
	if err != nil || n != 6 {
		return o, fmt.Errorf("apdu: malformed OBIS string %q", s)
	}
	o = OBIS{byte(a), byte(b), byte(c), byte(d), byte(e), byte(f)}
	return o, nil
}

// ObisEntry describes a registered OBIS code: its display metadata and an
// optional scaler converting the raw integer value to engineering units.
type ObisEntry struct {
	Key      string
	Name     string
	Unit     string
	Category string
	Scale    float64
}

// Register(3), Data(1) class OBIS codes this gateway resolves out of the
// box; class 70 (Disconnect-Control) entries are addressed directly by the
// dispatcher's relay-control sequence rather than looked up here.
var obisRegistry = map[OBIS]ObisEntry{
	mustOBIS("1-0:1.8.0.255"):  {Key: "ENERGY_TOTAL", Name: "Total active energy import", Unit: "kWh", Category: "energy", Scale: 0.01},
	mustOBIS("1-0:32.7.0.255"): {Key: "VOLTAGE_L1", Name: "Instantaneous voltage L1", Unit: "V", Category: "instantaneous", Scale: 0.1},
	mustOBIS("1-0:31.7.0.255"): {Key: "CURRENT_L1", Name: "Instantaneous current L1", Unit: "A", Category: "instantaneous", Scale: 0.01},
	mustOBIS("1-0:21.7.0.255"): {Key: "ACTIVE_POWER_L1", Name: "Instantaneous active power L1", Unit: "kW", Category: "instantaneous", Scale: 0.001},
	mustOBIS("0-0:96.3.10.255"): {Key: "RELAY_CONTROL", Name: "Disconnect control", Unit: "", Category: "control", Scale: 1},
}

func mustOBIS(s string) OBIS {
	o, err := ParseOBIS(s)
	if err != nil {
		panic(err)
	}
	return o
}

// LookupOBIS resolves an OBIS address against the registry.
func LookupOBIS(o OBIS) (ObisEntry, bool) {
	e, ok := obisRegistry[o]
	return e, ok
}

// LookupByKey resolves a register key (case-insensitive) to its OBIS
// address and registry entry, for command parameters that name a register
// rather than carrying a raw OBIS address.
func LookupByKey(key string) (OBIS, ObisEntry, bool) {
	upper := strings.ToUpper(key)
	for o, e := range obisRegistry {
		if strings.ToUpper(e.Key) == upper {
			return o, e, true
		}
	}
	return OBIS{}, ObisEntry{}, false
}

// AllOBIS returns every registered OBIS entry, keyed by address.
func AllOBIS() map[OBIS]ObisEntry {
	out := make(map[OBIS]ObisEntry, len(obisRegistry))
	for k, v := range obisRegistry {
		out[k] = v
	}
	return out
}

// RelayControlOBIS is the class-70 object the relay-control sequence
// targets (spec §4.8).
var RelayControlOBIS = mustOBIS("0-0:96.3.10.255")
