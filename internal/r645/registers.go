package r645

import "strings"

// Descriptor describes one R645 data identifier: its human name, unit,
// scaling resolution, wire width, and signedness.
type Descriptor struct {
	Key      string
	Name     string
	Unit     string
	Scale    float64
	Bytes    int
	Signed   bool
	Enum     map[int64]string
}

// registerTable is the built-in descriptor set for the meter families this
// gateway was built against. It is fixed at build time; configuration does
// not add entries. The table covers the DI ranges the spec's MSB partition names:
// 0x00 cumulative-energy, 0x02 instantaneous, 0x04 parameters.
var registerTable = map[uint32]Descriptor{
	0x00000000: {Key: "ENERGY_TOTAL", Name: "Total combined active energy", Unit: "kWh", Scale: 0.01, Bytes: 4},
	0x00010000: {Key: "ENERGY_TARIFF1", Name: "Active energy, tariff 1", Unit: "kWh", Scale: 0.01, Bytes: 4},
	0x00020000: {Key: "ENERGY_TARIFF2", Name: "Active energy, tariff 2", Unit: "kWh", Scale: 0.01, Bytes: 4},
	0x02010100: {Key: "VOLTAGE_A", Name: "Phase A voltage", Unit: "V", Scale: 0.1, Bytes: 2},
	0x02010200: {Key: "VOLTAGE_B", Name: "Phase B voltage", Unit: "V", Scale: 0.1, Bytes: 2},
	0x02010300: {Key: "VOLTAGE_C", Name: "Phase C voltage", Unit: "V", Scale: 0.1, Bytes: 2},
	0x02020100: {Key: "CURRENT_A", Name: "Phase A current", Unit: "A", Scale: 0.001, Bytes: 3},
	0x02020200: {Key: "CURRENT_B", Name: "Phase B current", Unit: "A", Scale: 0.001, Bytes: 3},
	0x02020300: {Key: "CURRENT_C", Name: "Phase C current", Unit: "A", Scale: 0.001, Bytes: 3},
	0x02030000: {Key: "ACTIVE_POWER_TOTAL", Name: "Total active power", Unit: "kW", Scale: 0.0001, Bytes: 4, Signed: true},
	0x02800002: {Key: "FREQUENCY", Name: "Grid frequency", Unit: "Hz", Scale: 0.01, Bytes: 2},
}

// LookupDI returns the descriptor registered for di and whether it was found.
func LookupDI(di uint32) (Descriptor, bool) {
	d, ok := registerTable[di]
	return d, ok
}

// LookupName resolves a register name case-insensitively against the
// descriptor table, as required by command validation (spec §4.8).
func LookupName(name string) (uint32, Descriptor, bool) {
	upper := strings.ToUpper(name)
	for di, d := range registerTable {
		if strings.ToUpper(d.Key) == upper {
			return di, d, true
		}
	}
	return 0, Descriptor{}, false
}

// EnergyGroup returns the data identifiers in the cumulative-energy range
// (MSB 0x00), in a stable order.
func EnergyGroup() []uint32 {
	return []uint32{0x00000000, 0x00010000, 0x00020000}
}

// InstantaneousGroup returns the data identifiers in the instantaneous
// range (MSB 0x02), in a stable order.
func InstantaneousGroup() []uint32 {
	return []uint32{0x02010100, 0x02010200, 0x02010300, 0x02020100, 0x02020200, 0x02020300, 0x02030000, 0x02800002}
}

// AllRegisters returns every registered data identifier.
func AllRegisters() []uint32 {
	out := append(EnergyGroup(), InstantaneousGroup()...)
	return out
}
