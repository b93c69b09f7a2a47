// Package bcd implements the R645 wire encoding primitives: packed binary
// coded decimal digits, the additive obfuscation offset, and the address and
// data-identifier serializations built on top of them.
package bcd

import (
	"fmt"
)

// offsetConstant is the additive obfuscation applied byte-wise to R645
// payloads, modulo 256 in both directions.
const offsetConstant = 0x33

// broadcastWildcard is the literal wildcard identity string; on the wire it
// is six bytes of 0xAA rather than a BCD-packed decimal value.
const broadcastWildcard = "AAAAAAAAAAAA"

// AddressLength is the on-wire byte length of an R645 meter address.
const AddressLength = 6

var errTooShort = func(what string, want, got int) error {
	return fmt.Errorf("bcd: %s too short: want %d bytes, got %d", what, want, got)
}

// Pack combines two decimal digits (each 0-9) into one BCD byte, high
// nibble first.
func Pack(hi, lo uint8) (byte, error) {
	if hi > 9 || lo > 9 {
		return 0, fmt.Errorf("bcd: digit out of range: hi=%d lo=%d", hi, lo)
	}
	return hi<<4 | lo, nil
}

// Unpack splits a BCD byte into its two decimal digits. It returns an error
// if either nibble exceeds 9.
func Unpack(b byte) (hi, lo uint8, err error) {
	hi = b >> 4
	lo = b & 0x0F
	if hi > 9 || lo > 9 {
		return 0, 0, fmt.Errorf("bcd: invalid nibble in byte 0x%02X", b)
	}
	return hi, lo, nil
}

// EncodeDecimal packs value into n BCD bytes (two decimal digits per byte),
// in the given byte order. It returns an error if value does not fit in
// n*2 decimal digits.
func EncodeDecimal(value uint64, n int, littleEndian bool) ([]byte, error) {
	maxDigits := n * 2
	s := fmt.Sprintf("%d", value)
	if len(s) > maxDigits {
		return nil, fmt.Errorf("bcd: value %d exceeds %d digits", value, maxDigits)
	}
	for len(s) < maxDigits {
		s = "0" + s
	}

	out := make([]byte, n)
	for i := 0; i < n; i++ {
		hi := s[2*i] - '0'
		lo := s[2*i+1] - '0'
		b, err := Pack(uint8(hi), uint8(lo))
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	if littleEndian {
		reverse(out)
	}
	return out, nil
}

// EncodeDecimalWithScale converts a floating value to its fixed-point BCD
// representation by multiplying by 10^fractionalDigits before packing.
func EncodeDecimalWithScale(value float64, n, fractionalDigits int) ([]byte, error) {
	scale := 1.0
	for i := 0; i < fractionalDigits; i++ {
		scale *= 10
	}
	scaled := value * scale
	if scaled < 0 {
		return nil, fmt.Errorf("bcd: EncodeDecimalWithScale does not support negative values")
	}
	return EncodeDecimal(uint64(scaled+0.5), n, true)
}

// DecodeDecimal unpacks n BCD bytes into their represented unsigned decimal
// value.
func DecodeDecimal(buf []byte, littleEndian bool) (uint64, error) {
	work := make([]byte, len(buf))
	copy(work, buf)
	if littleEndian {
		reverse(work)
	}

	var value uint64
	for _, b := range work {
		hi, lo, err := Unpack(b)
		if err != nil {
			return 0, err
		}
		value = value*100 + uint64(hi)*10 + uint64(lo)
	}
	return value, nil
}

// DecodeSignedDecimal interprets the high bit of the most-significant byte
// as a sign flag, clears it, and decodes the remainder as an unsigned BCD
// magnitude.
func DecodeSignedDecimal(buf []byte, littleEndian bool) (int64, error) {
	if len(buf) == 0 {
		return 0, errTooShort("signed decimal buffer", 1, 0)
	}
	work := make([]byte, len(buf))
	copy(work, buf)

	signIdx := 0
	if littleEndian {
		signIdx = len(work) - 1
	}
	negative := work[signIdx]&0x80 != 0
	work[signIdx] &^= 0x80

	magnitude, err := DecodeDecimal(work, littleEndian)
	if err != nil {
		return 0, err
	}
	if negative {
		return -int64(magnitude), nil
	}
	return int64(magnitude), nil
}

// ApplyOffset returns a copy of buf with the 0x33 obfuscation constant added
// to every byte, modulo 256.
func ApplyOffset(buf []byte) []byte {
	out := make([]byte, len(buf))
	for i, b := range buf {
		out[i] = b + offsetConstant
	}
	return out
}

// RemoveOffset returns a copy of buf with the 0x33 obfuscation constant
// subtracted from every byte, modulo 256. RemoveOffset(ApplyOffset(b)) == b
// for every buffer.
func RemoveOffset(buf []byte) []byte {
	out := make([]byte, len(buf))
	for i, b := range buf {
		out[i] = b - offsetConstant
	}
	return out
}

// EncodeAddress serializes a 12-digit decimal meter identity (or the literal
// broadcast wildcard "AAAAAAAAAAAA") into its 6-byte reversed-BCD wire form.
func EncodeAddress(addr string) ([]byte, error) {
	if addr == broadcastWildcard {
		out := make([]byte, AddressLength)
		for i := range out {
			out[i] = 0xAA
		}
		return out, nil
	}
	if len(addr) != AddressLength*2 {
		return nil, fmt.Errorf("bcd: address %q must be %d digits", addr, AddressLength*2)
	}
	for _, c := range addr {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("bcd: address %q contains non-digit character", addr)
		}
	}

	out := make([]byte, AddressLength)
	for i := 0; i < AddressLength; i++ {
		hi := addr[2*i] - '0'
		lo := addr[2*i+1] - '0'
		b, err := Pack(uint8(hi), uint8(lo))
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	reverse(out)
	return out, nil
}

// DecodeAddress parses a 6-byte reversed-BCD wire address back into its
// 12-digit decimal string, recognizing the all-0xAA broadcast wildcard.
func DecodeAddress(buf []byte) (string, error) {
	if len(buf) != AddressLength {
		return "", errTooShort("address", AddressLength, len(buf))
	}
	if isWildcard(buf) {
		return broadcastWildcard, nil
	}

	work := make([]byte, AddressLength)
	copy(work, buf)
	reverse(work)

	digits := make([]byte, 0, AddressLength*2)
	for _, b := range work {
		hi, lo, err := Unpack(b)
		if err != nil {
			return "", fmt.Errorf("bcd: decode address: %w", err)
		}
		digits = append(digits, '0'+hi, '0'+lo)
	}
	return string(digits), nil
}

func isWildcard(buf []byte) bool {
	for _, b := range buf {
		if b != 0xAA {
			return false
		}
	}
	return true
}

// EncodeDI serializes a 32-bit data identifier as little-endian bytes with
// the obfuscation offset applied.
func EncodeDI(di uint32) []byte {
	raw := []byte{
		byte(di),
		byte(di >> 8),
		byte(di >> 16),
		byte(di >> 24),
	}
	return ApplyOffset(raw)
}

// DecodeDI reverses EncodeDI: it removes the obfuscation offset and
// interprets the four bytes as a little-endian 32-bit data identifier.
func DecodeDI(buf []byte) (uint32, error) {
	if len(buf) != 4 {
		return 0, errTooShort("data identifier", 4, len(buf))
	}
	raw := RemoveOffset(buf)
	return uint32(raw[0]) | uint32(raw[1])<<8 | uint32(raw[2])<<16 | uint32(raw[3])<<24, nil
}

func reverse(buf []byte) {
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
}
