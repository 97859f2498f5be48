// Package address handles primary and secondary M-Bus addressing.
package address

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Reserved primary addresses.
const (
	Unconfigured   byte = 0x00
	MaxPrimary     byte = 250
	NetworkLayer   byte = 0xFD
	BroadcastReply byte = 0xFE
	Broadcast      byte = 0xFF
)

const secondaryLen = 16

// ErrInvalidAddress is returned by Parse for text that is neither form.
var ErrInvalidAddress = errors.New("invalid address")

// Address is either a primary address or an 8-byte secondary address.
// Exactly one representation is active.
type Address struct {
	secondary bool
	primary   byte
	// mask holds the selection bytes: ID (BCD, LSB first), manufacturer
	// (little endian), version, medium.
	mask [8]byte
}

// Primary returns a primary address. Values above 250 are the reserved
// network layer and broadcast addresses.
func Primary(a byte) Address { return Address{primary: a} }

// Secondary builds a secondary address from its 8 wire bytes.
func Secondary(mask [8]byte) Address { return Address{secondary: true, mask: mask} }

// FromHeader builds a concrete secondary address from the identification
// fields found in a variable data header. id holds the raw BCD bytes.
func FromHeader(id [4]byte, manufacturer uint16, version, medium byte) Address {
	var m [8]byte
	copy(m[:4], id[:])
	binary.LittleEndian.PutUint16(m[4:6], manufacturer)
	m[6] = version
	m[7] = medium
	return Secondary(m)
}

// Parse interprets text as a secondary address when it is exactly 16 hex
// characters and as a decimal primary address in [0,250] otherwise.
func Parse(text string) (Address, error) {
	s := strings.TrimSpace(text)
	if IsSecondary(s) {
		return parseSecondary(s)
	}
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, text)
	}
	if n > uint64(MaxPrimary) {
		return Address{}, fmt.Errorf("%w: primary address %d out of range 0-%d", ErrInvalidAddress, n, MaxPrimary)
	}
	return Primary(byte(n)), nil
}

// IsSecondary reports whether s has the shape of a secondary address.
func IsSecondary(s string) bool {
	if len(s) != secondaryLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isHex(s[i]) {
			return false
		}
	}
	return true
}

// parseSecondary decodes "IIIIIIIIMMMMVVDD": 8 ID nibbles, 4 hex
// manufacturer digits, version and medium. F nibbles are wildcards; A-E are
// kept as is even though they are not BCD.
func parseSecondary(s string) (Address, error) {
	var m [8]byte
	// ID is transmitted LSB first: the last two characters go into byte 0.
	for i := 0; i < 4; i++ {
		hi := nibble(s[i*2])
		lo := nibble(s[i*2+1])
		m[3-i] = hi<<4 | lo
	}
	mfr, err := strconv.ParseUint(s[8:12], 16, 16)
	if err != nil {
		return Address{}, fmt.Errorf("%w: manufacturer in %q", ErrInvalidAddress, s)
	}
	binary.LittleEndian.PutUint16(m[4:6], uint16(mfr))
	ver, _ := strconv.ParseUint(s[12:14], 16, 8)
	med, _ := strconv.ParseUint(s[14:16], 16, 8)
	m[6] = byte(ver)
	m[7] = byte(med)
	return Secondary(m), nil
}

// IsSecondaryAddress reports whether the secondary representation is active.
func (a Address) IsSecondaryAddress() bool { return a.secondary }

// PrimaryAddress returns the primary address byte. For secondary addresses
// this is the network layer address requests must target after selection.
func (a Address) PrimaryAddress() byte {
	if a.secondary {
		return NetworkLayer
	}
	return a.primary
}

// Bytes returns the 8-byte selection payload of a secondary address.
func (a Address) Bytes() [8]byte { return a.mask }

// ID returns the identification number digits, F for wildcard nibbles.
func (a Address) ID() string {
	var b strings.Builder
	for i := 3; i >= 0; i-- {
		b.WriteByte(hexDigit(a.mask[i] >> 4))
		b.WriteByte(hexDigit(a.mask[i] & 0x0F))
	}
	return b.String()
}

// Manufacturer returns the raw 16-bit manufacturer field.
func (a Address) Manufacturer() uint16 { return binary.LittleEndian.Uint16(a.mask[4:6]) }

// Version returns the version byte of a secondary address.
func (a Address) Version() byte { return a.mask[6] }

// Medium returns the medium (device type) byte of a secondary address.
func (a Address) Medium() byte { return a.mask[7] }

// Wildcard reports whether any part of a secondary address is wildcarded.
// Wildcarded addresses are only usable for discovery.
func (a Address) Wildcard() bool {
	if !a.secondary {
		return false
	}
	for i := 0; i < 4; i++ {
		if a.mask[i]>>4 == 0x0F || a.mask[i]&0x0F == 0x0F {
			return true
		}
	}
	return a.Manufacturer() == 0xFFFF || a.mask[6] == 0xFF || a.mask[7] == 0xFF
}

// Matches reports whether the concrete address a is covered by mask.
func (a Address) Matches(mask Address) bool {
	if !a.secondary || !mask.secondary {
		return a == mask
	}
	for i := 0; i < 4; i++ {
		for _, shift := range []uint{4, 0} {
			want := (mask.mask[i] >> shift) & 0x0F
			if want != 0x0F && want != (a.mask[i]>>shift)&0x0F {
				return false
			}
		}
	}
	if mask.Manufacturer() != 0xFFFF && mask.Manufacturer() != a.Manufacturer() {
		return false
	}
	if mask.mask[6] != 0xFF && mask.mask[6] != a.mask[6] {
		return false
	}
	return mask.mask[7] == 0xFF || mask.mask[7] == a.mask[7]
}

// Digit returns ID digit pos (0 is the most significant), 0xF if wildcarded.
func (a Address) Digit(pos int) byte {
	b := a.mask[3-pos/2]
	if pos%2 == 0 {
		return b >> 4
	}
	return b & 0x0F
}

// WithDigit returns a copy of a secondary address with ID digit pos (0 is the
// most significant) replaced by d. Used to narrow wildcards during scans.
func (a Address) WithDigit(pos int, d byte) Address {
	out := a
	idx := 3 - pos/2
	if pos%2 == 0 {
		out.mask[idx] = d<<4 | out.mask[idx]&0x0F
	} else {
		out.mask[idx] = out.mask[idx]&0xF0 | d&0x0F
	}
	return out
}

// String renders the canonical form: decimal for primary addresses,
// 16 upper-case hex characters for secondary ones.
func (a Address) String() string {
	if !a.secondary {
		return strconv.Itoa(int(a.primary))
	}
	return fmt.Sprintf("%s%04X%02X%02X", a.ID(), a.Manufacturer(), a.mask[6], a.mask[7])
}

// ManufacturerCode converts the manufacturer field to its three-letter flag
// (EN 62056-21), e.g. 0x2C2D is "KAM".
func ManufacturerCode(m uint16) string {
	b := []byte{
		byte((m>>10)&0x1F) + 64,
		byte((m>>5)&0x1F) + 64,
		byte(m&0x1F) + 64,
	}
	return string(b)
}

func isHex(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func nibble(c byte) byte {
	switch {
	case isDigit(c):
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

func hexDigit(n byte) byte { return "0123456789ABCDEF"[n&0x0F] }
