package records

import (
	"encoding/binary"
	"fmt"

	"github.com/d21d3q/gombus/internal/address"
	"github.com/d21d3q/gombus/internal/frame"
)

const (
	longHeaderSize  = 12
	shortHeaderSize = 4

	securityModeAESCBC = 5
)

// Header is the fixed part in front of the variable data records.
type Header struct {
	CI           byte
	ID           [4]byte
	Manufacturer uint16
	Version      byte
	Medium       byte
	AccessNumber byte
	Status       byte
	// Signature is the configuration word. For security mode 5 it carries
	// the number of encrypted 16-byte blocks.
	Signature uint16
	// Long is set when ID, Manufacturer, Version and Medium come from the
	// frame itself (CI 0x72).
	Long bool
}

// SecurityMode returns the encryption mode from the configuration word.
func (h Header) SecurityMode() byte { return byte((h.Signature >> 8) & 0x1F) }

// EncryptedBlocks returns the number of AES blocks for security mode 5.
func (h Header) EncryptedBlocks() int {
	if h.SecurityMode() != securityModeAESCBC {
		return 0
	}
	return int((h.Signature >> 4) & 0x0F)
}

// Encrypted reports whether the payload has to be decrypted before parsing.
func (h Header) Encrypted() bool { return h.SecurityMode() == securityModeAESCBC }

// IDString returns the identification number in display order (MSB first).
func (h Header) IDString() string {
	return fmt.Sprintf("%02X%02X%02X%02X", h.ID[3], h.ID[2], h.ID[1], h.ID[0])
}

// ManufacturerCode returns the three-letter manufacturer flag.
func (h Header) ManufacturerCode() string { return address.ManufacturerCode(h.Manufacturer) }

// SecondaryAddress returns the concrete secondary address of a long header.
func (h Header) SecondaryAddress() (address.Address, bool) {
	if !h.Long {
		return address.Address{}, false
	}
	return address.FromHeader(h.ID, h.Manufacturer, h.Version, h.Medium), true
}

var statusFlagDefs = []struct {
	mask byte
	key  string
}{
	{0x04, "status_power_low"},
	{0x08, "status_permanent_error"},
	{0x10, "status_temporary_error"},
}

// StatusFlags expands the status byte. The application error bits are
// reported as "status_busy", "status_error" or "status_alarm".
func (h Header) StatusFlags() map[string]bool {
	flags := make(map[string]bool)
	switch h.Status & 0x03 {
	case 1:
		flags["status_busy"] = true
	case 2:
		flags["status_error"] = true
	case 3:
		flags["status_alarm"] = true
	}
	for _, def := range statusFlagDefs {
		if h.Status&def.mask != 0 {
			flags[def.key] = true
		}
	}
	return flags
}

// parseHeader splits a variable data payload into header and record bytes.
func parseHeader(f *frame.Frame) (Header, []byte, error) {
	h := Header{CI: f.CI}
	data := f.Payload
	switch f.CI {
	case frame.CIVariableResponse:
		if len(data) < longHeaderSize {
			return Header{}, nil, fmt.Errorf("%w: long header needs %d bytes, got %d", ErrTruncatedRecord, longHeaderSize, len(data))
		}
		h.Long = true
		copy(h.ID[:], data[0:4])
		h.Manufacturer = binary.LittleEndian.Uint16(data[4:6])
		h.Version = data[6]
		h.Medium = data[7]
		h.AccessNumber = data[8]
		h.Status = data[9]
		h.Signature = binary.LittleEndian.Uint16(data[10:12])
		return h, data[longHeaderSize:], nil
	case frame.CIVariableShort:
		if len(data) < shortHeaderSize {
			return Header{}, nil, fmt.Errorf("%w: short header needs %d bytes, got %d", ErrTruncatedRecord, shortHeaderSize, len(data))
		}
		h.AccessNumber = data[0]
		h.Status = data[1]
		h.Signature = binary.LittleEndian.Uint16(data[2:4])
		return h, data[shortHeaderSize:], nil
	case frame.CIVariableNoHeader:
		return h, data, nil
	default:
		return Header{}, nil, fmt.Errorf("%w: CI 0x%02X is not variable data", ErrUnknownCode, f.CI)
	}
}
