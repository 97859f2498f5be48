package frame

import (
	"errors"
	"fmt"
)

// Kind identifies one of the EN 13757-2 wire shapes.
type Kind int

const (
	KindAck Kind = iota + 1
	KindShort
	KindControl
	KindLong
)

func (k Kind) String() string {
	switch k {
	case KindAck:
		return "ack"
	case KindShort:
		return "short"
	case KindControl:
		return "control"
	case KindLong:
		return "long"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Wire delimiters and sizes.
const (
	AckByte    = 0xE5
	StartShort = 0x10
	StartLong  = 0x68
	Stop       = 0x16

	ShortSize      = 5
	LongHeaderSize = 4
	// MaxPayload is the largest payload a long frame can carry (L = 255).
	MaxPayload = 252
	// MaxSize is the size of a long frame with a full payload.
	MaxSize = LongHeaderSize + 3 + MaxPayload + 2
)

// ErrMalformedFrame is returned when bytes do not form a valid frame. Frames
// are never partially accepted.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is one decoded M-Bus protocol unit.
type Frame struct {
	Kind     Kind
	Control  byte
	Address  byte
	CI       byte
	Payload  []byte
	Checksum byte
}

// NewShort builds a short frame (control + address).
func NewShort(control, addr byte) *Frame {
	f := &Frame{Kind: KindShort, Control: control, Address: addr}
	f.Checksum = f.sum()
	return f
}

// NewControl builds a control frame, a long frame without payload.
func NewControl(control, addr, ci byte) *Frame {
	f := &Frame{Kind: KindControl, Control: control, Address: addr, CI: ci}
	f.Checksum = f.sum()
	return f
}

// NewLong builds a long frame. The payload is copied; an empty payload
// yields a control frame, which is what the same bytes decode to.
func NewLong(control, addr, ci byte, payload []byte) *Frame {
	if len(payload) == 0 {
		return NewControl(control, addr, ci)
	}
	f := &Frame{Kind: KindLong, Control: control, Address: addr, CI: ci}
	f.Payload = append([]byte(nil), payload...)
	f.Checksum = f.sum()
	return f
}

// Ack returns the single character acknowledge frame.
func Ack() *Frame { return &Frame{Kind: KindAck} }

// Length returns the L field value of a long or control frame.
func (f *Frame) Length() int { return 3 + len(f.Payload) }

// sum computes the modulo-256 checksum over the fields covered by the frame kind.
func (f *Frame) sum() byte {
	switch f.Kind {
	case KindShort:
		return f.Control + f.Address
	case KindControl, KindLong:
		cs := f.Control + f.Address + f.CI
		for _, b := range f.Payload {
			cs += b
		}
		return cs
	default:
		return 0
	}
}

// Encode serialises the frame. The checksum is recomputed, so a zero Checksum
// field is fine for hand-built frames.
func Encode(f *Frame) ([]byte, error) {
	if f == nil {
		return nil, fmt.Errorf("%w: nil frame", ErrMalformedFrame)
	}
	switch f.Kind {
	case KindAck:
		return []byte{AckByte}, nil
	case KindShort:
		return []byte{StartShort, f.Control, f.Address, f.sum(), Stop}, nil
	case KindControl, KindLong:
		if f.Kind == KindControl && len(f.Payload) != 0 {
			return nil, fmt.Errorf("%w: control frame with %d payload bytes", ErrMalformedFrame, len(f.Payload))
		}
		if len(f.Payload) > MaxPayload {
			return nil, fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrMalformedFrame, len(f.Payload), MaxPayload)
		}
		l := byte(f.Length())
		out := make([]byte, 0, LongHeaderSize+f.Length()+2)
		out = append(out, StartLong, l, l, StartLong, f.Control, f.Address, f.CI)
		out = append(out, f.Payload...)
		out = append(out, f.sum(), Stop)
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %v", ErrMalformedFrame, f.Kind)
	}
}

// Decode parses exactly one frame from b. Trailing bytes are an error.
func Decode(b []byte) (*Frame, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrMalformedFrame)
	}
	switch b[0] {
	case AckByte:
		if len(b) != 1 {
			return nil, fmt.Errorf("%w: ack followed by %d bytes", ErrMalformedFrame, len(b)-1)
		}
		return Ack(), nil
	case StartShort:
		return decodeShort(b)
	case StartLong:
		return decodeLong(b)
	default:
		return nil, fmt.Errorf("%w: unexpected start byte 0x%02X", ErrMalformedFrame, b[0])
	}
}

func decodeShort(b []byte) (*Frame, error) {
	if len(b) != ShortSize {
		return nil, fmt.Errorf("%w: short frame has %d bytes, want %d", ErrMalformedFrame, len(b), ShortSize)
	}
	if b[4] != Stop {
		return nil, fmt.Errorf("%w: stop byte 0x%02X", ErrMalformedFrame, b[4])
	}
	f := &Frame{Kind: KindShort, Control: b[1], Address: b[2], Checksum: b[3]}
	if want := f.sum(); want != f.Checksum {
		return nil, fmt.Errorf("%w: checksum 0x%02X, computed 0x%02X", ErrMalformedFrame, f.Checksum, want)
	}
	return f, nil
}

func decodeLong(b []byte) (*Frame, error) {
	if len(b) < LongHeaderSize {
		return nil, fmt.Errorf("%w: long frame header truncated", ErrMalformedFrame)
	}
	if b[1] != b[2] {
		return nil, fmt.Errorf("%w: length fields differ (0x%02X / 0x%02X)", ErrMalformedFrame, b[1], b[2])
	}
	if b[3] != StartLong {
		return nil, fmt.Errorf("%w: second start byte 0x%02X", ErrMalformedFrame, b[3])
	}
	l := int(b[1])
	if l < 3 {
		return nil, fmt.Errorf("%w: length field %d below minimum", ErrMalformedFrame, l)
	}
	if want := LongHeaderSize + l + 2; len(b) != want {
		return nil, fmt.Errorf("%w: long frame has %d bytes, length field implies %d", ErrMalformedFrame, len(b), want)
	}
	if stop := b[len(b)-1]; stop != Stop {
		return nil, fmt.Errorf("%w: stop byte 0x%02X", ErrMalformedFrame, stop)
	}
	f := &Frame{
		Kind:     KindLong,
		Control:  b[4],
		Address:  b[5],
		CI:       b[6],
		Checksum: b[len(b)-2],
	}
	if l == 3 {
		f.Kind = KindControl
	} else {
		f.Payload = append([]byte(nil), b[7:7+l-3]...)
	}
	if want := f.sum(); want != f.Checksum {
		return nil, fmt.Errorf("%w: checksum 0x%02X, computed 0x%02X", ErrMalformedFrame, f.Checksum, want)
	}
	return f, nil
}

// Remaining reports how many more bytes are needed before b holds a complete
// frame. Zero means b can be passed to Decode.
func Remaining(b []byte) (int, error) {
	if len(b) == 0 {
		return 1, nil
	}
	switch b[0] {
	case AckByte:
		return 1 - len(b), nil
	case StartShort:
		return ShortSize - len(b), nil
	case StartLong:
		if len(b) < 2 {
			return LongHeaderSize - len(b), nil
		}
		l := int(b[1])
		if l < 3 {
			return 0, fmt.Errorf("%w: length field %d below minimum", ErrMalformedFrame, l)
		}
		if len(b) >= 3 && b[2] != b[1] {
			return 0, fmt.Errorf("%w: length fields differ (0x%02X / 0x%02X)", ErrMalformedFrame, b[1], b[2])
		}
		if len(b) >= 4 && b[3] != StartLong {
			return 0, fmt.Errorf("%w: second start byte 0x%02X", ErrMalformedFrame, b[3])
		}
		return LongHeaderSize + l + 2 - len(b), nil
	default:
		return 0, fmt.Errorf("%w: unexpected start byte 0x%02X", ErrMalformedFrame, b[0])
	}
}

// String renders a compact description used in logs.
func (f *Frame) String() string {
	switch f.Kind {
	case KindAck:
		return "ACK"
	case KindShort:
		return fmt.Sprintf("short C=0x%02X A=%d", f.Control, f.Address)
	default:
		return fmt.Sprintf("%s C=0x%02X A=%d CI=0x%02X len=%d", f.Kind, f.Control, f.Address, f.CI, len(f.Payload))
	}
}
