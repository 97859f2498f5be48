package value

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrLength is returned when the raw bytes do not match the data field.
var ErrLength = errors.New("value length mismatch")

// Kind tags the active member of a Value.
type Kind int

const (
	KindNone Kind = iota
	KindInt
	KindBCD
	KindReal
	KindString
	KindDate
	KindDateTime
	KindRaw
)

// Value is a decoded record value. Int and BCD values are exact decimals
// Mantissa × 10^Exponent.
type Value struct {
	Kind     Kind
	Mantissa int64
	Exponent int
	Real     float64
	Text     string
	Time     time.Time
	// Raw always holds the undecoded bytes.
	Raw []byte
}

// Float64 returns the scaled numeric value; non-numeric kinds return 0.
func (v Value) Float64() float64 {
	switch v.Kind {
	case KindInt, KindBCD:
		return float64(v.Mantissa) * math.Pow10(v.Exponent)
	case KindReal:
		return v.Real * math.Pow10(v.Exponent)
	default:
		return 0
	}
}

// Numeric reports whether Float64 is meaningful. Reals holding NaN or an
// infinity, which meters send to flag an invalid reading, are not numeric.
func (v Value) Numeric() bool {
	switch v.Kind {
	case KindInt, KindBCD:
		return true
	case KindReal:
		f := v.Float64()
		return !math.IsNaN(f) && !math.IsInf(f, 0)
	default:
		return false
	}
}

// String renders the normalized value.
func (v Value) String() string {
	switch v.Kind {
	case KindInt, KindBCD:
		return FormatDecimal(v.Mantissa, v.Exponent)
	case KindReal:
		return strconv.FormatFloat(float64(float32(v.Float64())), 'f', -1, 32)
	case KindString:
		return v.Text
	case KindDate:
		return v.Time.Format("2006-01-02")
	case KindDateTime:
		return v.Time.Format("2006-01-02T15:04:05")
	case KindRaw:
		return strings.ToUpper(hex.EncodeToString(v.Raw))
	default:
		return ""
	}
}

// FormatDecimal renders mantissa × 10^exp exactly, with -exp fraction digits
// for negative exponents.
func FormatDecimal(mantissa int64, exp int) string {
	neg := mantissa < 0
	var digits string
	if neg {
		digits = strconv.FormatUint(uint64(-(mantissa + 1))+1, 10)
	} else {
		digits = strconv.FormatInt(mantissa, 10)
	}
	switch {
	case exp > 0:
		digits += strings.Repeat("0", exp)
	case exp < 0:
		frac := -exp
		if len(digits) <= frac {
			digits = strings.Repeat("0", frac-len(digits)+1) + digits
		}
		digits = digits[:len(digits)-frac] + "." + digits[len(digits)-frac:]
	}
	if neg {
		return "-" + digits
	}
	return digits
}

// Decode interprets raw according to the DIB data field and the VIB unit.
// For variable length data raw starts with the LVAR byte. Unknown units are
// not an error: check Unit.Known.
func Decode(dib DIB, vib VIB, raw []byte) (Unit, Value, error) {
	unit := LookupUnit(vib)
	v, err := decodeData(dib.DataField(), unit, raw)
	if err != nil {
		return unit, Value{Kind: KindRaw, Raw: copyBytes(raw)}, err
	}
	return unit, v, nil
}

func decodeData(field byte, unit Unit, raw []byte) (Value, error) {
	v := Value{Raw: copyBytes(raw)}
	if field == DataVariable {
		return decodeVariable(unit, raw)
	}
	if want, ok := DataLength(field); !ok || want != len(raw) {
		return v, fmt.Errorf("%w: data field 0x%X with %d bytes", ErrLength, field, len(raw))
	}
	switch field {
	case DataNone, DataSelection, DataSpecial:
		v.Kind = KindNone
		return v, nil
	case DataReal32:
		v.Kind = KindReal
		v.Real = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw)))
		v.Exponent = unit.Exponent
		return v, nil
	case DataInt8, DataInt16, DataInt24, DataInt32, DataInt48, DataInt64:
		if unit.kind == kindTimePoint {
			if t, ok := decodeTimePoint(raw); ok {
				return t, nil
			}
			v.Kind = KindRaw
			return v, nil
		}
		v.Kind = KindInt
		v.Mantissa = DecodeInt(raw)
		v.Exponent = unit.Exponent
		if unit.kind == kindBinary {
			v.Exponent = 0
		}
		return v, nil
	default:
		n, err := DecodeBCD(raw)
		if err != nil {
			v.Kind = KindRaw
			return v, nil
		}
		v.Kind = KindBCD
		v.Mantissa = n
		v.Exponent = unit.Exponent
		return v, nil
	}
}

func decodeVariable(unit Unit, raw []byte) (Value, error) {
	if len(raw) == 0 {
		return Value{}, fmt.Errorf("%w: variable length data without LVAR", ErrLength)
	}
	lvar := raw[0]
	data := raw[1:]
	n, ok := VariableLength(lvar)
	if !ok || n != len(data) {
		return Value{Kind: KindRaw, Raw: copyBytes(raw)}, fmt.Errorf("%w: LVAR 0x%02X with %d bytes", ErrLength, lvar, len(data))
	}
	v := Value{Raw: copyBytes(raw)}
	switch {
	case lvar <= 0xBF:
		v.Kind = KindString
		v.Text = DecodeString(data)
	case lvar <= 0xC9, lvar >= 0xD0 && lvar <= 0xD9:
		m, err := DecodeBCD(data)
		if err != nil {
			v.Kind = KindRaw
			return v, nil
		}
		if lvar >= 0xD0 {
			m = -m
		}
		v.Kind = KindBCD
		v.Mantissa = m
		v.Exponent = unit.Exponent
	default:
		if len(data) > 8 {
			v.Kind = KindRaw
			return v, nil
		}
		v.Kind = KindInt
		v.Mantissa = DecodeInt(data)
		v.Exponent = unit.Exponent
	}
	return v, nil
}

// DecodeInt decodes a little-endian two's complement integer of 1..8 bytes.
func DecodeInt(b []byte) int64 {
	if len(b) == 0 {
		return 0
	}
	var u uint64
	for i := len(b) - 1; i >= 0; i-- {
		u = u<<8 | uint64(b[i])
	}
	bits := uint(len(b) * 8)
	if bits < 64 && b[len(b)-1]&0x80 != 0 {
		u |= ^uint64(0) << bits
	}
	return int64(u)
}

// DecodeBCD converts a BCD payload (least significant byte first) to an
// integer. A high nibble of 0xF in the most significant byte marks a
// negative value.
func DecodeBCD(b []byte) (int64, error) {
	var value int64
	neg := false
	for i := len(b) - 1; i >= 0; i-- {
		by := b[i]
		high := int64(by >> 4)
		low := int64(by & 0x0F)
		if i == len(b)-1 && high == 0x0F {
			neg = true
			high = 0
		}
		if low > 9 || high > 9 {
			return 0, fmt.Errorf("invalid BCD byte: 0x%02X", by)
		}
		value = value*100 + high*10 + low
	}
	if neg {
		value = -value
	}
	return value, nil
}

// DecodeString reverses wire order ASCII (last character first).
func DecodeString(b []byte) string {
	out := make([]byte, len(b))
	for i, c := range b {
		out[len(b)-1-i] = c
	}
	return string(out)
}

// decodeTimePoint picks the date/time type from the value length.
func decodeTimePoint(raw []byte) (Value, bool) {
	v := Value{Raw: copyBytes(raw)}
	var (
		t   time.Time
		err error
	)
	switch len(raw) {
	case 2:
		t, err = DecodeTypeGDate(raw)
		v.Kind = KindDate
	case 4:
		t, err = DecodeTypeFDateTime(raw)
		v.Kind = KindDateTime
	case 6:
		t, err = DecodeTypeIDateTime(raw)
		v.Kind = KindDateTime
	default:
		return v, false
	}
	if err != nil {
		return v, false
	}
	v.Time = t
	return v, true
}

func century(b0, b1 byte) int {
	return 2000 + int((b0&0xE0)>>5|(b1&0xF0)>>1)
}

// DecodeTypeGDate decodes the two-byte type G date.
func DecodeTypeGDate(b []byte) (time.Time, error) {
	if len(b) != 2 {
		return time.Time{}, fmt.Errorf("type G date requires 2 bytes, got %d", len(b))
	}
	day := int(b[0] & 0x1F)
	month := int(b[1] & 0x0F)
	if day == 0 || day > 31 || month == 0 || month > 12 {
		return time.Time{}, fmt.Errorf("invalid type G date encoding: %02X%02X", b[0], b[1])
	}
	return time.Date(century(b[0], b[1]), time.Month(month), day, 0, 0, 0, 0, time.UTC), nil
}

// DecodeTypeFDateTime decodes the four-byte type F timestamp. The invalid
// flag (bit 7 of the minute byte) is rejected.
func DecodeTypeFDateTime(b []byte) (time.Time, error) {
	if len(b) != 4 {
		return time.Time{}, fmt.Errorf("type F datetime requires 4 bytes, got %d", len(b))
	}
	if b[0]&0x80 != 0 {
		return time.Time{}, fmt.Errorf("type F datetime flagged invalid: %02X%02X%02X%02X", b[0], b[1], b[2], b[3])
	}
	minute := int(b[0] & 0x3F)
	hour := int(b[1] & 0x1F)
	day := int(b[2] & 0x1F)
	month := int(b[3] & 0x0F)
	if minute > 59 || hour > 23 || day == 0 || day > 31 || month == 0 || month > 12 {
		return time.Time{}, fmt.Errorf("invalid type F datetime encoding: %02X%02X%02X%02X", b[0], b[1], b[2], b[3])
	}
	return time.Date(century(b[2], b[3]), time.Month(month), day, hour, minute, 0, 0, time.UTC), nil
}

// DecodeTypeIDateTime decodes the six-byte type I timestamp with seconds.
func DecodeTypeIDateTime(b []byte) (time.Time, error) {
	if len(b) != 6 {
		return time.Time{}, fmt.Errorf("type I datetime requires 6 bytes, got %d", len(b))
	}
	second := int(b[0] & 0x3F)
	minute := int(b[1] & 0x3F)
	hour := int(b[2] & 0x1F)
	day := int(b[3] & 0x1F)
	month := int(b[4] & 0x0F)
	if b[1]&0x80 != 0 || second > 59 || minute > 59 || hour > 23 || day == 0 || day > 31 || month == 0 || month > 12 {
		return time.Time{}, fmt.Errorf("invalid type I datetime encoding: %X", b)
	}
	return time.Date(century(b[3], b[4]), time.Month(month), day, hour, minute, second, 0, time.UTC), nil
}

func copyBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}
