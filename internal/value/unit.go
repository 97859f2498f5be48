package value

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownUnit marks a record whose VIF/VIFE codes are not in any table.
// It is a soft failure: the value is still decoded.
var ErrUnknownUnit = errors.New("unknown unit")

// Table identifies which VIF table a unit came from.
type Table int

const (
	TablePrimary Table = iota
	TableFD
	TableFB
	TablePlainText
	TableManufacturer
	TableAny
)

// Extension VIF codes selecting alternate tables.
const (
	VIFExtensionFB   = 0xFB
	VIFPlainText     = 0x7C
	VIFExtensionFD   = 0xFD
	VIFAny           = 0x7E
	VIFManufacturer  = 0x7F
	VIFEManufacturer = 0xFF
)

type unitKind int

const (
	kindNumeric unitKind = iota
	kindTimePoint
	kindText
	kindBinary
)

// Unit is the semantic interpretation of a VIB.
type Unit struct {
	// Code is the VIF (or table VIFE) with the extension bit masked off.
	Code     byte
	Table    Table
	Quantity string
	Symbol   string
	// Exponent is the power of ten applied to the raw value.
	Exponent int
	// Modifiers lists orthogonal VIFE descriptions in wire order.
	Modifiers []string

	kind  unitKind
	known bool
}

// Known reports whether the codes were found in a table.
func (u Unit) Known() bool { return u.known }

// Err returns ErrUnknownUnit for unrecognised codes and nil otherwise.
func (u Unit) Err() error {
	if u.known {
		return nil
	}
	return fmt.Errorf("%w: VIF 0x%02X table %d", ErrUnknownUnit, u.Code, u.Table)
}

// String renders "Quantity (symbol)" or "Unknown".
func (u Unit) String() string {
	if !u.known {
		return "Unknown"
	}
	s := u.Quantity
	if u.Symbol != "" {
		s += " (" + u.Symbol + ")"
	}
	if len(u.Modifiers) > 0 {
		s += " " + strings.Join(u.Modifiers, ", ")
	}
	return s
}

func known(q, sym string, exp int) Unit {
	return Unit{Quantity: q, Symbol: sym, Exponent: exp, known: true}
}

func timePoint(q string) Unit {
	return Unit{Quantity: q, kind: kindTimePoint, known: true}
}

func text(q string) Unit {
	return Unit{Quantity: q, kind: kindText, known: true}
}

func binaryFlags(q string) Unit {
	return Unit{Quantity: q, kind: kindBinary, known: true}
}

var durationSymbols = [4]string{"s", "min", "h", "d"}

// primaryUnit looks up EN 13757-3 table 10 (VIF codes 0x00..0x7F).
func primaryUnit(code byte) Unit {
	n := int(code & 0x07)
	nn := int(code & 0x03)
	var u Unit
	switch {
	case code <= 0x07:
		u = known("Energy", "Wh", n-3)
	case code <= 0x0F:
		u = known("Energy", "J", n)
	case code <= 0x17:
		u = known("Volume", "m^3", n-6)
	case code <= 0x1F:
		u = known("Mass", "kg", n-3)
	case code <= 0x23:
		u = known("On time", durationSymbols[nn], 0)
	case code <= 0x27:
		u = known("Operating time", durationSymbols[nn], 0)
	case code <= 0x2F:
		u = known("Power", "W", n-3)
	case code <= 0x37:
		u = known("Power", "J/h", n)
	case code <= 0x3F:
		u = known("Volume flow", "m^3/h", n-6)
	case code <= 0x47:
		u = known("Volume flow ext.", "m^3/min", n-7)
	case code <= 0x4F:
		u = known("Volume flow ext.", "m^3/s", n-9)
	case code <= 0x57:
		u = known("Mass flow", "kg/h", n-3)
	case code <= 0x5B:
		u = known("Flow temperature", "°C", nn-3)
	case code <= 0x5F:
		u = known("Return temperature", "°C", nn-3)
	case code <= 0x63:
		u = known("Temperature difference", "K", nn-3)
	case code <= 0x67:
		u = known("External temperature", "°C", nn-3)
	case code <= 0x6B:
		u = known("Pressure", "bar", nn-3)
	case code == 0x6C:
		u = timePoint("Date")
	case code == 0x6D:
		u = timePoint("Time point")
	case code == 0x6E:
		u = known("Units for H.C.A.", "", 0)
	case code >= 0x70 && code <= 0x73:
		u = known("Averaging duration", durationSymbols[nn], 0)
	case code >= 0x74 && code <= 0x77:
		u = known("Actuality duration", durationSymbols[nn], 0)
	case code == 0x78:
		u = known("Fabrication no", "", 0)
	case code == 0x79:
		u = known("Enhanced identification", "", 0)
	case code == 0x7A:
		u = known("Bus address", "", 0)
	case code == VIFAny:
		u = known("Any VIF", "", 0)
		u.Table = TableAny
	case code == VIFManufacturer:
		u = known("Manufacturer specific", "", 0)
		u.Table = TableManufacturer
	}
	u.Code = code
	return u
}

// fdUnit looks up the first extension table (VIF 0xFD, EN 13757-3 table 14).
func fdUnit(code byte) Unit {
	nn := int(code & 0x03)
	var u Unit
	switch {
	case code <= 0x03:
		u = known("Credit", "currency units", nn-3)
	case code <= 0x07:
		u = known("Debit", "currency units", nn-3)
	case code == 0x08:
		u = known("Access number", "", 0)
	case code == 0x09:
		u = known("Medium", "", 0)
	case code == 0x0A:
		u = known("Manufacturer", "", 0)
	case code == 0x0B:
		u = text("Parameter set identification")
	case code == 0x0C:
		u = known("Model / Version", "", 0)
	case code == 0x0D:
		u = known("Hardware version", "", 0)
	case code == 0x0E:
		u = known("Firmware version", "", 0)
	case code == 0x0F:
		u = known("Software version", "", 0)
	case code == 0x10:
		u = text("Customer location")
	case code == 0x11:
		u = text("Customer")
	case code == 0x12:
		u = known("Access code user", "", 0)
	case code == 0x13:
		u = known("Access code operator", "", 0)
	case code == 0x14:
		u = known("Access code system operator", "", 0)
	case code == 0x15:
		u = known("Access code developer", "", 0)
	case code == 0x16:
		u = known("Password", "", 0)
	case code == 0x17:
		u = binaryFlags("Error flags")
	case code == 0x18:
		u = binaryFlags("Error mask")
	case code == 0x1A:
		u = binaryFlags("Digital output")
	case code == 0x1B:
		u = binaryFlags("Digital input")
	case code == 0x1C:
		u = known("Baudrate", "Baud", 0)
	case code == 0x1D:
		u = known("Response delay time", "bittimes", 0)
	case code == 0x1E:
		u = known("Retry", "", 0)
	case code == 0x20:
		u = known("First storage number for cyclic storage", "", 0)
	case code == 0x21:
		u = known("Last storage number for cyclic storage", "", 0)
	case code == 0x22:
		u = known("Size of storage block", "", 0)
	case code >= 0x24 && code <= 0x27:
		u = known("Storage interval", durationSymbols[nn], 0)
	case code == 0x28:
		u = known("Storage interval", "month(s)", 0)
	case code == 0x29:
		u = known("Storage interval", "year(s)", 0)
	case code >= 0x2C && code <= 0x2F:
		u = known("Duration since last readout", durationSymbols[nn], 0)
	case code == 0x30:
		u = timePoint("Start of tariff")
	case code >= 0x31 && code <= 0x33:
		u = known("Duration of tariff", durationSymbols[nn], 0)
	case code >= 0x34 && code <= 0x37:
		u = known("Period of tariff", durationSymbols[nn], 0)
	case code == 0x38:
		u = known("Period of tariff", "month(s)", 0)
	case code == 0x39:
		u = known("Period of tariff", "year(s)", 0)
	case code == 0x3A:
		u = known("Dimensionless", "", 0)
	case code >= 0x40 && code <= 0x4F:
		u = known("Voltage", "V", int(code&0x0F)-9)
	case code >= 0x50 && code <= 0x5F:
		u = known("Current", "A", int(code&0x0F)-12)
	case code == 0x60:
		u = known("Reset counter", "", 0)
	case code == 0x61:
		u = known("Cumulation counter", "", 0)
	case code == 0x62:
		u = known("Control signal", "", 0)
	case code == 0x63:
		u = known("Day of week", "", 0)
	case code == 0x64:
		u = known("Week number", "", 0)
	case code == 0x65:
		u = known("Time point of day change", "", 0)
	case code == 0x66:
		u = known("State of parameter activation", "", 0)
	case code == 0x67:
		u = known("Special supplier information", "", 0)
	case code >= 0x68 && code <= 0x6B:
		u = known("Duration since last cumulation", durationSymbols[nn], 0)
	case code >= 0x6C && code <= 0x6F:
		u = known("Operating time battery", durationSymbols[nn], 0)
	case code == 0x70:
		u = timePoint("Date and time of battery change")
	}
	u.Code = code
	u.Table = TableFD
	return u
}

// fbUnit looks up the second extension table (VIF 0xFB, EN 13757-3 table 12).
func fbUnit(code byte) Unit {
	n := int(code & 0x01)
	nn := int(code & 0x03)
	var u Unit
	switch {
	case code <= 0x01:
		u = known("Energy", "MWh", n-1)
	case code >= 0x08 && code <= 0x09:
		u = known("Energy", "GJ", n-1)
	case code >= 0x10 && code <= 0x11:
		u = known("Volume", "m^3", n+2)
	case code >= 0x18 && code <= 0x19:
		u = known("Mass", "t", n+2)
	case code == 0x21:
		u = known("Volume", "feet^3", -1)
	case code >= 0x22 && code <= 0x23:
		u = known("Volume", "american gallon", n-1)
	case code == 0x24:
		u = known("Volume flow", "american gallon/min", -3)
	case code == 0x25:
		u = known("Volume flow", "american gallon/min", 0)
	case code == 0x26:
		u = known("Volume flow", "american gallon/h", 0)
	case code >= 0x28 && code <= 0x29:
		u = known("Power", "MW", n-1)
	case code >= 0x30 && code <= 0x31:
		u = known("Power", "GJ/h", n-1)
	case code >= 0x58 && code <= 0x5B:
		u = known("Flow temperature", "°F", nn-3)
	case code >= 0x5C && code <= 0x5F:
		u = known("Return temperature", "°F", nn-3)
	case code >= 0x60 && code <= 0x63:
		u = known("Temperature difference", "°F", nn-3)
	case code >= 0x64 && code <= 0x67:
		u = known("External temperature", "°F", nn-3)
	case code >= 0x70 && code <= 0x73:
		u = known("Cold / Warm temperature limit", "°F", nn-3)
	case code >= 0x74 && code <= 0x77:
		u = known("Cold / Warm temperature limit", "°C", nn-3)
	case code >= 0x78:
		u = known("Cumulative count max power", "W", int(code&0x07)-3)
	}
	u.Code = code
	u.Table = TableFB
	return u
}

var orthogonalNames = map[byte]string{
	0x20: "per second",
	0x21: "per minute",
	0x22: "per hour",
	0x23: "per day",
	0x24: "per week",
	0x25: "per month",
	0x26: "per year",
	0x27: "per revolution / measurement",
	0x28: "increment per input pulse on input channel #0",
	0x29: "increment per input pulse on input channel #1",
	0x2A: "increment per output pulse on output channel #0",
	0x2B: "increment per output pulse on output channel #1",
	0x2C: "per liter",
	0x2D: "per m^3",
	0x2E: "per kg",
	0x2F: "per K",
	0x30: "per kWh",
	0x31: "per GJ",
	0x32: "per kW",
	0x33: "per (K*l)",
	0x34: "per V",
	0x35: "per A",
	0x36: "multiplied by s",
	0x37: "multiplied by s/V",
	0x38: "multiplied by s/A",
	0x39: "start date(/time) of",
	0x3A: "uncorrected unit",
	0x3B: "accumulation only if positive contributions",
	0x3C: "accumulation of abs value only if negative contributions",
	0x40: "lower limit value",
	0x41: "# of exceeds of lower limit",
	0x48: "upper limit value",
	0x49: "# of exceeds of upper limit",
	0x7E: "future value",
}

// applyOrthogonal folds the orthogonal VIFEs into u. Multiplicative
// corrections change the exponent; everything else becomes a modifier.
// A 0xFF/0x7F VIFE marks the remaining extensions as manufacturer specific.
func applyOrthogonal(u Unit, vife []byte) Unit {
	for _, b := range vife {
		code := b & WithoutExtension
		switch {
		case code == VIFManufacturer:
			u.Modifiers = append(u.Modifiers, "manufacturer specific")
			return u
		case code <= 0x1F:
			u.Modifiers = append(u.Modifiers, fmt.Sprintf("record error 0x%02X", code))
		case code >= 0x70 && code <= 0x77:
			u.Exponent += int(code&0x07) - 6
		case code >= 0x78 && code <= 0x7B:
			u.Modifiers = append(u.Modifiers, fmt.Sprintf("additive correction 10^%d", int(code&0x03)-3))
		case code == 0x7D:
			u.Exponent += 3
		default:
			if name, ok := orthogonalNames[code]; ok {
				u.Modifiers = append(u.Modifiers, name)
			} else {
				u.Modifiers = append(u.Modifiers, fmt.Sprintf("VIFE 0x%02X", code))
			}
		}
	}
	return u
}

// LookupUnit resolves a VIB to its unit. Unrecognised codes come back with
// Known() == false rather than an error.
func LookupUnit(vib VIB) Unit {
	code := vib.VIF & WithoutExtension
	switch {
	case vib.VIF == VIFExtensionFD || vib.VIF == VIFExtensionFB:
		if len(vib.VIFE) == 0 {
			return Unit{Code: code, Table: tableFor(vib.VIF)}
		}
		var u Unit
		if vib.VIF == VIFExtensionFD {
			u = fdUnit(vib.VIFE[0] & WithoutExtension)
		} else {
			u = fbUnit(vib.VIFE[0] & WithoutExtension)
		}
		if !u.known {
			return u
		}
		return applyOrthogonal(u, vib.VIFE[1:])
	case code == VIFPlainText:
		u := known("Plain text", vib.PlainText, 0)
		u.Code = code
		u.Table = TablePlainText
		return applyOrthogonal(u, vib.VIFE)
	case vib.VIF == VIFEManufacturer:
		return primaryUnit(code)
	default:
		u := primaryUnit(code)
		if !u.known {
			return u
		}
		return applyOrthogonal(u, vib.VIFE)
	}
}

func tableFor(vif byte) Table {
	if vif == VIFExtensionFD {
		return TableFD
	}
	return TableFB
}
