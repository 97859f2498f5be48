// Package value interprets DIB/VIB codes and decodes record values into
// units and exact decimal readings.
package value

// Bit masks shared by DIF/DIFE/VIF/VIFE bytes.
const (
	ExtensionBit     = 0x80
	WithoutExtension = 0x7F

	difDataField     = 0x0F
	difFunctionField = 0x30
	difStorageLSB    = 0x40
)

// Special DIF values.
const (
	DIFManufacturerSpecific = 0x0F
	DIFMoreRecordsFollow    = 0x1F
	DIFIdleFiller           = 0x2F
	DIFGlobalReadout        = 0x7F
)

// Data field codes (low nibble of the DIF).
const (
	DataNone      = 0x00
	DataInt8      = 0x01
	DataInt16     = 0x02
	DataInt24     = 0x03
	DataInt32     = 0x04
	DataReal32    = 0x05
	DataInt48     = 0x06
	DataInt64     = 0x07
	DataSelection = 0x08
	DataBCD2      = 0x09
	DataBCD4      = 0x0A
	DataBCD6      = 0x0B
	DataBCD8      = 0x0C
	DataVariable  = 0x0D
	DataBCD12     = 0x0E
	DataSpecial   = 0x0F
)

// Function is the DIF function field.
type Function byte

const (
	FunctionInstantaneous Function = iota
	FunctionMaximum
	FunctionMinimum
	FunctionError
)

func (f Function) String() string {
	switch f {
	case FunctionInstantaneous:
		return "Instantaneous value"
	case FunctionMaximum:
		return "Maximum value"
	case FunctionMinimum:
		return "Minimum value"
	default:
		return "Value during error state"
	}
}

// DIB is the data information block: one DIF plus its extensions.
type DIB struct {
	DIF  byte
	DIFE []byte
}

// DataField returns the data length/type code.
func (d DIB) DataField() byte { return d.DIF & difDataField }

// Function returns the function field of the DIF.
func (d DIB) Function() Function { return Function((d.DIF & difFunctionField) >> 4) }

// FunctionName returns the function text, including the special DIF
// markers that carry no function.
func (d DIB) FunctionName() string {
	switch d.DIF {
	case DIFManufacturerSpecific:
		return "Manufacturer specific"
	case DIFMoreRecordsFollow:
		return "More records follow"
	}
	return d.Function().String()
}

// StorageNumber combines the DIF LSB with four bits from every DIFE.
func (d DIB) StorageNumber() uint64 {
	n := uint64(d.DIF&difStorageLSB) >> 6
	for i, dife := range d.DIFE {
		n |= uint64(dife&0x0F) << (1 + 4*uint(i))
	}
	return n
}

// Tariff combines two bits from every DIFE.
func (d DIB) Tariff() int {
	t := 0
	for i, dife := range d.DIFE {
		t |= int((dife>>4)&0x03) << (2 * uint(i))
	}
	return t
}

// Device returns the sub-unit number, one bit per DIFE.
func (d DIB) Device() int {
	dev := 0
	for i, dife := range d.DIFE {
		dev |= int((dife>>6)&0x01) << uint(i)
	}
	return dev
}

// DataLength returns the value length encoded by a data field. Variable
// length data (0x0D) reports ok=false: its length comes from the LVAR byte.
func DataLength(field byte) (int, bool) {
	switch field & difDataField {
	case DataNone, DataSelection, DataSpecial:
		return 0, true
	case DataInt8, DataBCD2:
		return 1, true
	case DataInt16, DataBCD4:
		return 2, true
	case DataInt24, DataBCD6:
		return 3, true
	case DataInt32, DataReal32, DataBCD8:
		return 4, true
	case DataInt48, DataBCD12:
		return 6, true
	case DataInt64:
		return 8, true
	default:
		return 0, false
	}
}

// VariableLength returns the number of data bytes following an LVAR byte.
// ok is false for the reserved LVAR ranges.
func VariableLength(lvar byte) (int, bool) {
	switch {
	case lvar <= 0xBF:
		return int(lvar), true
	case lvar >= 0xC0 && lvar <= 0xC9:
		return int(lvar - 0xC0), true
	case lvar >= 0xD0 && lvar <= 0xD9:
		return int(lvar - 0xD0), true
	case lvar >= 0xE0 && lvar <= 0xEF:
		return int(lvar - 0xE0), true
	default:
		return 0, false
	}
}

// VIB is the value information block. PlainText holds the unit of a
// plain-text VIF (0x7C/0xFC) in reading order.
type VIB struct {
	VIF       byte
	VIFE      []byte
	PlainText string
}

// Code returns the VIF with the extension bit masked off.
func (v VIB) Code() byte { return v.VIF & WithoutExtension }
