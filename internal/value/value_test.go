package value

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDecodeVolume(t *testing.T) {
	unit, v, err := Decode(DIB{DIF: 0x04}, VIB{VIF: 0x13}, []byte{0xE8, 0x03, 0x00, 0x00})
	require.NoError(t, err)
	require.True(t, unit.Known())
	require.Equal(t, "Volume", unit.Quantity)
	require.Equal(t, "m^3", unit.Symbol)
	require.Equal(t, -3, unit.Exponent)
	require.Equal(t, KindInt, v.Kind)
	require.Equal(t, "1.000", v.String())
	require.InDelta(t, 1.0, v.Float64(), 1e-9)
}

func TestDecodeBCD(t *testing.T) {
	_, v, err := Decode(DIB{DIF: 0x0C}, VIB{VIF: 0x13}, []byte{0x78, 0x56, 0x34, 0x12})
	require.NoError(t, err)
	require.Equal(t, KindBCD, v.Kind)
	require.Equal(t, "12345.678", v.String())

	n, err := DecodeBCD([]byte{0x23, 0xF1})
	require.NoError(t, err)
	require.Equal(t, int64(-123), n)

	_, err = DecodeBCD([]byte{0xA1})
	require.Error(t, err)
}

func TestDecodeInvalidBCDIsRaw(t *testing.T) {
	_, v, err := Decode(DIB{DIF: 0x0A}, VIB{VIF: 0x13}, []byte{0xAB, 0x01})
	require.NoError(t, err)
	require.Equal(t, KindRaw, v.Kind)
	require.Equal(t, "AB01", v.String())
}

func TestDecodeSignedInt(t *testing.T) {
	require.Equal(t, int64(-1), DecodeInt([]byte{0xFF, 0xFF}))
	require.Equal(t, int64(0x7FFF), DecodeInt([]byte{0xFF, 0x7F}))
	require.Equal(t, int64(-2), DecodeInt([]byte{0xFE, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}))
}

func TestDecodeReal(t *testing.T) {
	_, v, err := Decode(DIB{DIF: 0x05}, VIB{VIF: 0x5B}, []byte{0x00, 0x00, 0xC0, 0x3F})
	require.NoError(t, err)
	require.Equal(t, KindReal, v.Kind)
	require.Equal(t, "1.5", v.String())

	_, v, err = Decode(DIB{DIF: 0x05}, VIB{VIF: 0x5B}, []byte{0xCD, 0xCC, 0x8C, 0x3F})
	require.NoError(t, err)
	require.Equal(t, "1.1", v.String(), "float32 precision")
	require.True(t, v.Numeric())
}

func TestDecodeRealNonFinite(t *testing.T) {
	for name, tc := range map[string]struct {
		raw  []byte
		want string
	}{
		"nan":  {raw: []byte{0x00, 0x00, 0xC0, 0x7F}, want: "NaN"},
		"+inf": {raw: []byte{0x00, 0x00, 0x80, 0x7F}, want: "+Inf"},
		"-inf": {raw: []byte{0x00, 0x00, 0x80, 0xFF}, want: "-Inf"},
	} {
		tc := tc
		t.Run(name, func(t *testing.T) {
			_, v, err := Decode(DIB{DIF: 0x05}, VIB{VIF: 0x13}, tc.raw)
			require.NoError(t, err)
			require.Equal(t, KindReal, v.Kind)
			require.False(t, v.Numeric())
			require.Equal(t, tc.want, v.String())
		})
	}
}

func TestDecodeDates(t *testing.T) {
	_, v, err := Decode(DIB{DIF: 0x02}, VIB{VIF: 0x6C}, []byte{0x5B, 0x15})
	require.NoError(t, err)
	require.Equal(t, KindDate, v.Kind)
	require.Equal(t, time.Date(2010, 5, 27, 0, 0, 0, 0, time.UTC), v.Time)
	require.Equal(t, "2010-05-27", v.String())

	_, v, err = Decode(DIB{DIF: 0x04}, VIB{VIF: 0x6D}, []byte{0x1E, 0x0E, 0x5B, 0x15})
	require.NoError(t, err)
	require.Equal(t, KindDateTime, v.Kind)
	require.Equal(t, "2010-05-27T14:30:00", v.String())

	_, v, err = Decode(DIB{DIF: 0x06}, VIB{VIF: 0x6D}, []byte{0x2D, 0x1E, 0x0E, 0x5B, 0x15, 0x00})
	require.NoError(t, err)
	require.Equal(t, "2010-05-27T14:30:45", v.String())

	// Invalid flag set.
	_, v, err = Decode(DIB{DIF: 0x04}, VIB{VIF: 0x6D}, []byte{0x9E, 0x0E, 0x5B, 0x15})
	require.NoError(t, err)
	require.Equal(t, KindRaw, v.Kind)
}

func TestDecodeVariableString(t *testing.T) {
	unit, v, err := Decode(DIB{DIF: 0x0D}, VIB{VIF: 0xFD, VIFE: []byte{0x11}}, []byte{0x03, 'C', 'B', 'A'})
	require.NoError(t, err)
	require.Equal(t, "Customer", unit.Quantity)
	require.Equal(t, KindString, v.Kind)
	require.Equal(t, "ABC", v.String())
}

func TestDecodeVariableBCD(t *testing.T) {
	_, v, err := Decode(DIB{DIF: 0x0D}, VIB{VIF: 0x13}, []byte{0xD2, 0x34, 0x12})
	require.NoError(t, err)
	require.Equal(t, KindBCD, v.Kind)
	require.Equal(t, "-1.234", v.String())

	_, _, err = Decode(DIB{DIF: 0x0D}, VIB{VIF: 0x13}, []byte{0xC3, 0x34, 0x12})
	require.ErrorIs(t, err, ErrLength)

	_, _, err = Decode(DIB{DIF: 0x0D}, VIB{VIF: 0x13}, []byte{0xF0})
	require.ErrorIs(t, err, ErrLength)
}

func TestDecodeLengthMismatch(t *testing.T) {
	_, v, err := Decode(DIB{DIF: 0x04}, VIB{VIF: 0x13}, []byte{0x01, 0x02})
	require.ErrorIs(t, err, ErrLength)
	require.Equal(t, KindRaw, v.Kind)
}

func TestOrthogonalExponent(t *testing.T) {
	unit, v, err := Decode(DIB{DIF: 0x04}, VIB{VIF: 0x93, VIFE: []byte{0x7D}}, []byte{0xE8, 0x03, 0x00, 0x00})
	require.NoError(t, err)
	require.Equal(t, 0, unit.Exponent)
	require.Equal(t, "1000", v.String())

	unit = LookupUnit(VIB{VIF: 0x93, VIFE: []byte{0xBB, 0x7A}})
	require.Equal(t, []string{"accumulation only if positive contributions", "additive correction 10^-1"}, unit.Modifiers)
}

func TestUnknownUnitIsSoft(t *testing.T) {
	unit, v, err := Decode(DIB{DIF: 0x01}, VIB{VIF: 0x6F}, []byte{0x2A})
	require.NoError(t, err)
	require.False(t, unit.Known())
	require.ErrorIs(t, unit.Err(), ErrUnknownUnit)
	require.Equal(t, "Unknown", unit.String())
	require.Equal(t, "42", v.String())
}

func TestExtensionTables(t *testing.T) {
	u := LookupUnit(VIB{VIF: 0xFD, VIFE: []byte{0x48}})
	require.Equal(t, "Voltage", u.Quantity)
	require.Equal(t, -1, u.Exponent)

	u = LookupUnit(VIB{VIF: 0xFB, VIFE: []byte{0x01}})
	require.Equal(t, "Energy (MWh)", u.String())
	require.Equal(t, 0, u.Exponent)

	u = LookupUnit(VIB{VIF: 0xFC, PlainText: "pulses"})
	require.Equal(t, TablePlainText, u.Table)
	require.Equal(t, "Plain text (pulses)", u.String())
}

func TestDIBFields(t *testing.T) {
	d := DIB{DIF: 0xC4, DIFE: []byte{0xD3, 0x01}}
	require.Equal(t, byte(DataInt32), d.DataField())
	require.Equal(t, FunctionInstantaneous, d.Function())
	require.Equal(t, uint64(1|3<<1|1<<5), d.StorageNumber())
	require.Equal(t, 1, d.Tariff())
	require.Equal(t, 1, d.Device())

	require.Equal(t, "Maximum value", DIB{DIF: 0x14}.FunctionName())
	require.Equal(t, "More records follow", DIB{DIF: 0x1F}.FunctionName())
}

func TestFormatDecimal(t *testing.T) {
	for _, tc := range []struct {
		m    int64
		exp  int
		want string
	}{
		{5, -3, "0.005"},
		{-1234, -2, "-12.34"},
		{12, 2, "1200"},
		{0, -2, "0.00"},
		{42, 0, "42"},
	} {
		require.Equal(t, tc.want, FormatDecimal(tc.m, tc.exp))
	}
}
