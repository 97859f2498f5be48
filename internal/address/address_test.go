package address

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePrimary(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want byte
	}{
		{"0", 0},
		{"15", 15},
		{" 250 ", 250},
	} {
		a, err := Parse(tc.in)
		require.NoError(t, err, tc.in)
		require.False(t, a.IsSecondaryAddress())
		require.Equal(t, tc.want, a.PrimaryAddress())
		require.False(t, a.Wildcard())
	}
}

func TestParseInvalid(t *testing.T) {
	for _, in := range []string{"", "251", "-1", "abc", "1026486449", "10264864496A88041", "10264864496A880G"} {
		_, err := Parse(in)
		require.ErrorIs(t, err, ErrInvalidAddress, in)
	}
}

func TestParseSecondary(t *testing.T) {
	a, err := Parse("10264864496A8804")
	require.NoError(t, err)
	require.True(t, a.IsSecondaryAddress())
	require.False(t, a.Wildcard())
	require.Equal(t, NetworkLayer, a.PrimaryAddress())
	require.Equal(t, [8]byte{0x64, 0x48, 0x26, 0x10, 0x6A, 0x49, 0x88, 0x04}, a.Bytes())
	require.Equal(t, "10264864", a.ID())
	require.Equal(t, uint16(0x496A), a.Manufacturer())
	require.Equal(t, byte(0x88), a.Version())
	require.Equal(t, byte(0x04), a.Medium())
	require.Equal(t, "10264864496A8804", a.String())
	require.Equal(t, "RKJ", ManufacturerCode(a.Manufacturer()))

	lower, err := Parse("10264864496a8804")
	require.NoError(t, err)
	require.Equal(t, a, lower)

	hexID, err := Parse("1026A864496A8804")
	require.NoError(t, err)
	require.False(t, hexID.Wildcard())
	require.Equal(t, "1026A864", hexID.ID())
	require.Equal(t, "1026A864496A8804", hexID.String())
}

func TestParseSecondaryUnique(t *testing.T) {
	seen := make(map[[8]byte]string)
	for _, in := range []string{"10264864496A8804", "10264865496A8804", "01264864496A8804", "10264864496A8807", "10264864496A8904"} {
		a, err := Parse(in)
		require.NoError(t, err)
		if prev, ok := seen[a.Bytes()]; ok {
			t.Fatalf("%s and %s encode to the same bytes", prev, in)
		}
		seen[a.Bytes()] = in
		require.Equal(t, in, a.String())
	}
}

func TestParseWildcard(t *testing.T) {
	a, err := Parse("1026FFFFFFFFFFFF")
	require.NoError(t, err)
	require.True(t, a.Wildcard())
	require.Equal(t, [8]byte{0xFF, 0xFF, 0x26, 0x10, 0xFF, 0xFF, 0xFF, 0xFF}, a.Bytes())

	concrete, err := Parse("10264864496A8804")
	require.NoError(t, err)
	require.True(t, concrete.Matches(a))

	other, err := Parse("10274864496A8804")
	require.NoError(t, err)
	require.False(t, other.Matches(a))
}

func TestWithDigit(t *testing.T) {
	a, err := Parse("FFFFFFFFFFFFFFFF")
	require.NoError(t, err)
	a = a.WithDigit(0, 1).WithDigit(1, 0).WithDigit(7, 4)
	require.Equal(t, "10FFFFF4FFFFFFFF", a.String())
	require.Equal(t, byte(1), a.Digit(0))
	require.Equal(t, byte(0), a.Digit(1))
	require.Equal(t, byte(0x0F), a.Digit(2))
	require.Equal(t, byte(4), a.Digit(7))
}

func TestFromHeader(t *testing.T) {
	a := FromHeader([4]byte{0x64, 0x48, 0x26, 0x10}, 0x496A, 0x88, 0x04)
	require.Equal(t, "10264864496A8804", a.String())
}

func TestManufacturerCode(t *testing.T) {
	require.Equal(t, "KAM", ManufacturerCode(0x2C2D))
	require.Equal(t, "BMT", ManufacturerCode(0x09B4))
}
