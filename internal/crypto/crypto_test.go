package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

var testParams = Params{
	Manufacturer:    0x2C2D,
	ID:              [4]byte{0x78, 0x56, 0x34, 0x12},
	Version:         0x01,
	Medium:          0x07,
	AccessNumber:    0x2A,
	SecurityMode:    5,
	EncryptedBlocks: 1,
}

var testKey = bytes.Repeat([]byte{0x11}, 16)

func TestDecryptRoundTrip(t *testing.T) {
	plain := []byte{0x2F, 0x2F, 0x04, 0x13, 0xE8, 0x03, 0x00, 0x00}
	enc, err := Encrypt(testParams, plain, testKey)
	require.NoError(t, err)
	require.Len(t, enc, 16)
	require.NotEqual(t, plain, enc[:len(plain)])

	got, err := Decrypt(testParams, enc, testKey)
	require.NoError(t, err)
	require.Equal(t, plain, got[:len(plain)])
	for _, b := range got[len(plain):] {
		if b != 0x2F {
			t.Fatalf("padding byte 0x%02X", b)
		}
	}
}

func TestDecryptKeepsTrailingPlaintext(t *testing.T) {
	enc, err := Encrypt(testParams, []byte{0x2F, 0x2F, 0x01, 0x13, 0x05}, testKey)
	require.NoError(t, err)
	tail := []byte{0x0F, 0xAA}
	got, err := Decrypt(testParams, append(enc, tail...), testKey)
	require.NoError(t, err)
	require.Equal(t, tail, got[16:])
}

func TestDecryptWithoutKey(t *testing.T) {
	_, err := Decrypt(testParams, make([]byte, 16), nil)
	require.ErrorIs(t, err, ErrKeyRequired)
}

func TestDecryptWrongKey(t *testing.T) {
	enc, err := Encrypt(testParams, []byte{0x2F, 0x2F, 0x01, 0x13, 0x05}, testKey)
	require.NoError(t, err)
	_, err = Decrypt(testParams, enc, bytes.Repeat([]byte{0x22}, 16))
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestDecryptUnencrypted(t *testing.T) {
	p := testParams
	p.SecurityMode = 0
	payload := []byte{0x01, 0x13, 0x05}
	got, err := Decrypt(p, payload, nil)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestDecryptBlocksExceedPayload(t *testing.T) {
	p := testParams
	p.EncryptedBlocks = 2
	_, err := Decrypt(p, make([]byte, 16), testKey)
	require.Error(t, err)
}
