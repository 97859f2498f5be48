package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

var (
	ErrKeyRequired = errors.New("encrypted telegram: AES key required (use --key)")
	ErrInvalidKey  = errors.New("encrypted telegram: AES key rejected (bad plaintext)")
)

const securityModeAesCbcIV = 5

// Params carries the header fields that feed the IV.
type Params struct {
	Manufacturer    uint16
	ID              [4]byte
	Version         byte
	Medium          byte
	AccessNumber    byte
	SecurityMode    byte
	EncryptedBlocks int
}

// Decrypt returns the plaintext of payload for security mode 5. Other modes
// return payload unchanged.
func Decrypt(p Params, payload, key []byte) ([]byte, error) {
	if p.SecurityMode != securityModeAesCbcIV || len(payload) == 0 {
		return payload, nil
	}
	if len(key) == 0 {
		return nil, ErrKeyRequired
	}
	return decryptCBC(p, payload, key)
}

func decryptCBC(p Params, payload, key []byte) ([]byte, error) {
	required := encryptedPrefixLen(p, len(payload))
	if required == 0 {
		return nil, ErrInvalidKey
	}
	if p.EncryptedBlocks*aes.BlockSize > len(payload) {
		return nil, fmt.Errorf("encrypted section exceeds payload length (%d > %d)", p.EncryptedBlocks*aes.BlockSize, len(payload))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("invalid AES key: %w", err)
	}
	ciphertext := make([]byte, required)
	copy(ciphertext, payload[:required])
	cipher.NewCBCDecrypter(block, buildIV(p)).CryptBlocks(ciphertext, ciphertext)
	if len(ciphertext) < 2 || ciphertext[0] != 0x2f || ciphertext[1] != 0x2f {
		return nil, ErrInvalidKey
	}
	return append(ciphertext, payload[required:]...), nil
}

func buildIV(p Params) []byte {
	iv := make([]byte, aes.BlockSize)
	iv[0] = byte(p.Manufacturer)
	iv[1] = byte(p.Manufacturer >> 8)
	copy(iv[2:6], p.ID[:])
	iv[6] = p.Version
	iv[7] = p.Medium
	for i := 8; i < aes.BlockSize; i++ {
		iv[i] = p.AccessNumber
	}
	return iv
}

func encryptedPrefixLen(p Params, payloadLen int) int {
	if p.EncryptedBlocks > 0 {
		return p.EncryptedBlocks * aes.BlockSize
	}
	return payloadLen - (payloadLen % aes.BlockSize)
}

// Encrypt is the inverse of Decrypt for mode 5. The plaintext must start
// with 2F 2F and is padded with 2F to a block boundary.
func Encrypt(p Params, plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("invalid AES key: %w", err)
	}
	buf := append([]byte(nil), plaintext...)
	for len(buf)%aes.BlockSize != 0 {
		buf = append(buf, 0x2f)
	}
	cipher.NewCBCEncrypter(block, buildIV(p)).CryptBlocks(buf, buf)
	return buf, nil
}
