package options

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
)

type contextKey struct{}

// KeyRing holds the AES keys for encrypted meters: one per secondary address
// and an optional default for the rest.
type KeyRing struct {
	Default   []byte
	ByAddress map[string][]byte
}

// Lookup returns the key for addr (canonical 16-char form) or the default.
func (k KeyRing) Lookup(addr string) []byte {
	if key, ok := k.ByAddress[strings.ToUpper(addr)]; ok {
		return key
	}
	return k.Default
}

// Empty reports whether no key is configured at all.
func (k KeyRing) Empty() bool { return len(k.Default) == 0 && len(k.ByAddress) == 0 }

// WithKeyRing stores a copy of ring inside the context.
func WithKeyRing(ctx context.Context, ring KeyRing) context.Context {
	if ring.Empty() {
		return ctx
	}
	cp := KeyRing{Default: clone(ring.Default)}
	if len(ring.ByAddress) > 0 {
		cp.ByAddress = make(map[string][]byte, len(ring.ByAddress))
		for addr, key := range ring.ByAddress {
			cp.ByAddress[strings.ToUpper(addr)] = clone(key)
		}
	}
	return context.WithValue(ctx, contextKey{}, cp)
}

// WithSecurityKey stores key as the default key inside the context.
func WithSecurityKey(ctx context.Context, key []byte) context.Context {
	ring := KeyRingFrom(ctx)
	ring.Default = key
	return WithKeyRing(ctx, ring)
}

// KeyRingFrom retrieves the key ring from context if present.
func KeyRingFrom(ctx context.Context) KeyRing {
	if v := ctx.Value(contextKey{}); v != nil {
		if ring, ok := v.(KeyRing); ok {
			return ring
		}
	}
	return KeyRing{}
}

// SecurityKey returns the key for addr from the context ring.
func SecurityKey(ctx context.Context, addr string) []byte {
	return KeyRingFrom(ctx).Lookup(addr)
}

// ParseKeyHex validates and decodes a 32-hex-digit AES key string.
func ParseKeyHex(input string) ([]byte, error) {
	if strings.TrimSpace(input) == "" {
		return nil, nil
	}
	clean := stripWhitespace(input)
	if len(clean) != 32 {
		return nil, fmt.Errorf("AES key must be 32 hex digits (16 bytes), got %d", len(clean))
	}
	dst := make([]byte, 16)
	if _, err := hex.Decode(dst, []byte(clean)); err != nil {
		return nil, fmt.Errorf("invalid AES key hex: %w", err)
	}
	return dst, nil
}

// ParseKeyRing decodes a default key and per-address keys given as hex.
func ParseKeyRing(defaultHex string, byAddress map[string]string) (KeyRing, error) {
	var ring KeyRing
	key, err := ParseKeyHex(defaultHex)
	if err != nil {
		return KeyRing{}, err
	}
	ring.Default = key
	for addr, h := range byAddress {
		key, err := ParseKeyHex(h)
		if err != nil {
			return KeyRing{}, fmt.Errorf("key for %s: %w", addr, err)
		}
		if key == nil {
			continue
		}
		if ring.ByAddress == nil {
			ring.ByAddress = make(map[string][]byte)
		}
		ring.ByAddress[strings.ToUpper(addr)] = key
	}
	return ring, nil
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}

func stripWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
