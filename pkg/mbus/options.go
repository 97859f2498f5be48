package mbus

import (
	"context"

	"github.com/sirupsen/logrus"

	internalopts "github.com/d21d3q/gombus/internal/options"
)

// DefaultMaxFrames bounds the continuation frames of one reading.
const DefaultMaxFrames = 16

// ReadOptions configures Read.
type ReadOptions struct {
	// MaxFrames limits the REQ_UD2 requests of one reading.
	MaxFrames int
	// KeyHex is a default AES key, used when Keys has no entry.
	KeyHex string
	Keys   internalopts.KeyRing
	Logger logrus.FieldLogger
}

func (opts ReadOptions) withDefaults() ReadOptions {
	if opts.MaxFrames <= 0 {
		opts.MaxFrames = DefaultMaxFrames
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return opts
}

func (opts ReadOptions) context(ctx context.Context) (context.Context, error) {
	return withKeys(ctx, opts.KeyHex, opts.Keys)
}

// AnalyzeOptions configures offline decoding.
type AnalyzeOptions struct {
	KeyHex string
	Keys   internalopts.KeyRing
}

func (opts AnalyzeOptions) context(ctx context.Context) (context.Context, error) {
	return withKeys(ctx, opts.KeyHex, opts.Keys)
}

func withKeys(ctx context.Context, keyHex string, ring internalopts.KeyRing) (context.Context, error) {
	key, err := internalopts.ParseKeyHex(keyHex)
	if err != nil {
		return ctx, err
	}
	ctx = internalopts.WithKeyRing(ctx, ring)
	if key != nil {
		ctx = internalopts.WithSecurityKey(ctx, key)
	}
	return ctx, nil
}
