package mbus

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/d21d3q/gombus/internal/address"
	"github.com/d21d3q/gombus/internal/crypto"
	"github.com/d21d3q/gombus/internal/frame"
	internalopts "github.com/d21d3q/gombus/internal/options"
	"github.com/d21d3q/gombus/internal/records"
)

// Analysis is the offline decoding of one captured frame.
type Analysis struct {
	RawHex    string
	ByteCount int
	Frame     *frame.Frame
	// Telegram is nil for frames without a variable data structure.
	Telegram *records.Telegram
	Rows     []records.Row
	Fields   map[string]any
	State    records.State
	// Problem describes why decoding stopped early, if it did.
	Problem string
}

// String renders a human-readable representation of the analysis.
func (a Analysis) String() string {
	summary := map[string]any{
		"byte_count": a.ByteCount,
		"raw_hex":    a.RawHex,
	}
	if a.Frame != nil {
		summary["frame"] = a.Frame.String()
	}
	if a.Telegram != nil {
		h := a.Telegram.Header
		summary["ci"] = fmt.Sprintf("0x%02X", h.CI)
		summary["state"] = a.State.String()
		if h.Long {
			summary["meter_id"] = h.IDString()
			summary["manufacturer"] = h.ManufacturerCode()
			summary["medium"] = fmt.Sprintf("0x%02X", h.Medium)
			summary["access_number"] = h.AccessNumber
			summary["status"] = h.StatusFlags()
		}
	}
	if len(a.Fields) > 0 {
		summary["fields"] = a.Fields
	}
	if a.Problem != "" {
		summary["problem"] = a.Problem
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Sprintf("bytes:%d raw:%s (marshal error: %v)", a.ByteCount, a.RawHex, err)
	}
	return string(data)
}

// AnalyzeHex decodes a captured frame given as hex. Whitespace, '|' and '_'
// are ignored. Records decoded before an error or a missing key are kept and
// the reason is reported in Problem.
func AnalyzeHex(ctx context.Context, raw string, opts AnalyzeOptions) (Analysis, error) {
	ctx, err := opts.context(ctx)
	if err != nil {
		return Analysis{}, err
	}
	data, err := decodeHex(raw)
	if err != nil {
		return Analysis{}, &StageError{StageFraming, fmt.Errorf("%w: %w", frame.ErrMalformedFrame, err)}
	}
	f, err := frame.Decode(data)
	if err != nil {
		return Analysis{}, &StageError{StageFraming, err}
	}
	res := Analysis{
		RawHex:    strings.ToUpper(stripWhitespace(raw)),
		ByteCount: len(data),
		Frame:     f,
	}
	if f.Kind != frame.KindLong || !f.IsVariableData() {
		return res, nil
	}

	tg, err := records.ParseAt(f, time.Now())
	if err != nil {
		return res, &StageError{StageRecordDecode, err}
	}
	res.Telegram = tg
	addr, ok := tg.Header.SecondaryAddress()
	if !ok {
		addr = address.Primary(f.Address)
	}
	if err := tg.Decrypt(internalopts.SecurityKey(ctx, addr.String())); err != nil {
		if errors.Is(err, crypto.ErrKeyRequired) || errors.Is(err, crypto.ErrInvalidKey) {
			res.State = records.StateError
			res.Problem = err.Error()
			return res, nil
		}
		return res, &StageError{StageRecordDecode, err}
	}

	fields := newFieldBuilder()
	it := tg.Records()
	for it.Next() {
		rec := it.Record()
		res.Rows = append(res.Rows, records.NewRow(addr, len(res.Rows)+1, rec))
		fields.add(rec)
	}
	res.Fields = fields.m
	res.State = it.State()
	if err := it.Err(); err != nil {
		res.Problem = err.Error()
	}
	return res, nil
}

func decodeHex(input string) ([]byte, error) {
	clean := stripWhitespace(input)
	if strings.HasPrefix(clean, "0X") || strings.HasPrefix(clean, "0x") {
		clean = clean[2:]
	}
	if len(clean)%2 != 0 {
		return nil, fmt.Errorf("hex frame must contain an even number of digits, got %d", len(clean))
	}
	decoded := make([]byte, len(clean)/2)
	if _, err := hex.Decode(decoded, []byte(clean)); err != nil {
		return nil, fmt.Errorf("decode hex: %w", err)
	}
	return decoded, nil
}

func stripWhitespace(s string) string {
	builder := strings.Builder{}
	builder.Grow(len(s))
	for _, r := range s {
		if unicode.IsSpace(r) || r == '|' || r == '_' {
			continue
		}
		builder.WriteRune(r)
	}
	return builder.String()
}
