// Package records walks the variable data records of an RSP_UD payload.
package records

import (
	"errors"
	"fmt"
	"time"

	"github.com/d21d3q/gombus/internal/crypto"
	"github.com/d21d3q/gombus/internal/frame"
	"github.com/d21d3q/gombus/internal/value"
)

var (
	// ErrTruncatedRecord is returned when a record runs past the payload or
	// an extension chain is longer than allowed.
	ErrTruncatedRecord = errors.New("truncated record")
	// ErrUnknownCode is returned for reserved DIF, LVAR or CI codes.
	ErrUnknownCode = errors.New("unknown code")
)

// maxExtensions bounds both the DIFE and the VIFE chain.
const maxExtensions = 10

// State is the position of the record parser.
type State int

const (
	StateStart State = iota
	StateReadDIB
	StateReadDIBExtension
	StateReadVIB
	StateReadVIBExtension
	StateReadValue
	StateRecordReady
	StateEnd
	StateMoreRecordsFollow
	StateError
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "Start"
	case StateReadDIB:
		return "ReadDIB"
	case StateReadDIBExtension:
		return "ReadDIBExtension"
	case StateReadVIB:
		return "ReadVIB"
	case StateReadVIBExtension:
		return "ReadVIBExtension"
	case StateReadValue:
		return "ReadValue"
	case StateRecordReady:
		return "RecordReady"
	case StateEnd:
		return "End"
	case StateMoreRecordsFollow:
		return "MoreRecordsFollow"
	case StateError:
		return "Error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further records can be produced.
func (s State) Terminal() bool {
	return s == StateEnd || s == StateMoreRecordsFollow || s == StateError
}

// Record is one decoded data record.
type Record struct {
	// Index is the 1-based position among the records of the payload.
	Index int
	DIB   value.DIB
	VIB   value.VIB
	// Raw holds the value bytes, including the LVAR byte for variable
	// length data.
	Raw       []byte
	Unit      value.Unit
	Value     value.Value
	Timestamp time.Time
}

// Telegram is a parsed variable data response. The record area is kept
// undecoded until iterated.
type Telegram struct {
	Header   Header
	Received time.Time
	data     []byte
}

// Parse splits the long frame f into header and record area, stamping it with
// the current time.
func Parse(f *frame.Frame) (*Telegram, error) {
	return ParseAt(f, time.Now())
}

// ParseAt is Parse with an explicit receive time.
func ParseAt(f *frame.Frame, received time.Time) (*Telegram, error) {
	if f == nil || f.Kind != frame.KindLong && f.Kind != frame.KindControl {
		return nil, fmt.Errorf("%w: variable data needs a long frame", ErrUnknownCode)
	}
	h, data, err := parseHeader(f)
	if err != nil {
		return nil, err
	}
	return &Telegram{
		Header:   h,
		Received: received,
		data:     append([]byte(nil), data...),
	}, nil
}

// Payload returns the record area after the header.
func (t *Telegram) Payload() []byte { return t.data }

// Decrypt replaces an encrypted record area with its plaintext. It must be
// called before Records. Unencrypted telegrams are left untouched.
func (t *Telegram) Decrypt(key []byte) error {
	if !t.Header.Encrypted() {
		return nil
	}
	if !t.Header.Long {
		return fmt.Errorf("encrypted telegram with CI 0x%02X carries no identification for the IV", t.Header.CI)
	}
	plain, err := crypto.Decrypt(crypto.Params{
		Manufacturer:    t.Header.Manufacturer,
		ID:              t.Header.ID,
		Version:         t.Header.Version,
		Medium:          t.Header.Medium,
		AccessNumber:    t.Header.AccessNumber,
		SecurityMode:    t.Header.SecurityMode(),
		EncryptedBlocks: t.Header.EncryptedBlocks(),
	}, t.data, key)
	if err != nil {
		return err
	}
	t.data = plain
	return nil
}

// Records returns a fresh forward-only iterator over the record area.
func (t *Telegram) Records() *Iterator {
	return &Iterator{data: t.data, ts: t.Received}
}

// Iterator decodes one record per Next call.
//
//	for it.Next() {
//		rec := it.Record()
//	}
//	if it.Err() != nil { ... }
type Iterator struct {
	data  []byte
	pos   int
	state State
	rec   Record
	err   error
	index int
	mfr   []byte
	ts    time.Time
}

// State returns the parser state. After Next returns false it is one of
// End, MoreRecordsFollow or Error.
func (it *Iterator) State() State { return it.state }

// Record returns the record produced by the last successful Next.
func (it *Iterator) Record() Record { return it.rec }

// Err returns the error that stopped the iterator, if any.
func (it *Iterator) Err() error { return it.err }

// ManufacturerData returns the opaque bytes after a 0x0F or 0x1F DIF.
func (it *Iterator) ManufacturerData() []byte { return it.mfr }

// Next advances to the next record. It returns false once a terminal state
// is reached.
func (it *Iterator) Next() bool {
	if it.state.Terminal() {
		return false
	}
	for {
		it.state = StateReadDIB
		if it.pos >= len(it.data) {
			it.state = StateEnd
			return false
		}
		start := it.pos
		dif := it.data[it.pos]
		it.pos++
		switch dif {
		case value.DIFIdleFiller, value.DIFGlobalReadout:
			continue
		case value.DIFManufacturerSpecific:
			it.mfr = it.data[it.pos:]
			it.pos = len(it.data)
			it.state = StateEnd
			return false
		case value.DIFMoreRecordsFollow:
			it.mfr = it.data[it.pos:]
			it.pos = len(it.data)
			it.state = StateMoreRecordsFollow
			return false
		}
		if dif&0x0F == value.DataSpecial {
			return it.fail(fmt.Errorf("%w: reserved DIF 0x%02X at offset %d", ErrUnknownCode, dif, start))
		}
		return it.readRecord(start, dif)
	}
}

func (it *Iterator) readRecord(start int, dif byte) bool {
	dib := value.DIB{DIF: dif}
	ext := dif&value.ExtensionBit != 0
	for ext {
		it.state = StateReadDIBExtension
		if len(dib.DIFE) == maxExtensions {
			return it.fail(fmt.Errorf("%w: more than %d DIFE at offset %d", ErrTruncatedRecord, maxExtensions, start))
		}
		b, ok := it.readByte()
		if !ok {
			return it.fail(fmt.Errorf("%w: payload ends inside DIB at offset %d", ErrTruncatedRecord, start))
		}
		dib.DIFE = append(dib.DIFE, b)
		ext = b&value.ExtensionBit != 0
	}

	it.state = StateReadVIB
	vif, ok := it.readByte()
	if !ok {
		return it.fail(fmt.Errorf("%w: payload ends before VIF at offset %d", ErrTruncatedRecord, start))
	}
	vib := value.VIB{VIF: vif}
	if vif&value.WithoutExtension == value.VIFPlainText {
		n, ok := it.readByte()
		if !ok || it.pos+int(n) > len(it.data) {
			return it.fail(fmt.Errorf("%w: plain text VIF at offset %d", ErrTruncatedRecord, start))
		}
		vib.PlainText = value.DecodeString(it.data[it.pos : it.pos+int(n)])
		it.pos += int(n)
	}
	ext = vif&value.ExtensionBit != 0
	for ext {
		it.state = StateReadVIBExtension
		if len(vib.VIFE) == maxExtensions {
			return it.fail(fmt.Errorf("%w: more than %d VIFE at offset %d", ErrTruncatedRecord, maxExtensions, start))
		}
		b, ok := it.readByte()
		if !ok {
			return it.fail(fmt.Errorf("%w: payload ends inside VIB at offset %d", ErrTruncatedRecord, start))
		}
		vib.VIFE = append(vib.VIFE, b)
		ext = b&value.ExtensionBit != 0
	}

	it.state = StateReadValue
	length, err := it.valueLength(dib)
	if err != nil {
		return it.fail(fmt.Errorf("%w at offset %d", err, start))
	}
	if it.pos+length > len(it.data) {
		return it.fail(fmt.Errorf("%w: value needs %d bytes, %d left at offset %d", ErrTruncatedRecord, length, len(it.data)-it.pos, start))
	}
	raw := append([]byte(nil), it.data[it.pos:it.pos+length]...)
	it.pos += length

	unit, val, err := value.Decode(dib, vib, raw)
	if err != nil {
		return it.fail(fmt.Errorf("decode record at offset %d: %w", start, err))
	}
	it.index++
	it.rec = Record{
		Index:     it.index,
		DIB:       dib,
		VIB:       vib,
		Raw:       raw,
		Unit:      unit,
		Value:     val,
		Timestamp: it.ts,
	}
	it.state = StateRecordReady
	return true
}

// valueLength returns the number of bytes after the VIB, LVAR included.
func (it *Iterator) valueLength(dib value.DIB) (int, error) {
	if n, ok := value.DataLength(dib.DataField()); ok {
		return n, nil
	}
	if it.pos >= len(it.data) {
		return 0, fmt.Errorf("%w: payload ends before LVAR", ErrTruncatedRecord)
	}
	lvar := it.data[it.pos]
	n, ok := value.VariableLength(lvar)
	if !ok {
		return 0, fmt.Errorf("%w: reserved LVAR 0x%02X", ErrUnknownCode, lvar)
	}
	return 1 + n, nil
}

func (it *Iterator) readByte() (byte, bool) {
	if it.pos >= len(it.data) {
		return 0, false
	}
	b := it.data[it.pos]
	it.pos++
	return b, true
}

func (it *Iterator) fail(err error) bool {
	it.state = StateError
	it.err = err
	it.rec = Record{}
	return false
}

// Collect drains it. The records decoded before an error are returned
// together with the error.
func Collect(it *Iterator) ([]Record, State, error) {
	var out []Record
	for it.Next() {
		out = append(out, it.Record())
	}
	return out, it.State(), it.Err()
}
