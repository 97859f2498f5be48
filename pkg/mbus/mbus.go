// Package mbus reads wired M-Bus meters: it drives a transport session,
// follows continuation frames and flattens the records into rows.
package mbus

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/d21d3q/gombus/internal/address"
	"github.com/d21d3q/gombus/internal/frame"
	"github.com/d21d3q/gombus/internal/options"
	"github.com/d21d3q/gombus/internal/records"
	"github.com/d21d3q/gombus/internal/transport"
)

// Stage names the step of a reading that failed.
type Stage string

const (
	StageFraming      Stage = "framing"
	StageResponse     Stage = "response"
	StageSelection    Stage = "selection"
	StageRecordDecode Stage = "record-decode"
)

// StageError reports which stage of a reading failed.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return string(e.Stage) + ": " + e.Err.Error() }

func (e *StageError) Unwrap() error { return e.Err }

// stageOf classifies an exchange error.
func stageOf(err error) Stage {
	if errors.Is(err, frame.ErrMalformedFrame) {
		return StageFraming
	}
	return StageResponse
}

// Result is one complete reading of a meter.
type Result struct {
	ReadID  uuid.UUID
	Address address.Address
	// Header is the data header of the first frame.
	Header records.Header
	Rows   []records.Row
	Fields map[string]any
	Frames []*frame.Frame
	// ManufacturerData collects the opaque bytes after 0x0F/0x1F markers.
	ManufacturerData []byte
	// Complete is false when MaxFrames ran out while the meter still
	// announced more records.
	Complete bool
}

// Read polls addr and returns all its records. A secondary address is
// selected first; requests then go to the network layer address. The
// returned Result holds whatever was read before an error.
func Read(ctx context.Context, s *transport.Session, addr address.Address, opts ReadOptions) (Result, error) {
	opts = opts.withDefaults()
	ctx, err := opts.context(ctx)
	if err != nil {
		return Result{}, err
	}
	res := Result{ReadID: uuid.New(), Address: addr}
	log := opts.Logger.WithFields(logrus.Fields{
		"read_id": res.ReadID.String(),
		"address": addr.String(),
	})

	target, err := selectTarget(ctx, s, addr)
	if err != nil {
		return res, err
	}

	fields := newFieldBuilder()
	for n := 0; n < opts.MaxFrames; n++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		reply, err := s.SendRequest(ctx, target)
		if err != nil {
			return res, &StageError{stageOf(err), err}
		}
		state, err := res.add(ctx, reply, fields)
		if err != nil {
			return res, err
		}
		log.WithFields(logrus.Fields{
			"frame":   n + 1,
			"records": len(res.Rows),
			"state":   state.String(),
		}).Debug("frame decoded")
		if state != records.StateMoreRecordsFollow {
			res.Complete = true
			break
		}
	}
	if !res.Complete {
		log.WithField("max_frames", opts.MaxFrames).Warn("meter still has more records")
	}
	return res, nil
}

// ReadAlarm sends one class 1 request (REQ_UD1) to addr. A meter without
// alarm data acknowledges; the Result then has no frames and no rows.
func ReadAlarm(ctx context.Context, s *transport.Session, addr address.Address, opts ReadOptions) (Result, error) {
	opts = opts.withDefaults()
	ctx, err := opts.context(ctx)
	if err != nil {
		return Result{}, err
	}
	res := Result{ReadID: uuid.New(), Address: addr, Complete: true}
	target, err := selectTarget(ctx, s, addr)
	if err != nil {
		return res, err
	}
	reply, err := s.SendAlarmRequest(ctx, target)
	if err != nil {
		return res, &StageError{stageOf(err), err}
	}
	if reply == nil {
		opts.Logger.WithField("address", addr.String()).Debug("no alarm data")
		return res, nil
	}
	_, err = res.add(ctx, reply, newFieldBuilder())
	return res, err
}

// selectTarget selects a secondary address and returns the primary address
// requests must go to.
func selectTarget(ctx context.Context, s *transport.Session, addr address.Address) (byte, error) {
	if !addr.IsSecondaryAddress() {
		return addr.PrimaryAddress(), nil
	}
	if addr.Wildcard() {
		return 0, &StageError{StageSelection, fmt.Errorf("%w: wildcard %s needs a scan", address.ErrInvalidAddress, addr)}
	}
	if err := transport.SelectSecondary(ctx, s, addr); err != nil {
		return 0, &StageError{StageSelection, err}
	}
	return addr.PrimaryAddress(), nil
}

// add decodes reply into r and reports the state its records ended in.
func (r *Result) add(ctx context.Context, reply *frame.Frame, fields *fieldBuilder) (records.State, error) {
	r.Frames = append(r.Frames, reply)
	tg, err := records.Parse(reply)
	if err != nil {
		return records.StateError, &StageError{StageRecordDecode, err}
	}
	if len(r.Frames) == 1 {
		r.Header = tg.Header
	}
	if err := tg.Decrypt(options.SecurityKey(ctx, keyAddress(tg.Header, r.Address))); err != nil {
		return records.StateError, &StageError{StageRecordDecode, err}
	}
	it := tg.Records()
	for it.Next() {
		rec := it.Record()
		r.Rows = append(r.Rows, records.NewRow(r.Address, len(r.Rows)+1, rec))
		fields.add(rec)
	}
	r.Fields = fields.m
	if err := it.Err(); err != nil {
		return it.State(), &StageError{StageRecordDecode, err}
	}
	r.ManufacturerData = append(r.ManufacturerData, it.ManufacturerData()...)
	return it.State(), nil
}

// keyAddress picks the address used to look up a decryption key: the
// identification in the header when present, the polled address otherwise.
func keyAddress(h records.Header, polled address.Address) string {
	if a, ok := h.SecondaryAddress(); ok {
		return a.String()
	}
	return polled.String()
}

// Scan lists the secondary addresses matching mask.
func Scan(ctx context.Context, s *transport.Session, mask address.Address) ([]address.Address, error) {
	found, err := transport.ScanSecondary(ctx, s, mask)
	if err != nil && ctx.Err() == nil {
		return found, &StageError{StageSelection, err}
	}
	return found, err
}
