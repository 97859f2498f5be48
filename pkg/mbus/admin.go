package mbus

import (
	"context"
	"errors"
	"fmt"

	"github.com/d21d3q/gombus/internal/address"
	"github.com/d21d3q/gombus/internal/frame"
	"github.com/d21d3q/gombus/internal/transport"
)

// ScanPrimary pings the primary addresses from..to with SND_NKE and returns
// the ones that acknowledged. Garbled answers count as present: something
// is there, possibly several slaves sharing the address.
func ScanPrimary(ctx context.Context, s *transport.Session, from, to byte) ([]address.Address, error) {
	if to > address.MaxPrimary {
		to = address.MaxPrimary
	}
	var found []address.Address
	for a := int(from); a <= int(to); a++ {
		err := s.Reset(ctx, byte(a))
		switch {
		case err == nil, errors.Is(err, transport.ErrCorruptResponse):
			found = append(found, address.Primary(byte(a)))
		case errors.Is(err, transport.ErrNoResponse):
		default:
			return found, &StageError{stageOf(err), err}
		}
	}
	return found, nil
}

// SetPrimaryAddress writes newAddr into the meter at addr.
func SetPrimaryAddress(ctx context.Context, s *transport.Session, addr address.Address, newAddr byte) error {
	if newAddr > address.MaxPrimary {
		return fmt.Errorf("%w: new primary address %d out of range 0-%d", address.ErrInvalidAddress, newAddr, address.MaxPrimary)
	}
	return command(ctx, s, addr, func(target byte) *frame.Frame { return frame.SetPrimaryAddress(target, newAddr) })
}

// ResetApplication sends the application reset, which restarts the meter's
// readout sequence.
func ResetApplication(ctx context.Context, s *transport.Session, addr address.Address) error {
	return command(ctx, s, addr, frame.ApplicationReset)
}

// command selects addr if needed and sends one SND_UD expecting an ACK.
func command(ctx context.Context, s *transport.Session, addr address.Address, build func(target byte) *frame.Frame) error {
	if addr.IsSecondaryAddress() {
		if addr.Wildcard() {
			return &StageError{StageSelection, fmt.Errorf("%w: wildcard %s", address.ErrInvalidAddress, addr)}
		}
		if err := transport.SelectSecondary(ctx, s, addr); err != nil {
			return &StageError{StageSelection, err}
		}
	}
	reply, err := s.Exchange(ctx, build(addr.PrimaryAddress()))
	if err != nil {
		return &StageError{stageOf(err), err}
	}
	if reply != nil && reply.Kind != frame.KindAck {
		return &StageError{StageResponse, fmt.Errorf("%w: expected ACK, got %s", transport.ErrCorruptResponse, reply)}
	}
	return nil
}
