package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/d21d3q/gombus/internal/address"
	"github.com/d21d3q/gombus/internal/frame"
	"github.com/d21d3q/gombus/internal/records"
)

// idDigits is the number of wildcardable identification digits.
const idDigits = 8

// SelectSecondary selects the slave matching a on the network layer. After
// success requests go to address.NetworkLayer. It is not retried: a caller
// seeing ErrCollision should narrow the mask.
func SelectSecondary(ctx context.Context, s *Session, a address.Address) error {
	if !a.IsSecondaryAddress() {
		return fmt.Errorf("%w: %s is not a secondary address", address.ErrInvalidAddress, a)
	}
	s.setSelected(nil)
	reply, err := s.exchange(ctx, frame.SelectSecondary(a.Bytes()), 0)
	switch {
	case errors.Is(err, ErrNoResponse):
		return fmt.Errorf("%w: %s: %w", ErrSelectionFailed, a, err)
	case errors.Is(err, ErrCorruptResponse):
		return fmt.Errorf("%w: %s: %w", ErrCollision, a, err)
	case err != nil:
		return err
	}
	if reply.Kind != frame.KindAck {
		return fmt.Errorf("%w: %s answered with %s", ErrCollision, a, reply)
	}
	s.setSelected(&a)
	return nil
}

// Probe outcomes.
type probeResult int

const (
	probeNothing probeResult = iota
	probeSingle
	probeCollision
)

// probe selects mask and, when exactly one slave answers, reads its header
// to learn the concrete address.
func probe(ctx context.Context, s *Session, mask address.Address) (probeResult, address.Address, error) {
	err := SelectSecondary(ctx, s, mask)
	switch {
	case errors.Is(err, ErrCollision):
		return probeCollision, address.Address{}, nil
	case errors.Is(err, ErrSelectionFailed):
		return probeNothing, address.Address{}, nil
	case err != nil:
		return probeNothing, address.Address{}, err
	}
	reply, err := s.SendRequest(ctx, address.NetworkLayer)
	if err != nil {
		if errors.Is(err, ErrCorruptResponse) {
			return probeCollision, address.Address{}, nil
		}
		return probeNothing, address.Address{}, err
	}
	tg, err := records.Parse(reply)
	if err != nil {
		return probeNothing, address.Address{}, fmt.Errorf("read header of %s: %w", mask, err)
	}
	found, ok := tg.Header.SecondaryAddress()
	if !ok {
		if mask.Wildcard() {
			return probeNothing, address.Address{}, fmt.Errorf("slave matching %s sent CI 0x%02X without identification", mask, reply.CI)
		}
		found = mask
	}
	s.rekeySelected(found)
	return probeSingle, found, nil
}

// ScanSecondary discovers the slaves matching mask. Wildcarded ID digits are
// narrowed one position at a time; a collision descends to the next
// wildcard position.
func ScanSecondary(ctx context.Context, s *Session, mask address.Address) ([]address.Address, error) {
	if !mask.IsSecondaryAddress() {
		return nil, fmt.Errorf("%w: scan mask %s is not a secondary address", address.ErrInvalidAddress, mask)
	}
	// Deselect whatever was selected before.
	if _, err := s.exchange(ctx, frame.SndNKE(address.NetworkLayer), 0); err != nil && !isSilentOrGarbled(err) {
		return nil, err
	}
	s.setSelected(nil)
	sc := &scanner{s: s, seen: make(map[address.Address]bool)}
	// The bare mask first: a single match needs no narrowing.
	res, found, err := probe(ctx, s, mask)
	if err != nil {
		return nil, err
	}
	switch res {
	case probeSingle:
		sc.add(found)
	case probeCollision:
		if err := sc.scan(ctx, 0, mask); err != nil {
			return sc.found, err
		}
	}
	return sc.found, nil
}

type scanner struct {
	s     *Session
	seen  map[address.Address]bool
	found []address.Address
}

func (sc *scanner) add(a address.Address) {
	if sc.seen[a] {
		return
	}
	sc.seen[a] = true
	sc.found = append(sc.found, a)
	sc.s.log.WithField("address", a.String()).Info("found secondary address")
}

func (sc *scanner) scan(ctx context.Context, pos int, mask address.Address) error {
	for pos < idDigits && mask.Digit(pos) != 0x0F {
		pos++
	}
	if pos >= idDigits {
		sc.s.log.WithField("mask", mask.String()).Warn("collision on fully specified ID, cannot narrow further")
		return nil
	}
	for d := byte(0); d <= 9; d++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		narrowed := mask.WithDigit(pos, d)
		res, found, err := probe(ctx, sc.s, narrowed)
		if err != nil {
			return err
		}
		switch res {
		case probeSingle:
			sc.add(found)
		case probeCollision:
			if err := sc.scan(ctx, pos+1, narrowed); err != nil {
				return err
			}
		}
	}
	return nil
}

func isSilentOrGarbled(err error) bool {
	return errors.Is(err, ErrNoResponse) || errors.Is(err, ErrCorruptResponse)
}
