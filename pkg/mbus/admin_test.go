package mbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/d21d3q/gombus/internal/address"
	"github.com/d21d3q/gombus/internal/frame"
	"github.com/d21d3q/gombus/internal/testutil"
)

func TestScanPrimary(t *testing.T) {
	m1 := newMeter(t, 1, loadFrame(t, "kamstrup_multical"))
	m3 := newMeter(t, 3, loadFrame(t, "kamstrup_multical"))
	bus := testutil.NewFakeBus(m1, m3)
	s := newSession(t, bus)

	found, err := ScanPrimary(context.Background(), s, 0, 4)
	require.NoError(t, err)
	require.Equal(t, []address.Address{address.Primary(1), address.Primary(3)}, found)
	require.Len(t, bus.Written(), 5)
}

func TestSetPrimaryAddress(t *testing.T) {
	bus := testutil.NewFakeBus(newMeter(t, 1, loadFrame(t, "kamstrup_multical")))
	s := newSession(t, bus)

	require.NoError(t, SetPrimaryAddress(context.Background(), s, address.Primary(1), 7))
	res, err := Read(context.Background(), s, address.Primary(7), readOpts())
	require.NoError(t, err)
	require.Len(t, res.Rows, 4)

	sec, err := address.Parse(meterAddress)
	require.NoError(t, err)
	require.NoError(t, SetPrimaryAddress(context.Background(), s, sec, 9))
	require.Equal(t, byte(9), bus.Meters[0].Primary)

	err = SetPrimaryAddress(context.Background(), s, address.Primary(9), 251)
	require.ErrorIs(t, err, address.ErrInvalidAddress)
}

func TestResetApplication(t *testing.T) {
	first := loadFrame(t, "more_records")
	bus := testutil.NewFakeBus(newMeter(t, 1, first, loadFrame(t, "kamstrup_multical")))
	s := newSession(t, bus)

	res, err := Read(context.Background(), s, address.Primary(1), readOpts())
	require.NoError(t, err)
	require.Len(t, res.Frames, 2)

	require.NoError(t, ResetApplication(context.Background(), s, address.Primary(1)))
	written := bus.Written()
	require.Equal(t, byte(frame.CIApplicationReset), written[len(written)-1].CI)

	reply, err := s.SendRequest(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, first, reply, "readout restarts")

	err = ResetApplication(context.Background(), s, address.Primary(42))
	require.Error(t, err)
	var se *StageError
	require.ErrorAs(t, err, &se)
	require.Equal(t, StageResponse, se.Stage)
}
