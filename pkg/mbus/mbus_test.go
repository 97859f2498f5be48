package mbus

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/d21d3q/gombus/internal/address"
	"github.com/d21d3q/gombus/internal/crypto"
	"github.com/d21d3q/gombus/internal/frame"
	internalopts "github.com/d21d3q/gombus/internal/options"
	"github.com/d21d3q/gombus/internal/records"
	"github.com/d21d3q/gombus/internal/testutil"
	"github.com/d21d3q/gombus/internal/transport"
)

const meterAddress = "123456782C2D0107"

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func loadFrame(t *testing.T, name string) *frame.Frame { return testutil.LoadFrame(t, name) }

func newSession(t *testing.T, bus *testutil.FakeBus) *transport.Session {
	t.Helper()
	dial := transport.DialerFunc(func(context.Context, transport.ChannelConfig) (transport.Channel, error) { return bus, nil })
	s, err := transport.Open(transport.ChannelConfig{Device: "fake", Timeout: 20 * time.Millisecond},
		transport.WithDialer(dial), transport.WithLogger(quietLogger()))
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { _ = s.Disconnect() })
	return s
}

func newMeter(t *testing.T, primary byte, responses ...*frame.Frame) *testutil.FakeMeter {
	t.Helper()
	sec, err := address.Parse(meterAddress)
	require.NoError(t, err)
	return &testutil.FakeMeter{Primary: primary, Secondary: sec, Responses: responses}
}

func readOpts() ReadOptions { return ReadOptions{Logger: quietLogger()} }

func TestReadPrimary(t *testing.T) {
	bus := testutil.NewFakeBus(newMeter(t, 1, loadFrame(t, "kamstrup_multical")))
	s := newSession(t, bus)

	res, err := Read(context.Background(), s, address.Primary(1), readOpts())
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, res.ReadID)
	require.True(t, res.Complete)
	require.Len(t, res.Frames, 1)
	require.Equal(t, "12345678", res.Header.IDString())
	require.Equal(t, "KAM", res.Header.ManufacturerCode())
	require.Equal(t, []byte{0x01, 0x02}, res.ManufacturerData)

	require.Len(t, res.Rows, 4)
	for i, row := range res.Rows {
		require.Equal(t, i+1, row.RecordIndex)
		require.Equal(t, "1", row.Address)
	}
	require.Equal(t, "1.000", res.Rows[0].Value)
	require.Equal(t, "Volume (m^3)", res.Rows[0].Unit)
	require.Equal(t, "10000", res.Rows[1].Value)
	require.Equal(t, "2010-05-27T14:30:00", res.Rows[2].Value)
	require.Equal(t, uint64(1), res.Rows[3].StorageNumber)

	fs := res.FieldSet()
	volume, err := fs.Float("volume")
	require.NoError(t, err)
	require.InDelta(t, 1.0, volume, 1e-9)
	stored, err := fs.Float("volume_storage1")
	require.NoError(t, err)
	require.InDelta(t, 2.0, stored, 1e-9)
	when, err := fs.String("time_point")
	require.NoError(t, err)
	require.Equal(t, "2010-05-27T14:30:00", when)
	_, err = fs.Float("time_point")
	require.Error(t, err)
}

func TestReadFollowsMoreRecords(t *testing.T) {
	bus := testutil.NewFakeBus(newMeter(t, 1, loadFrame(t, "more_records"), loadFrame(t, "kamstrup_multical")))
	s := newSession(t, bus)

	res, err := Read(context.Background(), s, address.Primary(1), readOpts())
	require.NoError(t, err)
	require.True(t, res.Complete)
	require.Len(t, res.Frames, 2)
	require.Len(t, res.Rows, 5)
	require.Equal(t, 5, res.Rows[4].RecordIndex)

	written := bus.Written()
	require.Len(t, written, 2)
	require.NotEqual(t, written[0].Control, written[1].Control, "frame count bit toggles")
}

func TestReadMaxFrames(t *testing.T) {
	bus := testutil.NewFakeBus(newMeter(t, 1, loadFrame(t, "more_records")))
	s := newSession(t, bus)

	opts := readOpts()
	opts.MaxFrames = 3
	res, err := Read(context.Background(), s, address.Primary(1), opts)
	require.NoError(t, err)
	require.False(t, res.Complete)
	require.Len(t, res.Frames, 3)
	require.Len(t, res.Rows, 3)
}

func TestReadSecondary(t *testing.T) {
	bus := testutil.NewFakeBus(newMeter(t, 0, loadFrame(t, "kamstrup_multical")))
	s := newSession(t, bus)

	addr, err := address.Parse(meterAddress)
	require.NoError(t, err)
	res, err := Read(context.Background(), s, addr, readOpts())
	require.NoError(t, err)
	require.Len(t, res.Rows, 4)
	require.Equal(t, meterAddress, res.Rows[0].Address)

	written := bus.Written()
	require.Equal(t, byte(frame.CISelectSlave), written[0].CI)
	require.Equal(t, address.NetworkLayer, written[1].Address)
}

func TestReadSecondaryMetersInTurn(t *testing.T) {
	a, err := address.Parse("11111111496A8804")
	require.NoError(t, err)
	b, err := address.Parse("22222222496A8804")
	require.NoError(t, err)
	volume := func(sec address.Address, lo, hi byte) *frame.Frame {
		return testutil.VariableResponse(0, sec, []byte{0x04, 0x13, lo, hi, 0x00, 0x00})
	}
	bus := testutil.NewFakeBus(
		&testutil.FakeMeter{Secondary: a, Responses: []*frame.Frame{volume(a, 0xE8, 0x03), volume(a, 0xD0, 0x07)}},
		&testutil.FakeMeter{Secondary: b, Responses: []*frame.Frame{volume(b, 0xB8, 0x0B)}},
	)
	s := newSession(t, bus)
	ctx := context.Background()

	var values []string
	for _, addr := range []address.Address{a, b, a} {
		res, err := Read(ctx, s, addr, readOpts())
		require.NoError(t, err)
		require.Len(t, res.Rows, 1)
		values = append(values, res.Rows[0].Value)
	}
	require.Equal(t, []string{"1.000", "3.000", "2.000"}, values, "second read of the first meter is fresh")
}

func TestReadAlarm(t *testing.T) {
	m := newMeter(t, 1, loadFrame(t, "kamstrup_multical"))
	bus := testutil.NewFakeBus(m)
	s := newSession(t, bus)

	res, err := ReadAlarm(context.Background(), s, address.Primary(1), readOpts())
	require.NoError(t, err)
	require.Empty(t, res.Frames)
	require.Empty(t, res.Rows)

	m.Alarm = loadFrame(t, "kamstrup_multical")
	sec, err := address.Parse(meterAddress)
	require.NoError(t, err)
	res, err = ReadAlarm(context.Background(), s, sec, readOpts())
	require.NoError(t, err)
	require.Len(t, res.Rows, 4)
	require.Equal(t, 1, res.Rows[0].RecordIndex)

	written := bus.Written()
	require.Equal(t, byte(frame.ControlReqUD1|frame.MaskFCB), written[len(written)-1].Control)
	require.Equal(t, address.NetworkLayer, written[len(written)-1].Address)
}

func TestReadStageErrors(t *testing.T) {
	missing, err := address.Parse("87654321FFFFFFFF")
	require.NoError(t, err)
	unknown, err := address.Parse("876543212C2D0107")
	require.NoError(t, err)

	for _, tc := range []struct {
		name   string
		addr   address.Address
		garble int
		stage  Stage
		want   error
	}{
		{name: "wildcard", addr: missing, stage: StageSelection, want: address.ErrInvalidAddress},
		{name: "not selected", addr: unknown, stage: StageSelection, want: transport.ErrSelectionFailed},
		{name: "silent", addr: address.Primary(9), stage: StageResponse, want: transport.ErrNoResponse},
		{name: "garbled", addr: address.Primary(1), garble: 100, stage: StageFraming, want: frame.ErrMalformedFrame},
	} {
		t.Run(tc.name, func(t *testing.T) {
			bus := testutil.NewFakeBus(newMeter(t, 1, loadFrame(t, "kamstrup_multical")))
			bus.Garble = tc.garble
			s := newSession(t, bus)

			_, err := Read(context.Background(), s, tc.addr, readOpts())
			require.ErrorIs(t, err, tc.want)
			var se *StageError
			require.True(t, errors.As(err, &se))
			require.Equal(t, tc.stage, se.Stage)
		})
	}
}

func encryptedFrame(t *testing.T, key []byte) *frame.Frame {
	t.Helper()
	header := []byte{0x78, 0x56, 0x34, 0x12, 0x2D, 0x2C, 0x01, 0x07, 0x2A, 0x00, 0x10, 0x05}
	enc, err := crypto.Encrypt(crypto.Params{
		Manufacturer:    0x2C2D,
		ID:              [4]byte{0x78, 0x56, 0x34, 0x12},
		Version:         0x01,
		Medium:          0x07,
		AccessNumber:    0x2A,
		SecurityMode:    5,
		EncryptedBlocks: 1,
	}, []byte{0x2F, 0x2F, 0x04, 0x13, 0xE8, 0x03, 0x00, 0x00}, key)
	require.NoError(t, err)
	return frame.NewLong(frame.ControlRspUD, 1, frame.CIVariableResponse, append(header, enc...))
}

func TestReadEncrypted(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 16)
	bus := testutil.NewFakeBus(newMeter(t, 1, encryptedFrame(t, key)))
	s := newSession(t, bus)

	_, err := Read(context.Background(), s, address.Primary(1), readOpts())
	require.ErrorIs(t, err, crypto.ErrKeyRequired)

	opts := readOpts()
	opts.Keys = internalopts.KeyRing{ByAddress: map[string][]byte{meterAddress: key}}
	res, err := Read(context.Background(), s, address.Primary(1), opts)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	require.Equal(t, "1.000", res.Rows[0].Value)
}

func TestReadCanceled(t *testing.T) {
	bus := testutil.NewFakeBus(newMeter(t, 1, loadFrame(t, "kamstrup_multical")))
	s := newSession(t, bus)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Read(ctx, s, address.Primary(1), readOpts())
	require.ErrorIs(t, err, context.Canceled)
}

func TestScan(t *testing.T) {
	bus := testutil.NewFakeBus(newMeter(t, 0, loadFrame(t, "kamstrup_multical")))
	s := newSession(t, bus)

	mask, err := address.Parse("FFFFFFFFFFFFFFFF")
	require.NoError(t, err)
	found, err := Scan(context.Background(), s, mask)
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, meterAddress, found[0].String())

	_, err = Scan(context.Background(), s, address.Primary(1))
	var se *StageError
	require.True(t, errors.As(err, &se))
	require.Equal(t, StageSelection, se.Stage)
}

func TestStageErrorMessage(t *testing.T) {
	err := &StageError{Stage: StageRecordDecode, Err: records.ErrTruncatedRecord}
	require.Equal(t, "record-decode: truncated record", err.Error())
	require.ErrorIs(t, err, records.ErrTruncatedRecord)
}
