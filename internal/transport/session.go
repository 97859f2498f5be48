// Package transport runs request/response exchanges on a half-duplex M-Bus
// channel.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/d21d3q/gombus/internal/address"
	"github.com/d21d3q/gombus/internal/frame"
)

const (
	// DefaultTimeout is the response timeout counted from the end of the
	// request transmission.
	DefaultTimeout = 500 * time.Millisecond
	// DefaultRetries is the number of retransmissions after a failed attempt.
	DefaultRetries = 3
	// DefaultBaudrate is the usual M-Bus line speed.
	DefaultBaudrate = 2400
	// BitsPerChar covers start, 8 data, parity and stop bits.
	BitsPerChar = 11
)

var validBaudrates = map[int]bool{
	300: true, 600: true, 1200: true, 2400: true,
	4800: true, 9600: true, 19200: true, 38400: true,
}

// ChannelConfig describes how to reach the bus.
type ChannelConfig struct {
	// Device is a serial device path or "tcp://host:port".
	Device   string
	Baudrate int
	// Timeout is the response timeout per attempt.
	Timeout time.Duration
	// Retries is the number of retransmissions after the first attempt.
	Retries int
}

// Validate checks cfg, filling in defaults for zero values.
func (cfg *ChannelConfig) Validate() error {
	if cfg.Device == "" {
		return fmt.Errorf("%w: device is required", ErrInvalidConfig)
	}
	if cfg.Baudrate == 0 {
		cfg.Baudrate = DefaultBaudrate
	}
	if !validBaudrates[cfg.Baudrate] {
		return fmt.Errorf("%w: unsupported baud rate %d", ErrInvalidConfig, cfg.Baudrate)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Timeout < 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidConfig)
	}
	if cfg.Retries < 0 {
		return fmt.Errorf("%w: retries must not be negative", ErrInvalidConfig)
	}
	return nil
}

// BusTime is the time it takes to transmit n characters at baud.
func BusTime(baud, n int) time.Duration {
	if baud <= 0 {
		baud = DefaultBaudrate
	}
	return time.Duration(uint64(n) * BitsPerChar * uint64(time.Second) / uint64(baud))
}

// Session owns one channel. It allows a single outstanding exchange and is
// not safe for concurrent use: callers sharing a bus serialize externally.
type Session struct {
	cfg    ChannelConfig
	dialer Dialer
	log    logrus.FieldLogger

	ch   Channel
	last *frame.Frame
	// fcb holds the frame count bit for the next request per slave. Slaves
	// reached through the network layer are keyed by their secondary address.
	fcb map[address.Address]bool
	// selected is the secondary address last selected, if any.
	selected *address.Address
}

// Option customises a Session.
type Option func(*Session)

// WithDialer replaces DefaultDialer.
func WithDialer(d Dialer) Option { return func(s *Session) { s.dialer = d } }

// WithLogger sets the logger used for exchange tracing.
func WithLogger(l logrus.FieldLogger) Option { return func(s *Session) { s.log = l } }

// Open validates cfg and returns an unconnected session.
func Open(cfg ChannelConfig, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		cfg:    cfg,
		dialer: DefaultDialer,
		log:    logrus.StandardLogger(),
		fcb:    make(map[address.Address]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("device", cfg.Device)
	return s, nil
}

// Config returns the validated channel settings.
func (s *Session) Config() ChannelConfig { return s.cfg }

// Baudrate returns the current line speed.
func (s *Session) Baudrate() int { return s.cfg.Baudrate }

// LastFrame returns the last frame received, or nil.
func (s *Session) LastFrame() *frame.Frame { return s.last }

// Connected reports whether the channel is open.
func (s *Session) Connected() bool { return s.ch != nil }

// Connect opens the channel. Connecting twice is a no-op.
func (s *Session) Connect(ctx context.Context) error {
	if s.ch != nil {
		return nil
	}
	ch, err := s.dialer.Dial(ctx, s.cfg)
	if err != nil {
		return wrapIO(err)
	}
	s.ch = ch
	s.log.WithField("baudrate", s.cfg.Baudrate).Debug("channel connected")
	return nil
}

// Disconnect releases the channel. It is safe to call more than once.
func (s *Session) Disconnect() error {
	if s.ch == nil {
		return nil
	}
	err := s.ch.Close()
	s.ch = nil
	s.log.Debug("channel disconnected")
	if err != nil {
		return wrapIO(err)
	}
	return nil
}

// SetBaudrate changes the line speed, reconfiguring an open channel.
func (s *Session) SetBaudrate(baud int) error {
	if !validBaudrates[baud] {
		return fmt.Errorf("%w: unsupported baud rate %d", ErrInvalidConfig, baud)
	}
	if s.ch != nil {
		if err := s.ch.SetBaudrate(baud); err != nil {
			return wrapIO(err)
		}
	}
	s.cfg.Baudrate = baud
	return nil
}

// Send writes one encoded frame.
func (s *Session) Send(ctx context.Context, f *frame.Frame) error {
	if s.ch == nil {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := frame.Encode(f)
	if err != nil {
		return err
	}
	s.log.WithField("frame", f.String()).Debugf("send % X", b)
	if _, err := s.ch.Write(b); err != nil {
		return wrapIO(err)
	}
	return nil
}

// Receive reads one frame within the response timeout. A silent bus yields
// ErrNoResponse; bytes that do not form a frame yield an error wrapping
// frame.ErrMalformedFrame.
func (s *Session) Receive(ctx context.Context) (*frame.Frame, error) {
	return s.receive(ctx, s.cfg.Timeout)
}

func (s *Session) receive(ctx context.Context, timeout time.Duration) (*frame.Frame, error) {
	if s.ch == nil {
		return nil, ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, frame.MaxSize)
	deadline := time.Now().Add(timeout)
	for {
		need, err := frame.Remaining(buf)
		if err != nil {
			s.log.Debugf("discard % X", buf)
			return nil, err
		}
		if need <= 0 {
			break
		}
		left := time.Until(deadline)
		if left <= 0 {
			if len(buf) == 0 {
				return nil, ErrNoResponse
			}
			return nil, fmt.Errorf("%w: incomplete frame after %d bytes", frame.ErrMalformedFrame, len(buf))
		}
		if err := s.ch.SetReadTimeout(left); err != nil {
			return nil, wrapIO(err)
		}
		n, err := s.ch.Read(buf[len(buf) : len(buf)+need])
		if err != nil {
			return nil, wrapIO(err)
		}
		if n > 0 {
			buf = buf[:len(buf)+n]
			// A started frame gets the time to transmit the rest.
			if more, err := frame.Remaining(buf); err == nil && more > 0 {
				deadline = time.Now().Add(timeout + BusTime(s.cfg.Baudrate, more))
			}
		}
	}
	f, err := frame.Decode(buf)
	if err != nil {
		return nil, err
	}
	s.log.WithField("frame", f.String()).Debugf("recv % X", buf)
	s.last = f
	return f, nil
}

// Exchange sends req and waits for the reply, retransmitting up to Retries
// times. Requests to the broadcast address return (nil, nil) without
// waiting. Frame errors end in ErrCorruptResponse, silence in ErrNoResponse.
func (s *Session) Exchange(ctx context.Context, req *frame.Frame) (*frame.Frame, error) {
	return s.exchange(ctx, req, s.cfg.Retries)
}

func (s *Session) exchange(ctx context.Context, req *frame.Frame, retries int) (*frame.Frame, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempt > 0 {
			s.log.WithFields(logrus.Fields{
				"attempt": attempt + 1,
				"address": req.Address,
			}).WithError(lastErr).Warn("retrying exchange")
			if err := s.ch.ResetInput(); err != nil {
				return nil, wrapIO(err)
			}
		}
		if err := s.Send(ctx, req); err != nil {
			return nil, err
		}
		if req.Address == frame.AddressBroadcast {
			return nil, nil
		}
		wait := s.cfg.Timeout + BusTime(s.cfg.Baudrate, encodedLen(req))
		reply, err := s.receive(ctx, wait)
		if err == nil {
			return reply, nil
		}
		var ioErr *IOError
		if errors.As(err, &ioErr) || errors.Is(err, ErrNotConnected) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
	}
	if errors.Is(lastErr, frame.ErrMalformedFrame) {
		return nil, corrupt(lastErr)
	}
	return nil, lastErr
}

func encodedLen(f *frame.Frame) int {
	switch f.Kind {
	case frame.KindAck:
		return 1
	case frame.KindShort:
		return frame.ShortSize
	default:
		return frame.LongHeaderSize + f.Length() + 2
	}
}

// SendRequest sends REQ_UD2 to addr and returns the RSP_UD long frame. The
// frame count bit toggles after every answered request so a retransmission
// asks the slave to repeat its last reply.
func (s *Session) SendRequest(ctx context.Context, addr byte) (*frame.Frame, error) {
	return s.request(ctx, addr, frame.ReqUD2, func(reply *frame.Frame) (*frame.Frame, error) {
		if reply == nil || !reply.IsResponse() {
			return nil, corrupt(fmt.Errorf("expected RSP_UD long frame, got %s", describe(reply)))
		}
		return reply, nil
	})
}

// SendAlarmRequest sends REQ_UD1 to addr. A slave without class 1 data
// answers with an ACK, reported as a nil frame.
func (s *Session) SendAlarmRequest(ctx context.Context, addr byte) (*frame.Frame, error) {
	return s.request(ctx, addr, frame.ReqUD1, func(reply *frame.Frame) (*frame.Frame, error) {
		switch {
		case reply != nil && reply.Kind == frame.KindAck:
			return nil, nil
		case reply == nil || !reply.IsResponse():
			return nil, corrupt(fmt.Errorf("expected RSP_UD or ACK, got %s", describe(reply)))
		}
		return reply, nil
	})
}

// request runs one FCB-carrying exchange. The bit toggles only when accept
// takes the reply.
func (s *Session) request(ctx context.Context, addr byte, build func(addr byte, fcb bool) *frame.Frame, accept func(*frame.Frame) (*frame.Frame, error)) (*frame.Frame, error) {
	key := s.fcbKey(addr)
	fcb, ok := s.fcb[key]
	if !ok {
		fcb = true
	}
	reply, err := s.Exchange(ctx, build(addr, fcb))
	if err != nil {
		return nil, err
	}
	out, err := accept(reply)
	if err != nil {
		return nil, err
	}
	s.fcb[key] = !fcb
	return out, nil
}

func (s *Session) fcbKey(addr byte) address.Address {
	if addr == address.NetworkLayer && s.selected != nil {
		return *s.selected
	}
	return address.Primary(addr)
}

// setSelected records the slave now answering on the network layer address.
func (s *Session) setSelected(a *address.Address) { s.selected = a }

// rekeySelected moves the frame count state of the current selection to a,
// the concrete address of the slave learned from its reply.
func (s *Session) rekeySelected(a address.Address) {
	if s.selected == nil || *s.selected == a {
		return
	}
	if fcb, ok := s.fcb[*s.selected]; ok {
		s.fcb[a] = fcb
		delete(s.fcb, *s.selected)
	}
	s.selected = &a
}

// Reset sends SND_NKE and waits for the acknowledge. The broadcast form is
// sent without waiting. Either way the frame count bit of addr restarts; a
// reset of the network layer address also ends the selection.
func (s *Session) Reset(ctx context.Context, addr byte) error {
	reply, err := s.Exchange(ctx, frame.SndNKE(addr))
	if err != nil {
		return err
	}
	if addr == frame.AddressBroadcast {
		for k := range s.fcb {
			delete(s.fcb, k)
		}
		s.selected = nil
		return nil
	}
	if reply.Kind != frame.KindAck {
		return corrupt(fmt.Errorf("expected ACK, got %s", describe(reply)))
	}
	delete(s.fcb, s.fcbKey(addr))
	if addr == address.NetworkLayer {
		s.selected = nil
	}
	return nil
}

func describe(f *frame.Frame) string {
	if f == nil {
		return "nothing"
	}
	return f.String()
}
