package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"go.bug.st/serial"
)

// Channel is the byte stream to the bus.
type Channel interface {
	io.ReadWriteCloser
	// SetReadTimeout bounds every following Read. A Read that times out
	// returns 0 bytes and a nil error.
	SetReadTimeout(d time.Duration) error
	// ResetInput discards bytes received but not yet read.
	ResetInput() error
	SetBaudrate(baud int) error
}

// Dialer opens a Channel for cfg.
type Dialer interface {
	Dial(ctx context.Context, cfg ChannelConfig) (Channel, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, cfg ChannelConfig) (Channel, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, cfg ChannelConfig) (Channel, error) { return f(ctx, cfg) }

// DefaultDialer opens "tcp://host:port" devices over TCP and anything else
// as a serial port.
var DefaultDialer Dialer = DialerFunc(dial)

const tcpScheme = "tcp://"

func dial(ctx context.Context, cfg ChannelConfig) (Channel, error) {
	if strings.HasPrefix(cfg.Device, tcpScheme) {
		return dialTCP(ctx, strings.TrimPrefix(cfg.Device, tcpScheme))
	}
	return openSerial(cfg.Device, cfg.Baudrate)
}

// serialMode is the M-Bus character frame: 8 data bits, even parity, one
// stop bit.
func serialMode(baud int) *serial.Mode {
	return &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.EvenParity,
		StopBits: serial.OneStopBit,
	}
}

type serialChannel struct {
	serial.Port
}

func openSerial(device string, baud int) (Channel, error) {
	port, err := serial.Open(device, serialMode(baud))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", device, err)
	}
	if err := port.SetReadTimeout(DefaultTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", device, err)
	}
	return &serialChannel{Port: port}, nil
}

func (c *serialChannel) ResetInput() error { return c.Port.ResetInputBuffer() }

func (c *serialChannel) SetBaudrate(baud int) error { return c.Port.SetMode(serialMode(baud)) }

// tcpChannel talks to a transparent serial-to-TCP gateway. The baud rate
// is fixed on the gateway side.
type tcpChannel struct {
	conn    net.Conn
	timeout time.Duration
}

func dialTCP(ctx context.Context, addr string) (Channel, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &tcpChannel{conn: conn, timeout: DefaultTimeout}, nil
}

func (c *tcpChannel) Read(p []byte) (int, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	n, err := c.conn.Read(p)
	var ne net.Error
	if err != nil && errors.As(err, &ne) && ne.Timeout() {
		return n, nil
	}
	return n, err
}

func (c *tcpChannel) Write(p []byte) (int, error) { return c.conn.Write(p) }

func (c *tcpChannel) Close() error { return c.conn.Close() }

func (c *tcpChannel) SetReadTimeout(d time.Duration) error {
	c.timeout = d
	return nil
}

const drainTimeout = 10 * time.Millisecond

func (c *tcpChannel) ResetInput() error {
	saved := c.timeout
	defer func() { c.timeout = saved }()
	c.timeout = drainTimeout
	buf := make([]byte, 256)
	for {
		n, err := c.Read(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

func (c *tcpChannel) SetBaudrate(int) error { return nil }
