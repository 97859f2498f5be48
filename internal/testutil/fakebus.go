package testutil

import (
	"errors"
	"sync"
	"time"

	"github.com/d21d3q/gombus/internal/address"
	"github.com/d21d3q/gombus/internal/frame"
)

// ErrClosed is returned by a FakeBus after Close.
var ErrClosed = errors.New("fake bus closed")

// FakeMeter is a slave on a FakeBus.
type FakeMeter struct {
	Primary   byte
	Secondary address.Address
	// Responses are served in order on REQ_UD2; the last one repeats.
	Responses []*frame.Frame
	// Alarm answers REQ_UD1; nil means no class 1 data (ACK).
	Alarm *frame.Frame

	selected bool
	next     int
	last     *frame.Frame
	lastFCB  *bool
}

func (m *FakeMeter) reset() {
	m.next = 0
	m.last = nil
	m.lastFCB = nil
}

// respond serves the next frame, or repeats the previous one when the frame
// count bit did not toggle.
func (m *FakeMeter) respond(fcb bool) *frame.Frame {
	if m.last != nil && m.lastFCB != nil && *m.lastFCB == fcb {
		return m.last
	}
	if len(m.Responses) == 0 {
		return nil
	}
	i := m.next
	if i >= len(m.Responses) {
		i = len(m.Responses) - 1
	}
	m.next++
	m.last = m.Responses[i]
	m.lastFCB = &fcb
	return m.last
}

// FakeBus is an in-memory channel with scripted slaves. It is safe for use
// by one session at a time.
type FakeBus struct {
	mu sync.Mutex

	Meters []*FakeMeter
	// Handler, when set, sees every request first. Returning ok=true sends
	// reply verbatim (nil for silence) and skips the meters.
	Handler func(req *frame.Frame) (reply []byte, ok bool)
	// Drop silences the next Drop requests.
	Drop int
	// Garble corrupts the checksum of the next Garble replies.
	Garble int

	written  []*frame.Frame
	pending  []byte
	timeout  time.Duration
	closed   bool
	baudrate int
	resets   int
}

// NewFakeBus returns a bus with the given meters.
func NewFakeBus(meters ...*FakeMeter) *FakeBus {
	return &FakeBus{Meters: meters, timeout: 10 * time.Millisecond}
}

// Written returns the decoded requests in order.
func (b *FakeBus) Written() []*frame.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*frame.Frame(nil), b.written...)
}

// Closed reports whether Close was called.
func (b *FakeBus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Baudrate returns the last rate set through SetBaudrate.
func (b *FakeBus) Baudrate() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.baudrate
}

// InputResets counts ResetInput calls.
func (b *FakeBus) InputResets() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resets
}

// Read returns pending reply bytes. An empty bus waits for the read timeout
// and returns 0 bytes, like a serial port.
func (b *FakeBus) Read(p []byte) (int, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, ErrClosed
	}
	if len(b.pending) == 0 {
		d := b.timeout
		b.mu.Unlock()
		time.Sleep(d)
		return 0, nil
	}
	n := copy(p, b.pending)
	b.pending = b.pending[n:]
	b.mu.Unlock()
	return n, nil
}

// Write decodes one request and queues the reply of the addressed slaves.
func (b *FakeBus) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	req, err := frame.Decode(p)
	if err != nil {
		return 0, err
	}
	b.written = append(b.written, req)
	if b.Drop > 0 {
		b.Drop--
		return len(p), nil
	}
	if b.Handler != nil {
		if r, ok := b.Handler(req); ok {
			b.pending = append(b.pending, r...)
			return len(p), nil
		}
	}
	reply := b.dispatch(req)
	if len(reply) > 1 && b.Garble > 0 {
		b.Garble--
		reply = append([]byte(nil), reply...)
		reply[len(reply)-2] ^= 0xFF
	}
	b.pending = append(b.pending, reply...)
	return len(p), nil
}

var ack = []byte{frame.AckByte}

func (b *FakeBus) dispatch(req *frame.Frame) []byte {
	switch {
	case req.Kind == frame.KindShort && req.Control == frame.ControlSndNKE:
		return b.sndNKE(req.Address)
	case req.Kind == frame.KindLong && req.CI == frame.CISelectSlave && req.Address == address.NetworkLayer:
		return b.selectSlave(req.Payload)
	case req.Kind == frame.KindShort && req.Control&^frame.MaskFCB == frame.ControlReqUD2:
		m := b.target(req.Address)
		if m == nil {
			return nil
		}
		return encode(m.respond(req.Control&frame.MaskFCB != 0))
	case req.Kind == frame.KindShort && req.Control&^frame.MaskFCB == frame.ControlReqUD1:
		m := b.target(req.Address)
		switch {
		case m == nil:
			return nil
		case m.Alarm == nil:
			return ack
		}
		return encode(m.Alarm)
	case req.Kind == frame.KindLong && req.Control == frame.ControlSndUD:
		if m := b.target(req.Address); m != nil {
			if req.CI == frame.CIDataSend && len(req.Payload) == 3 && req.Payload[1] == 0x7A {
				m.Primary = req.Payload[2]
			}
			return ack
		}
	case req.Kind == frame.KindControl && req.CI == frame.CIApplicationReset:
		if m := b.target(req.Address); m != nil {
			m.reset()
			return ack
		}
	}
	return nil
}

func (b *FakeBus) sndNKE(addr byte) []byte {
	switch addr {
	case address.NetworkLayer:
		var wasSelected bool
		for _, m := range b.Meters {
			wasSelected = wasSelected || m.selected
			m.selected = false
		}
		if wasSelected {
			return ack
		}
		return nil
	case address.Broadcast, address.BroadcastReply:
		for _, m := range b.Meters {
			m.reset()
		}
		if addr == address.BroadcastReply && len(b.Meters) > 0 {
			return ack
		}
		return nil
	}
	if m := b.target(addr); m != nil {
		m.reset()
		return ack
	}
	return nil
}

func (b *FakeBus) selectSlave(payload []byte) []byte {
	if len(payload) != 8 {
		return nil
	}
	var mask [8]byte
	copy(mask[:], payload)
	want := address.Secondary(mask)
	n := 0
	for _, m := range b.Meters {
		m.selected = m.Secondary.IsSecondaryAddress() && m.Secondary.Matches(want)
		if m.selected {
			n++
		}
	}
	switch n {
	case 0:
		return nil
	case 1:
		return ack
	default:
		// Overlapping acknowledges from several slaves.
		return []byte{0xE7}
	}
}

// target returns the slave addressed by addr. The network layer address
// reaches the single selected slave.
func (b *FakeBus) target(addr byte) *FakeMeter {
	if addr == address.NetworkLayer {
		var sel *FakeMeter
		for _, m := range b.Meters {
			if m.selected {
				if sel != nil {
					return nil
				}
				sel = m
			}
		}
		return sel
	}
	for _, m := range b.Meters {
		if m.Primary == addr {
			return m
		}
	}
	return nil
}

func encode(f *frame.Frame) []byte {
	if f == nil {
		return nil
	}
	out, err := frame.Encode(f)
	if err != nil {
		return nil
	}
	return out
}

// Close marks the bus closed; Read and Write fail afterwards.
func (b *FakeBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// SetReadTimeout sets how long an empty Read blocks.
func (b *FakeBus) SetReadTimeout(d time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timeout = d
	return nil
}

// ResetInput drops pending reply bytes.
func (b *FakeBus) ResetInput() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = nil
	b.resets++
	return nil
}

// SetBaudrate records the rate.
func (b *FakeBus) SetBaudrate(baud int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.baudrate = baud
	return nil
}

// VariableResponse builds an RSP_UD long frame (CI 0x72) whose header
// identifies sec, followed by the record bytes.
func VariableResponse(primary byte, sec address.Address, records ...[]byte) *frame.Frame {
	id := sec.Bytes()
	payload := append([]byte(nil), id[:]...)
	payload = append(payload, 0x01, 0x00, 0x00, 0x00)
	for _, r := range records {
		payload = append(payload, r...)
	}
	return frame.NewLong(frame.ControlRspUD, primary, frame.CIVariableResponse, payload)
}
