// Package sink delivers decoded readings to outputs. Output packages register
// a Factory under their name from init, like database/sql drivers.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/d21d3q/gombus/internal/config"
	"github.com/d21d3q/gombus/internal/records"
)

// ErrUnknownSink is returned by Open for names nobody registered.
var ErrUnknownSink = errors.New("unknown sink")

// Batch is one reading of one meter.
type Batch struct {
	ReadID       string
	Address      string
	Manufacturer string
	Medium       byte
	Complete     bool
	Rows         []records.Row
}

// Sink consumes batches.
type Sink interface {
	Name() string
	Write(ctx context.Context, b Batch) error
	Close() error
}

// Factory opens a sink from the outputs section.
type Factory func(ctx context.Context, cfg config.OutputsConfig) (Sink, error)

var (
	regMu    sync.RWMutex
	registry = make(map[string]Factory)
)

// Register stores a factory under name, replacing an earlier one.
func Register(name string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	registry[name] = f
}

// Names lists the registered sinks in sorted order.
func Names() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Open builds the sink registered as name.
func Open(ctx context.Context, name string, cfg config.OutputsConfig) (Sink, error) {
	regMu.RLock()
	f, ok := registry[name]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSink, name)
	}
	s, err := f(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s sink: %w", name, err)
	}
	return s, nil
}

// Enabled returns the names of the outputs switched on in cfg.
func Enabled(cfg config.OutputsConfig) []string {
	var out []string
	if cfg.JSON.Enabled {
		out = append(out, "json")
	}
	if cfg.MQTT.Enabled {
		out = append(out, "mqtt")
	}
	if cfg.InfluxDB.Enabled {
		out = append(out, "influxdb")
	}
	if cfg.SQLite.Enabled {
		out = append(out, "sqlite")
	}
	return out
}

// Multi fans a batch out to several sinks.
type Multi struct {
	sinks []Sink
}

// OpenAll opens every named sink. On failure the ones already open are
// closed again.
func OpenAll(ctx context.Context, names []string, cfg config.OutputsConfig) (*Multi, error) {
	m := &Multi{}
	for _, name := range names {
		s, err := Open(ctx, name, cfg)
		if err != nil {
			_ = m.Close()
			return nil, err
		}
		m.sinks = append(m.sinks, s)
	}
	return m, nil
}

// NewMulti wraps already open sinks.
func NewMulti(sinks ...Sink) *Multi { return &Multi{sinks: sinks} }

// Name joins the member names.
func (m *Multi) Name() string {
	name := "multi("
	for i, s := range m.sinks {
		if i > 0 {
			name += ","
		}
		name += s.Name()
	}
	return name + ")"
}

// Len returns the number of member sinks.
func (m *Multi) Len() int { return len(m.sinks) }

// Write hands b to every sink, returning the joined errors.
func (m *Multi) Write(ctx context.Context, b Batch) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Write(ctx, b); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close closes the sinks in reverse order of opening.
func (m *Multi) Close() error {
	var errs []error
	for i := len(m.sinks) - 1; i >= 0; i-- {
		if err := m.sinks[i].Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.sinks[i].Name(), err))
		}
	}
	m.sinks = nil
	return errors.Join(errs...)
}
