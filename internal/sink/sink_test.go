package sink

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/d21d3q/gombus/internal/config"
)

type recorder struct {
	name    string
	log     *[]string
	failing bool
	batches []Batch
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) Write(_ context.Context, b Batch) error {
	if r.failing {
		return errors.New("broken")
	}
	r.batches = append(r.batches, b)
	return nil
}

func (r *recorder) Close() error {
	*r.log = append(*r.log, r.name)
	return nil
}

func TestRegistry(t *testing.T) {
	var closed []string
	Register("test-a", func(context.Context, config.OutputsConfig) (Sink, error) {
		return &recorder{name: "test-a", log: &closed}, nil
	})
	Register("test-broken", func(context.Context, config.OutputsConfig) (Sink, error) {
		return nil, errors.New("no broker")
	})
	require.Contains(t, Names(), "test-a")

	s, err := Open(context.Background(), "test-a", config.OutputsConfig{})
	require.NoError(t, err)
	require.Equal(t, "test-a", s.Name())

	_, err = Open(context.Background(), "nope", config.OutputsConfig{})
	require.ErrorIs(t, err, ErrUnknownSink)

	_, err = OpenAll(context.Background(), []string{"test-a", "test-broken"}, config.OutputsConfig{})
	require.Error(t, err)
	require.Equal(t, []string{"test-a"}, closed, "opened sinks are closed on failure")
}

func TestMultiClosesInReverse(t *testing.T) {
	var closed []string
	a := &recorder{name: "a", log: &closed}
	b := &recorder{name: "b", log: &closed, failing: true}
	c := &recorder{name: "c", log: &closed}
	m := NewMulti(a, b, c)
	require.Equal(t, "multi(a,b,c)", m.Name())
	require.Equal(t, 3, m.Len())

	err := m.Write(context.Background(), Batch{ReadID: "r1"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "b: broken")
	require.Len(t, a.batches, 1)
	require.Len(t, c.batches, 1)

	require.NoError(t, m.Close())
	require.Equal(t, []string{"c", "b", "a"}, closed)
}

func TestEnabled(t *testing.T) {
	cfg := config.Default().Outputs
	require.Equal(t, []string{"json"}, Enabled(cfg))
	cfg.SQLite.Enabled = true
	cfg.MQTT.Enabled = true
	require.Equal(t, []string{"json", "mqtt", "sqlite"}, Enabled(cfg))
}
