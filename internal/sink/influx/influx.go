// Package influx writes numeric rows to InfluxDB 2.x as points.
package influx

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/d21d3q/gombus/internal/config"
	"github.com/d21d3q/gombus/internal/records"
	"github.com/d21d3q/gombus/internal/sink"
)

// ErrConnectionFailed is returned when the server does not answer a ping.
var ErrConnectionFailed = errors.New("influxdb: connection failed")

const pingTimeout = 5 * time.Second

func init() {
	sink.Register("influxdb", func(ctx context.Context, cfg config.OutputsConfig) (sink.Sink, error) {
		return Connect(ctx, cfg.InfluxDB)
	})
}

// pointWriter is the part of api.WriteAPIBlocking the sink uses.
type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Sink writes one point per row.
type Sink struct {
	client      influxdb2.Client
	writer      pointWriter
	measurement string
}

// Connect creates the client and checks the server is healthy.
func Connect(ctx context.Context, cfg config.InfluxDBConfig) (*Sink, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}
	s := newSink(client.WriteAPIBlocking(cfg.Org, cfg.Bucket), cfg.Measurement)
	s.client = client
	return s, nil
}

func newSink(w pointWriter, measurement string) *Sink {
	if measurement == "" {
		measurement = "mbus"
	}
	return &Sink{writer: w, measurement: measurement}
}

func (s *Sink) Name() string { return "influxdb" }

// Write sends one point per row. Numeric rows set "value", the others "text".
func (s *Sink) Write(ctx context.Context, b sink.Batch) error {
	points := make([]*write.Point, 0, len(b.Rows))
	for _, row := range b.Rows {
		points = append(points, s.point(b, row))
	}
	if len(points) == 0 {
		return nil
	}
	return s.writer.WritePoint(ctx, points...)
}

func (s *Sink) point(b sink.Batch, row records.Row) *write.Point {
	tags := map[string]string{
		"address":  row.Address,
		"unit":     row.Unit,
		"function": row.Function,
		"storage":  strconv.FormatUint(row.StorageNumber, 10),
		"tariff":   strconv.Itoa(row.Tariff),
		"device":   strconv.Itoa(row.Device),
	}
	if b.Manufacturer != "" {
		tags["manufacturer"] = b.Manufacturer
	}
	fields := map[string]interface{}{
		"record_index": row.RecordIndex,
	}
	if row.Numeric {
		fields["value"] = row.Float
	} else {
		fields["text"] = row.Value
	}
	ts := row.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return write.NewPoint(s.measurement, tags, fields, ts)
}

func (s *Sink) Close() error {
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
	return nil
}
