// Package jsonl writes rows as JSON lines.
package jsonl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/d21d3q/gombus/internal/config"
	"github.com/d21d3q/gombus/internal/records"
	"github.com/d21d3q/gombus/internal/sink"
)

func init() {
	sink.Register("json", func(_ context.Context, cfg config.OutputsConfig) (sink.Sink, error) {
		return Open(cfg.JSON)
	})
}

// line is one output record.
type line struct {
	ReadID   string `json:"read_id"`
	Complete bool   `json:"complete"`
	records.Row
}

// Sink encodes every row of a batch on its own line.
type Sink struct {
	enc    *json.Encoder
	closer io.Closer
}

// Open appends to cfg.Path, or writes to stdout for "" and "-".
func Open(cfg config.JSONConfig) (*Sink, error) {
	if cfg.Path == "" || cfg.Path == "-" {
		return New(os.Stdout), nil
	}
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Path, err)
	}
	s := New(f)
	s.closer = f
	return s, nil
}

// New writes to w; Close leaves w open.
func New(w io.Writer) *Sink {
	return &Sink{enc: json.NewEncoder(w)}
}

func (s *Sink) Name() string { return "json" }

func (s *Sink) Write(_ context.Context, b sink.Batch) error {
	for _, row := range b.Rows {
		if err := s.enc.Encode(line{ReadID: b.ReadID, Complete: b.Complete, Row: row}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Close() error {
	if s.closer == nil {
		return nil
	}
	err := s.closer.Close()
	s.closer = nil
	return err
}
