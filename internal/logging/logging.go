// Package logging builds the logrus logger from the logging configuration.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/d21d3q/gombus/internal/config"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New returns a logger writing to cfg.Output. The closer releases a log file
// and is a no-op for stdout and stderr.
func New(cfg config.LoggingConfig) (*logrus.Logger, io.Closer, error) {
	var out io.Writer
	var closer io.Closer = nopCloser{}
	switch strings.ToLower(cfg.Output) {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out, closer = f, f
	}
	l, err := NewWithWriter(cfg, out)
	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}
	return l, closer, nil
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(cfg config.LoggingConfig, out io.Writer) (*logrus.Logger, error) {
	level := logrus.InfoLevel
	if cfg.Level != "" {
		var err error
		if level, err = logrus.ParseLevel(cfg.Level); err != nil {
			return nil, err
		}
	}
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(level)
	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l, nil
}
