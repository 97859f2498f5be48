package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/d21d3q/gombus/internal/address"
	"github.com/d21d3q/gombus/internal/config"
	"github.com/d21d3q/gombus/internal/sink"
	_ "github.com/d21d3q/gombus/internal/sink/influx" // register sink
	_ "github.com/d21d3q/gombus/internal/sink/jsonl"  // register sink
	_ "github.com/d21d3q/gombus/internal/sink/mqtt"   // register sink
	_ "github.com/d21d3q/gombus/internal/sink/sqlite" // register sink
	"github.com/d21d3q/gombus/internal/transport"
	"github.com/d21d3q/gombus/pkg/mbus"
)

var (
	readCmd = &cobra.Command{
		Use:   "read [address...]",
		Short: "Read meters and emit one row per record",
		Long: "read polls each address (primary 0-250 or 16 hex digit secondary) and hands the rows to the enabled outputs. " +
			"Without arguments the meters from the configuration file are read.",
		RunE: runRead,
	}

	readFlags struct {
		outputs   []string
		maxFrames int
		alarm     bool
	}
)

func init() {
	readCmd.Flags().StringSliceVarP(&readFlags.outputs, "output", "o", nil,
		"outputs to use instead of the configured ones ("+strings.Join(sink.Names(), ", ")+")")
	readCmd.Flags().IntVar(&readFlags.maxFrames, "max-frames", 0, "continuation frames to follow per meter")
	readCmd.Flags().BoolVar(&readFlags.alarm, "alarm", false, "request class 1 (alarm) data with REQ_UD1 instead")
}

func runRead(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	addrs, err := readTargets(cfg, args)
	if err != nil {
		return err
	}
	if len(addrs) == 0 {
		return errors.New("no meters to read: pass addresses or list them under meters in the configuration")
	}
	keys, err := cfg.KeyRing()
	if err != nil {
		return err
	}

	names := readFlags.outputs
	if len(names) == 0 {
		names = sink.Enabled(cfg.Outputs)
	}
	outputs, err := sink.OpenAll(ctx, names, cfg.Outputs)
	if err != nil {
		return err
	}
	defer func() {
		if err := outputs.Close(); err != nil {
			log.WithError(err).Warn("closing outputs")
		}
	}()

	s, err := openSession(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer s.Disconnect()

	maxFrames := cfg.Bus.MaxFrames
	if readFlags.maxFrames > 0 {
		maxFrames = readFlags.maxFrames
	}
	opts := mbus.ReadOptions{MaxFrames: maxFrames, Keys: keys, Logger: log}

	var failed int
	for _, addr := range addrs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := readOne(ctx, s, addr, opts, outputs, log); err != nil {
			failed++
			log.WithError(err).WithField("address", addr.String()).Error("read failed")
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d meters failed", failed, len(addrs))
	}
	return nil
}

func readTargets(cfg *config.Config, args []string) ([]address.Address, error) {
	if len(args) == 0 {
		return cfg.Addresses()
	}
	out := make([]address.Address, 0, len(args))
	for _, arg := range args {
		a, err := address.Parse(arg)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func readOne(ctx context.Context, s *transport.Session, addr address.Address, opts mbus.ReadOptions, out sink.Sink, log logrus.FieldLogger) error {
	read := mbus.Read
	if readFlags.alarm {
		read = mbus.ReadAlarm
	}
	res, err := read(ctx, s, addr, opts)
	if err != nil {
		return err
	}
	b := sink.Batch{
		ReadID:   res.ReadID.String(),
		Address:  addr.String(),
		Complete: res.Complete,
		Rows:     res.Rows,
	}
	if res.Header.Long {
		b.Manufacturer = res.Header.ManufacturerCode()
		b.Medium = res.Header.Medium
	}
	log.WithFields(logrus.Fields{
		"address": addr.String(),
		"records": len(res.Rows),
		"frames":  len(res.Frames),
	}).Info("meter read")
	return out.Write(ctx, b)
}
