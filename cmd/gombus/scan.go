package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/d21d3q/gombus/internal/address"
	"github.com/d21d3q/gombus/pkg/mbus"
)

var (
	scanCmd = &cobra.Command{
		Use:   "scan [mask]",
		Short: "Find meters on the bus",
		Long: "scan enumerates secondary addresses below mask (default FFFFFFFFFFFFFFFF) using wildcard selection. " +
			"With --primary it pings primary addresses instead.",
		Args: cobra.MaximumNArgs(1),
		RunE: runScan,
	}

	scanFlags struct {
		primary bool
		from    uint8
		to      uint8
	}
)

func init() {
	scanCmd.Flags().BoolVar(&scanFlags.primary, "primary", false, "ping primary addresses with SND_NKE")
	scanCmd.Flags().Uint8Var(&scanFlags.from, "from", 0, "first primary address")
	scanCmd.Flags().Uint8Var(&scanFlags.to, "to", address.MaxPrimary, "last primary address")
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	s, err := openSession(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer s.Disconnect()

	var found []address.Address
	if scanFlags.primary {
		if len(args) > 0 {
			return fmt.Errorf("mask %q cannot be combined with --primary", args[0])
		}
		found, err = mbus.ScanPrimary(ctx, s, scanFlags.from, scanFlags.to)
	} else {
		text := "FFFFFFFFFFFFFFFF"
		if len(args) > 0 {
			text = args[0]
		}
		mask, perr := address.Parse(text)
		if perr != nil {
			return perr
		}
		found, err = mbus.Scan(ctx, s, mask)
	}
	for _, a := range found {
		fmt.Fprintln(os.Stdout, a.String())
	}
	log.WithField("found", len(found)).Info("scan finished")
	return err
}
