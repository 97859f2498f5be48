package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/d21d3q/gombus/internal/address"
	"github.com/d21d3q/gombus/internal/transport"
	"github.com/d21d3q/gombus/pkg/mbus"
)

var (
	setAddressCmd = &cobra.Command{
		Use:   "set-address <address> <new-primary>",
		Short: "Change a meter's primary address",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := address.Parse(args[0])
			if err != nil {
				return err
			}
			n, err := strconv.ParseUint(args[1], 10, 8)
			if err != nil {
				return fmt.Errorf("%w: %q", address.ErrInvalidAddress, args[1])
			}
			return withSession(cmd, func(s *transport.Session) error {
				return mbus.SetPrimaryAddress(cmd.Context(), s, addr, byte(n))
			})
		},
	}

	resetCmd = &cobra.Command{
		Use:   "reset <address>",
		Short: "Send an application reset so the next read starts over",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := address.Parse(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd, func(s *transport.Session) error {
				return mbus.ResetApplication(cmd.Context(), s, addr)
			})
		},
	}
)

func withSession(cmd *cobra.Command, fn func(s *transport.Session) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	s, err := openSession(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer s.Disconnect()
	return fn(s)
}
