package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/d21d3q/gombus/pkg/mbus"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze [hex]",
	Short: "Decode a captured M-Bus frame",
	Long:  "analyze decodes a hex frame offline. Without an argument it reads frames from stdin, one per line.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := mbus.AnalyzeOptions{KeyHex: flags.key}
		ctx := cmd.Context()
		if len(args) == 0 {
			return runInteractive(ctx, opts)
		}
		return runAnalyze(ctx, opts, args[0])
	},
}

func runInteractive(ctx context.Context, opts mbus.AnalyzeOptions) error {
	scanner := bufio.NewScanner(os.Stdin)
	logrus.Info("gombus analyze mode. Paste a hex frame and press Enter (Ctrl+D to exit).")
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := runAnalyze(ctx, opts, line); err != nil {
			logrus.WithError(err).Error("failed to decode frame")
		}
	}
	return scanner.Err()
}

func runAnalyze(ctx context.Context, opts mbus.AnalyzeOptions, hex string) error {
	result, err := mbus.AnalyzeHex(ctx, hex, opts)
	if err != nil {
		return err
	}
	fmt.Println(result.String())
	return nil
}
