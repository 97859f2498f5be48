package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/d21d3q/gombus/internal/config"
	"github.com/d21d3q/gombus/internal/logging"
	"github.com/d21d3q/gombus/internal/transport"
)

var (
	rootCmd = &cobra.Command{
		Use:   "gombus",
		Short: "Read wired M-Bus meters",
		Long:  "gombus polls wired M-Bus (EN 13757) meters through a serial or TCP level converter and decodes their variable data records.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging()
		},
		SilenceUsage: true,
	}

	flags struct {
		config   string
		device   string
		baudrate int
		timeout  time.Duration
		retries  int
		logLevel string
		key      string
	}

	logCloser io.Closer
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.config, "config", "c", "", "YAML configuration file")
	pf.StringVarP(&flags.device, "device", "d", "", "serial device or tcp://host:port")
	pf.IntVarP(&flags.baudrate, "baudrate", "b", 0, "line speed (300-38400)")
	pf.DurationVar(&flags.timeout, "timeout", 0, "response timeout per attempt")
	pf.IntVar(&flags.retries, "retries", -1, "retransmissions after a failed attempt")
	pf.StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error")
	pf.StringVar(&flags.key, "key", "", "hex-encoded 16-byte AES key (32 hex chars)")

	rootCmd.AddCommand(readCmd, scanCmd, analyzeCmd, setAddressCmd, resetCmd)
}

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if err := run(); err != nil {
		logrus.Fatal(err)
	}
}

// run executes the command line and closes the log file a command opened,
// on success and failure alike.
func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer closeLog()
	return rootCmd.ExecuteContext(ctx)
}

func closeLog() {
	if logCloser != nil {
		_ = logCloser.Close()
		logCloser = nil
	}
}

// overrides applies the command line on top of file and environment.
func overrides(c *config.Config) {
	if flags.device != "" {
		c.Bus.Device = flags.device
	}
	if flags.baudrate != 0 {
		c.Bus.Baudrate = flags.baudrate
	}
	if flags.timeout != 0 {
		c.Bus.Timeout = flags.timeout
	}
	if flags.retries >= 0 {
		c.Bus.Retries = flags.retries
	}
	if flags.logLevel != "" {
		c.Logging.Level = flags.logLevel
	}
	if flags.key != "" {
		c.Security.Key = flags.key
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(flags.config, overrides)
}

// setupLogging configures the standard logger before the configuration is
// known to be complete; commands that load it reconfigure through newLogger.
func setupLogging() error {
	if flags.logLevel == "" {
		return nil
	}
	level, err := logrus.ParseLevel(flags.logLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	return nil
}

func newLogger(cfg *config.Config) (*logrus.Logger, error) {
	l, closer, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	closeLog()
	logCloser = closer
	return l, nil
}

// openSession connects to the bus; callers defer Disconnect.
func openSession(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*transport.Session, error) {
	s, err := transport.Open(cfg.Channel(), transport.WithLogger(log))
	if err != nil {
		return nil, err
	}
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}
