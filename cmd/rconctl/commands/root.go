package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/gorcon/battleye"
	"github.com/dantte-lp/gorcon/internal/config"
	"github.com/dantte-lp/gorcon/rcon"
	"github.com/dantte-lp/gorcon/source"
)

var (
	// cfg is the effective configuration, built in PersistentPreRunE from
	// defaults, the optional config file, environment overrides, and flags.
	cfg *config.Config

	// logger is the process logger, built from cfg.Log.
	logger *slog.Logger
)

// Flag storage. Flags override the file and environment layers only when
// explicitly set.
var (
	cfgFile      string
	flagProtocol string
	flagHost     string
	flagPort     uint16
	flagPassword string
	flagTimeout  time.Duration
	flagDebug    bool
)

// rootCmd is the top-level cobra command for rconctl.
var rootCmd = &cobra.Command{
	Use:   "rconctl",
	Short: "RCON client for game servers",
	Long: "rconctl executes administrative commands on game servers over the\n" +
		"Source RCON (TCP) or BattlEye RCON (UDP) protocol.",
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		c, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		f := cmd.Flags()
		if f.Changed("protocol") {
			c.Protocol = flagProtocol
		}
		if f.Changed("host") {
			c.Host = flagHost
		}
		if f.Changed("port") {
			c.Port = flagPort
		}
		if f.Changed("password") {
			c.Password = flagPassword
		}
		if f.Changed("timeout") {
			c.Timeout = flagTimeout
		}
		if f.Changed("debug") {
			c.Debug = flagDebug
		}

		if err := config.Validate(c); err != nil {
			return err
		}

		cfg = c
		logger = newLogger(c)

		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "path to a YAML config file")
	pf.StringVar(&flagProtocol, "protocol", config.ProtocolSource,
		"RCON protocol: source, battleye")
	pf.StringVar(&flagHost, "host", "", "server hostname or IP address")
	pf.Uint16Var(&flagPort, "port", 0, "RCON port (0 = protocol default)")
	pf.StringVar(&flagPassword, "password", "", "RCON password")
	pf.DurationVar(&flagTimeout, "timeout", 5*time.Second,
		"connect and command timeout")
	pf.BoolVar(&flagDebug, "debug", false, "enable wire-level debug logging")

	rootCmd.AddCommand(execCmd())
	rootCmd.AddCommand(shellCmd())
	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command under a signal-aware context and exits
// with code 1 on error.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newLogger builds the process logger from the logging configuration.
// The debug flag forces the debug level regardless of log.level.
func newLogger(c *config.Config) *slog.Logger {
	level := config.ParseLogLevel(c.Log.Level)
	if c.Debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if c.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

// newClient builds the engine selected by the configuration.
func newClient() (rcon.Client, error) {
	clientCfg := cfg.Client()
	if err := clientCfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Protocol {
	case config.ProtocolBattlEye:
		return battleye.New(clientCfg, battleye.WithLogger(logger)), nil
	default:
		return source.New(clientCfg, source.WithLogger(logger)), nil
	}
}
