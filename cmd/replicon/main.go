package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/cyberinferno/go-replicon/config"
	"github.com/cyberinferno/go-replicon/logger"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "replicon",
		Short: "Authoritative state replication over UDP",
		Long: `Replicon runs the ping/pong reference application on top of the
replicon protocol: a server that owns replicated entity state and clients
that mirror it and exchange ordered events.

Settings are read from REPLICON_* environment variables; flags override them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serverCmd(),
		clientCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// logOutput receives every log line of the commands.
var logOutput io.Writer = os.Stdout

func newLogger(cfg config.Log, service string) logger.Logger {
	level := logger.ParseLevel(cfg.Level)
	if cfg.Format == "json" {
		return logger.NewJSONLogger(logOutput, service, level)
	}
	return logger.NewConsoleLogger(logOutput, service, level)
}
