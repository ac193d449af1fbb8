// Package main provides the houseagent binary entry point.
// Houseagent batches home-automation events into time windows and narrates
// each window with a language model.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "houseagent"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	embedded   bool
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Home event batcher and narrator",
		Long: `Houseagent watches a home-automation message bus.

The collector groups raw device events into fixed time windows and publishes
each window as one bundle. The agent turns consecutive bundles into a short
natural-language description of what changed in the house.

Run both in one process with "houseagent run", or separately with
"houseagent collector" and "houseagent agent".`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&flags.embedded, "embedded", false, "Run an in-process NATS server")

	cmd.AddCommand(
		serveCmd(flags, "run", "Run collector and agent together", roleCollector|roleAgent),
		serveCmd(flags, "collector", "Batch raw events into bundles", roleCollector),
		serveCmd(flags, "agent", "Narrate published bundles", roleAgent),
		askCmd(flags),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)

	return cmd
}

// newLogger configures the process logger.
func newLogger(w io.Writer, logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func printBanner(w io.Writer) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║             Houseagent v"+Version+"                 ║")
	fmt.Fprintln(w, "║      Home Event Batcher and Narrator          ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════╝")
}
