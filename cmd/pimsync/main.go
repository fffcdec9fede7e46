package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nhle/pimsync/internal/logging"
	"github.com/nhle/pimsync/internal/model"
)

var (
	cfgFile string
	cfg     *model.AppConfig
	logger  *slog.Logger
	logFile io.Closer
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pimsync",
	Short: "Calendar and contact sync with CalDAV and CardDAV servers",
	Long: `pimsync keeps calendars, address books and subscribed feeds in sync
with CalDAV/CardDAV servers:
- account discovery from a single server URL
- browser login flow for servers that issue app passwords
- per-collection sync policy (interval, wifi-only, read-only)
- a terminal status view with batch sync and delete`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for help commands
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}

		var err error
		cfg, err = model.LoadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// The terminal UI owns the screen; its logs go to a file.
		logCfg := cfg.Logging
		if cmd.Name() == "status" && (logCfg.Output == "" || logCfg.Output == "stderr" || logCfg.Output == "stdout") {
			logCfg.Output = defaultLogPath()
			if err := os.MkdirAll(model.ConfigDir(), 0o700); err != nil {
				return fmt.Errorf("failed to create config directory: %w", err)
			}
		}

		logger, logFile, err = logging.New(logCfg)
		if err != nil {
			return fmt.Errorf("failed to open log output: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logFile != nil {
			return logFile.Close()
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("pimsync " + version)
	},
}

// version is set at build time with -ldflags.
var version = "dev"

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", model.DefaultConfigPath(), "config file path")
	rootCmd.AddCommand(versionCmd)
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
