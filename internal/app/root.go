package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/flakefinder/internal/config"
	"github.com/blackwell-systems/flakefinder/internal/logging"
)

var (
	dbPath     string
	configPath string
	verbose    bool

	// settings holds the merged config file and environment values.
	settings = config.Default()
	logger   = slog.New(slog.DiscardHandler)

	// RootCmd is the root command for flakefinder
	RootCmd = &cobra.Command{
		Use:   "flakefinder",
		Short: "Find non-deterministic draw calls in GPU captures",
		Long: `flakefinder replays every draw call of a graphics capture several times
and compares the render targets and writable resources after each replay.
The first draw whose output differs between identical replays is reported.

Replay is performed by a replay backend: either one started locally, or a
remote backend reached with --host, to which the capture is copied first.

Quick Start:
  1. flakefinder doctor
  2. flakefinder scan frame.rdc
  3. flakefinder history

Examples:
  # Scan a capture with a local backend
  flakefinder scan frame.rdc

  # Scan on a remote machine, 4 replays per draw
  flakefinder scan frame.rdc --host gpu-box --replays 4

  # Rescan whenever the capture is rewritten
  flakefinder watch frame.rdc

  # Inspect the last run
  flakefinder show`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: loadSettings,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "flakefinder: find non-deterministic draw calls in GPU captures")
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Run 'flakefinder scan <capture>' to check a capture.")
			fmt.Fprintln(out, "Run 'flakefinder --help' for the full reference.")
			return nil
		},
	}
)

// ExitError carries a process exit status without an additional message.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

func init() {
	// Global flags
	RootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "history database path (default: ~/.flakefinder/history.db)")
	RootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: $XDG_CONFIG_HOME/flakefinder/config.yaml)")
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	// Enable cobra's built-in suggestion feature for unknown subcommands
	RootCmd.SuggestionsMinimumDistance = 2

	RootCmd.AddCommand(scanCmd)
	RootCmd.AddCommand(watchCmd)
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command's
// context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return RootCmd.ExecuteContext(ctx)
}

// ExitCode maps an error returned by Execute to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return 1
}

// loadSettings reads the config file and environment and builds the logger.
func loadSettings(cmd *cobra.Command, args []string) error {
	path, err := resolveConfigPath()
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	settings = cfg

	level, _ := logging.ParseLevel(cfg.LogLevel)
	logger = logging.ForCLI(verbose, level)
	logger.Debug("loaded settings", "config", path, "host", cfg.Host, "replays", cfg.Replays)
	return nil
}

// resolveConfigPath returns the --config value or the default location.
func resolveConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	path, err := config.DefaultPath()
	if err != nil {
		return "", fmt.Errorf("failed to get config path: %w", err)
	}
	return path, nil
}

// getDBPath returns the database path: the --db flag, then the configured
// path, then ~/.flakefinder/history.db.
func getDBPath() (string, error) {
	if dbPath != "" {
		return dbPath, nil
	}
	if settings.DB != "" {
		return settings.DB, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	dir := filepath.Join(home, ".flakefinder")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create flakefinder directory: %w", err)
	}

	return filepath.Join(dir, "history.db"), nil
}
