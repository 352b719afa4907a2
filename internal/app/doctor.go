package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/flakefinder/internal/config"
	"github.com/blackwell-systems/flakefinder/internal/logging"
	"github.com/blackwell-systems/flakefinder/internal/output"
	"github.com/blackwell-systems/flakefinder/internal/replay"
	"github.com/blackwell-systems/flakefinder/internal/store"
)

// doctorPingTimeout bounds the remote backend health check.
const doctorPingTimeout = 5 * time.Second

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose configuration, history and replay backend",
	Long: `Runs diagnostic checks on your flakefinder setup.

Checks:
  • Config file parses and holds valid settings
  • History database is accessible
  • Local replay backend executable can be found, or
  • Remote replay backend answers its health check

Exits 0 when all checks pass, 2 when there are only warnings and 1 when a
scan could not run.`,
	Args: cobra.NoArgs,
	// The config is checked here rather than loaded up front.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger = logging.ForCLI(verbose, slog.LevelWarn)
		return nil
	},
	RunE: runDoctor,
}

func init() {
	RootCmd.AddCommand(doctorCmd)
}

// doctorReport counts issues by severity.
type doctorReport struct {
	out      io.Writer
	critical int
	warnings int
}

func (r *doctorReport) pass(format string, args ...any) {
	fmt.Fprintf(r.out, "✓ "+format+"\n", args...)
}

func (r *doctorReport) warn(action, format string, args ...any) {
	fmt.Fprintf(r.out, "⚠ "+format+"\n", args...)
	if action != "" {
		fmt.Fprintf(r.out, "  Action: %s\n", action)
	}
	r.warnings++
}

func (r *doctorReport) fail(action, format string, args ...any) {
	fmt.Fprintf(r.out, "✗ "+format+"\n", args...)
	if action != "" {
		fmt.Fprintf(r.out, "  Action: %s\n", action)
	}
	r.critical++
}

func runDoctor(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	r := &doctorReport{out: out}

	fmt.Fprintln(out, "Running flakefinder diagnostics...")
	fmt.Fprintln(out)

	checkConfig(r)
	checkHistory(r)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	checkBackend(ctx, r)

	fmt.Fprintln(out)
	if r.critical == 0 && r.warnings == 0 {
		fmt.Fprintln(out, "✓ All checks passed!")
		return nil
	}
	if r.critical > 0 {
		fmt.Fprintf(out, "Found %d critical issue(s) and %d warning(s).\n", r.critical, r.warnings)
		return fmt.Errorf("diagnostics failed")
	}
	fmt.Fprintf(out, "Found %d warning(s). Scans can run.\n", r.warnings)
	return &ExitError{Code: 2}
}

// checkConfig loads the config file into settings. Invalid settings are
// critical; scan would refuse them too.
func checkConfig(r *doctorReport) {
	path, err := resolveConfigPath()
	if err != nil {
		r.fail("", "Config path error: %v", err)
		return
	}

	cfg, err := config.Load(path)
	if err != nil {
		r.fail("Fix or remove "+path, "Config invalid: %v", err)
		return
	}
	settings = cfg
	level, _ := logging.ParseLevel(cfg.LogLevel)
	logger = logging.ForCLI(verbose, level)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		r.pass("No config file at %s, using defaults", path)
	} else {
		r.pass("Config loaded: %s", path)
	}
	r.pass("%d replays per draw, %s digest", cfg.Replays, cfg.Digest)
}

// checkHistory opens the database without creating it. A missing database
// only means no scan has run yet.
func checkHistory(r *doctorReport) {
	path, err := getDBPath()
	if err != nil {
		r.fail("", "Database path error: %v", err)
		return
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		r.warn("Run 'flakefinder scan <capture>' to record the first run", "No history database at %s", path)
		return
	}

	db, err := store.New(path)
	if err != nil {
		r.fail("", "Cannot open database: %v", err)
		return
	}
	defer db.Close()

	count, err := db.CountRuns()
	if err != nil {
		r.warn("Run 'flakefinder scan <capture>' to initialize it", "Cannot read history: %v", err)
		return
	}
	r.pass("History database: %s (%d runs)", path, count)

	runs, err := db.ListRuns("", 1)
	if err == nil && len(runs) == 1 && runs[0].Status == store.StatusRunning {
		r.warn("", "Last run %s never finished (interrupted?)", output.ShortID(runs[0].ID))
	}
}

// checkBackend verifies that the configured backend can be reached.
func checkBackend(ctx context.Context, r *doctorReport) {
	if settings.Host != "" {
		cfg := replay.Config{
			Host:        settings.Host,
			Port:        settings.Port,
			DialTimeout: doctorPingTimeout,
			Dialer:      replayDialer,
			Logger:      logger,
		}
		start := time.Now()
		if err := replay.Ping(ctx, cfg); err != nil {
			r.fail("Start the replay backend on "+settings.Host+" or fix host/port", "Remote backend %s:%d not serving: %v", settings.Host, settings.Port, err)
			return
		}
		r.pass("Remote backend %s:%d serving (%s)", settings.Host, settings.Port, time.Since(start).Round(time.Millisecond))
		return
	}

	path, err := replay.FindBackend(settings.Backend)
	if err != nil {
		r.fail("Install "+replay.BackendBinaryName+", set 'backend' in the config, or use --host", "Replay backend not found: %v", err)
		return
	}
	r.pass("Replay backend found: %s", path)
}
