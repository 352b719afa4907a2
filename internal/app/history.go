package app

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/flakefinder/internal/output"
)

var (
	historyCapture string
	historyLimit   int
	historyPrune   time.Duration

	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "List past scan runs",
		Long: `List recorded scan runs, newest first.

Each row shows the run ID (use it with 'flakefinder show'), when the run
started, the capture, the outcome and how many draws were checked.`,
		Example: `  # Last 20 runs
  flakefinder history

  # Runs of one capture
  flakefinder history --capture frame.rdc

  # Delete runs older than 30 days
  flakefinder history --prune 720h`,
		Args: cobra.NoArgs,
		RunE: runHistory,
	}
)

func init() {
	historyCmd.Flags().StringVarP(&historyCapture, "capture", "c", "", "only show runs of this capture")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "l", 20, "maximum number of runs to show (0: all)")
	historyCmd.Flags().DurationVar(&historyPrune, "prune", 0, "delete runs that started longer ago than this")
	RootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	if historyLimit < 0 {
		return fmt.Errorf("--limit must not be negative")
	}

	db, err := openExistingHistory()
	if err != nil {
		return err
	}
	defer db.Close()

	out := cmd.OutOrStdout()

	if historyPrune > 0 {
		n, err := db.DeleteRunsBefore(time.Now().Add(-historyPrune))
		if err != nil {
			return fmt.Errorf("failed to prune history: %w", err)
		}
		fmt.Fprintf(out, "Deleted %d run(s) older than %s.\n\n", n, historyPrune)
	}

	capturePath := historyCapture
	if capturePath != "" {
		if capturePath, err = filepath.Abs(capturePath); err != nil {
			return fmt.Errorf("failed to resolve capture path: %w", err)
		}
	}

	runs, err := db.ListRuns(capturePath, historyLimit)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	fmt.Fprint(out, output.RenderRunTable(runs))

	total, err := db.CountRuns()
	if err == nil && total > len(runs) && capturePath == "" {
		fmt.Fprintf(out, "\nShowing %d of %d runs. Use --limit 0 to show all.\n", len(runs), total)
	}
	return nil
}
