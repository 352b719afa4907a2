package app

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/flakefinder/internal/output"
	"github.com/blackwell-systems/flakefinder/internal/store"
)

var showCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Show one scan run in detail",
	Long: `Show the settings, outcome and discrepancy details of a recorded run.

The run ID may be abbreviated to any unique prefix. Without an ID the most
recent run is shown.`,
	Example: `  # Most recent run
  flakefinder show

  # A specific run by ID prefix
  flakefinder show 0190a1b2`,
	Args: cobra.MaximumNArgs(1),
	RunE: runShow,
}

func init() {
	RootCmd.AddCommand(showCmd)
}

func runShow(cmd *cobra.Command, args []string) error {
	db, err := openExistingHistory()
	if err != nil {
		return err
	}
	defer db.Close()

	var run *store.Run
	if len(args) == 0 {
		runs, err := db.ListRuns("", 1)
		if err != nil {
			return fmt.Errorf("failed to list runs: %w", err)
		}
		if len(runs) == 0 {
			return fmt.Errorf("no scans recorded yet")
		}
		run = runs[0]
	} else {
		run, err = db.GetRun(args[0])
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no run matches %q", args[0])
		}
		if err != nil {
			return err
		}
	}

	d, err := db.GetDiscrepancy(run.ID)
	if err != nil {
		return fmt.Errorf("failed to load discrepancy: %w", err)
	}

	fmt.Fprint(cmd.OutOrStdout(), output.RenderRunDetail(run, d))
	return nil
}
