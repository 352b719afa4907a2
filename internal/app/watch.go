package app

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/flakefinder/internal/watcher"
)

var (
	watchOpts     scanFlags
	watchDebounce time.Duration
	watchNoFirst  bool

	watchCmd = &cobra.Command{
		Use:   "watch [capture]",
		Short: "Rescan a capture whenever it is rewritten",
		Long: `Watch a capture file and run a scan each time it changes.

A scan runs immediately, then again whenever the capture is written or
replaced. Rapid successive writes are merged, and changes that arrive while
a scan is running trigger a single follow-up scan once it finishes. A failed
scan is reported and watching continues. Press Ctrl+C to stop.

Accepts the same flags as 'flakefinder scan'.`,
		Example: `  # Rescan frame.rdc on every change, replaying remotely
  flakefinder watch frame.rdc --host gpu-box

  # Wait for the next change before the first scan
  flakefinder watch frame.rdc --no-initial`,
		Args: cobra.MaximumNArgs(1),
		RunE: runWatch,
	}
)

func init() {
	watchOpts.register(watchCmd)
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", watcher.DefaultDebounce, "quiet period after a change before rescanning")
	watchCmd.Flags().BoolVar(&watchNoFirst, "no-initial", false, "skip the scan at startup")
}

func runWatch(cmd *cobra.Command, args []string) error {
	p, err := watchOpts.resolve(cmd, args)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	scans := 0
	w, err := watcher.New(p.capturePath, func(ctx context.Context) error {
		scans++
		fmt.Fprintf(out, "\n[%s] Scan #%d of %s\n", time.Now().Format(time.TimeOnly), scans, p.capturePath)
		_, err := executeScan(ctx, out, p)
		if err != nil && ctx.Err() == nil {
			// Reported here; watching continues with the next change.
			fmt.Fprintf(out, "Error: %v\n", err)
			return nil
		}
		return err
	}, watcher.Options{
		Debounce: watchDebounce,
		Initial:  !watchNoFirst,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Watching %s for changes (Ctrl+C to stop)\n", w.Path())
	if err := w.Run(cmd.Context()); err != nil {
		return fmt.Errorf("watcher stopped: %w", err)
	}
	fmt.Fprintln(out, "Stopped watching.")
	return nil
}
