package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/flakefinder/internal/output"
	"github.com/blackwell-systems/flakefinder/internal/replay"
	"github.com/blackwell-systems/flakefinder/internal/scanner"
	"github.com/blackwell-systems/flakefinder/internal/store"
)

var (
	scanOpts scanFlags

	scanCmd = &cobra.Command{
		Use:   "scan [capture]",
		Short: "Replay every draw of a capture and report the first flaky one",
		Long: `Replay each draw call of a capture several times and compare every bound
render target, depth target and writable resource between replays.

The scan stops at the first draw whose outputs differ and prints
  Found discrepancy in EID <eid>, resource <id>
or, when every draw replays identically,
  No discrepancies found!

Both outcomes exit with status 0. Failing to open the capture, reach the
replay backend or replay an event exits with status 1. Every run is recorded
in the history database unless --no-history is given.`,
		Example: `  # Scan with a local replay backend from $PATH
  flakefinder scan frame.rdc

  # Scan on a remote backend with 4 replays per draw
  flakefinder scan frame.rdc --host gpu-box --replays 4

  # Only scan events 1200 to 1500, using the faster xxh64 digest
  flakefinder scan frame.rdc --from 1200 --to 1500 --digest xxh64`,
		Args: cobra.MaximumNArgs(1),
		RunE: runScan,
	}
)

func init() {
	scanOpts.register(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	p, err := scanOpts.resolve(cmd, args)
	if err != nil {
		return err
	}
	_, err = executeScan(cmd.Context(), cmd.OutOrStdout(), p)
	return err
}

// executeScan connects to the backend, scans the capture and records the
// run. A discrepancy is a successful result, not an error.
func executeScan(ctx context.Context, out io.Writer, p scanParams) (*scanner.Result, error) {
	var db *store.Store
	var run *store.Run
	if !p.noHistory {
		var err error
		db, err = openHistory()
		if err != nil {
			return nil, err
		}
		defer db.Close()

		run = &store.Run{
			CapturePath: p.capturePath,
			Backend:     p.backendLabel(),
			Replays:     p.opts.Replays,
			Digest:      p.opts.Digest,
		}
		if info, err := os.Stat(p.capturePath); err == nil {
			run.CaptureSize = info.Size()
		}
		if err := db.InsertRun(run); err != nil {
			return nil, fmt.Errorf("failed to record run: %w", err)
		}
		logger.Debug("recorded run", "id", run.ID)
	}

	start := time.Now()
	res, err := scanCapture(ctx, out, p)

	if run != nil {
		if ferr := finishRun(db, run, res, err); ferr != nil {
			logger.Warn("failed to update run history", "id", run.ID, "err", ferr)
		}
	}
	if err != nil {
		return res, err
	}

	output.PrintVerdict(out, res.Discrepancy)
	if res.Discrepancy != nil {
		fmt.Fprint(out, output.RenderDiscrepancy(res.Discrepancy))
	}
	fmt.Fprintln(out, output.RenderScanSummary(res.DrawsChecked, res.TotalDraws, res.BytesCompared, time.Since(start)))
	if run != nil {
		fmt.Fprintf(out, "Run %s recorded. Details: flakefinder show %s\n", output.ShortID(run.ID), output.ShortID(run.ID))
	}
	return res, nil
}

// scanCapture holds the backend connection for exactly the duration of one
// scan.
func scanCapture(ctx context.Context, out io.Writer, p scanParams) (*scanner.Result, error) {
	spinner := output.NewSpinner("Connecting to " + p.backendLabel()).WithTimeout(p.dialTimeout)
	spinner.SetWriter(out)
	spinner.Start()

	transfer := output.NewTransferProgress(out)
	client, err := replay.Open(ctx, replay.Config{
		CapturePath: p.capturePath,
		BackendPath: p.backendPath,
		Host:        p.host,
		Port:        p.port,
		DialTimeout: p.dialTimeout,
		Dialer:      replayDialer,
		Logger:      logger,
		Status:      spinner.UpdateMessage,
		Progress: func(stage string, fraction float64) {
			spinner.Stop()
			transfer.Update(stage, fraction)
		},
	})
	spinner.Stop()
	transfer.Done()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("failed to shut down replay backend", "err", err)
		}
	}()

	opts := p.opts
	opts.Logger = logger
	bar := output.NewProgress(0, "Scanning draws")
	bar.SetWriter(out)
	opts.Progress = bar

	s, err := scanner.New(client, opts)
	if err != nil {
		return nil, err
	}
	return s.Scan(ctx)
}

// finishRun stores the outcome of a scan.
func finishRun(db *store.Store, run *store.Run, res *scanner.Result, scanErr error) error {
	if res != nil {
		run.DrawsChecked = res.DrawsChecked
		run.TotalDraws = res.TotalDraws
		run.BytesCompared = res.BytesCompared
	}

	switch {
	case scanErr != nil:
		run.Status = store.StatusError
		run.Error = scanErr.Error()
	case res.Discrepancy != nil:
		run.Status = store.StatusDiscrepancy
	default:
		run.Status = store.StatusClean
	}
	if err := db.FinishRun(run); err != nil {
		return err
	}

	if scanErr != nil || res.Discrepancy == nil {
		return nil
	}
	d := res.Discrepancy
	return db.InsertDiscrepancy(&store.Discrepancy{
		RunID:          run.ID,
		EventID:        uint32(d.EventID),
		ResourceID:     uint64(d.Resource.Resource),
		Mip:            d.Resource.Subresource.Mip,
		Slice:          d.Resource.Subresource.Slice,
		Kind:           d.Kind.String(),
		DrawName:       d.DrawName,
		Replay:         d.Replay,
		ExpectedDigest: d.Expected,
		ActualDigest:   d.Actual,
	})
}
