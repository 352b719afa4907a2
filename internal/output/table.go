// Package output provides terminal output utilities for flakefinder.
//
// This package includes:
//   - The scan verdict line and discrepancy details
//   - Table rendering for the run history
//   - Progress bars for scans and capture transfers
//   - Spinners for backend connection
//
// Colors come from fatih/color, which disables itself when stdout is not a
// terminal or NO_COLOR is set. Progress indicators are thread-safe.
package output

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"

	"github.com/blackwell-systems/flakefinder/internal/capture"
	"github.com/blackwell-systems/flakefinder/internal/store"
)

var (
	cleanStyle   = color.New(color.FgGreen, color.Bold)
	flakyStyle   = color.New(color.FgRed, color.Bold)
	warningStyle = color.New(color.FgYellow)
	mutedStyle   = color.New(color.FgHiBlack)
	headerStyle  = color.New(color.Bold)
)

const (
	checkmark = "✓"
	xmark     = "✗"
)

// IsColorEnabled reports whether styled output will carry ANSI codes.
func IsColorEnabled() bool {
	return !color.NoColor
}

// VerdictLine returns the one-line outcome of a scan. A nil discrepancy means
// every draw replayed identically.
func VerdictLine(d *capture.Discrepancy) string {
	if d == nil {
		return "No discrepancies found!"
	}
	return d.String()
}

// PrintVerdict writes the colored verdict line to w.
func PrintVerdict(w io.Writer, d *capture.Discrepancy) {
	if d == nil {
		cleanStyle.Fprintln(w, VerdictLine(d))
		return
	}
	flakyStyle.Fprintln(w, VerdictLine(d))
}

// RenderDiscrepancy renders the details behind a verdict: which draw, which
// binding and how the replays disagreed.
func RenderDiscrepancy(d *capture.Discrepancy) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "  Draw:     %s\n", d.DrawName)
	fmt.Fprintf(&sb, "  Output:   %s (%s)\n", d.Resource, d.Kind)
	fmt.Fprintf(&sb, "  Replay:   #%d differs from #1\n", d.Replay+1)
	fmt.Fprintf(&sb, "  Expected: %s\n", digestOrMissing(d.Expected))
	fmt.Fprintf(&sb, "  Actual:   %s\n", digestOrMissing(d.Actual))
	return sb.String()
}

func digestOrMissing(digest string) string {
	if digest == "" {
		return "(not bound)"
	}
	return digest
}

// RenderScanSummary renders the counters of a finished scan.
func RenderScanSummary(checked, total int, bytesCompared int64, elapsed time.Duration) string {
	return mutedStyle.Sprintf("Checked %d/%d draws, compared %s in %s",
		checked, total, humanize.Bytes(uint64(bytesCompared)), elapsed.Round(time.Millisecond))
}

// RenderRunTable renders the run history, newest first as given.
func RenderRunTable(runs []*store.Run) string {
	if len(runs) == 0 {
		return "No scans recorded.\n"
	}

	var sb strings.Builder

	sb.WriteString(headerStyle.Sprintf("%-10s %-16s %-24s %-13s %-11s %s",
		"Run", "Started", "Capture", "Status", "Draws", "Backend"))
	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("─", 96))
	sb.WriteString("\n")

	for _, run := range runs {
		fmt.Fprintf(&sb, "%-10s %-16s %s %s %-11s %s\n",
			ShortID(run.ID),
			humanize.Time(run.StartedAt),
			padRight(truncate(filepath.Base(run.CapturePath), 24), 24),
			statusLabel(run.Status, 13),
			fmt.Sprintf("%d/%d", run.DrawsChecked, run.TotalDraws),
			truncate(run.Backend, 32))
	}

	return sb.String()
}

// RenderRunDetail renders one run and, when present, its discrepancy.
func RenderRunDetail(run *store.Run, d *store.Discrepancy) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Run:       %s\n", run.ID)
	fmt.Fprintf(&sb, "Capture:   %s (%s)\n", run.CapturePath, humanize.Bytes(uint64(run.CaptureSize)))
	fmt.Fprintf(&sb, "Backend:   %s\n", run.Backend)
	fmt.Fprintf(&sb, "Replays:   %d per draw, %s digest\n", run.Replays, run.Digest)
	fmt.Fprintf(&sb, "Started:   %s (%s)\n", run.StartedAt.Local().Format(time.DateTime), humanize.Time(run.StartedAt))
	if !run.FinishedAt.IsZero() {
		fmt.Fprintf(&sb, "Duration:  %s\n", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	}
	fmt.Fprintf(&sb, "Status:    %s\n", statusLabel(run.Status, 0))
	fmt.Fprintf(&sb, "Draws:     %d of %d checked\n", run.DrawsChecked, run.TotalDraws)
	fmt.Fprintf(&sb, "Compared:  %s\n", humanize.Bytes(uint64(run.BytesCompared)))
	if run.Error != "" {
		fmt.Fprintf(&sb, "Error:     %s\n", run.Error)
	}

	if d != nil {
		sb.WriteString("\n")
		sb.WriteString(VerdictLine(storedDiscrepancy(d)))
		sb.WriteString("\n")
		sb.WriteString(RenderDiscrepancy(storedDiscrepancy(d)))
	}

	return sb.String()
}

// storedDiscrepancy converts a history row back to the scanner's form.
func storedDiscrepancy(d *store.Discrepancy) *capture.Discrepancy {
	return &capture.Discrepancy{
		EventID: capture.EventID(d.EventID),
		Resource: capture.ResourceKey{
			Resource:    capture.ResourceID(d.ResourceID),
			Subresource: capture.Subresource{Mip: d.Mip, Slice: d.Slice},
		},
		Kind:     kindFromString(d.Kind),
		DrawName: d.DrawName,
		Replay:   d.Replay,
		Expected: d.ExpectedDigest,
		Actual:   d.ActualDigest,
	}
}

func kindFromString(s string) capture.BindingKind {
	for _, k := range []capture.BindingKind{capture.ColorTarget, capture.DepthTarget, capture.ReadWrite} {
		if k.String() == s {
			return k
		}
	}
	return capture.ColorTarget
}

// statusLabel returns the styled status, padded to width before styling so
// ANSI codes do not break column alignment.
func statusLabel(status store.RunStatus, width int) string {
	var text string
	var style *color.Color
	switch status {
	case store.StatusClean:
		text, style = checkmark+" clean", cleanStyle
	case store.StatusDiscrepancy:
		text, style = xmark+" flaky", flakyStyle
	case store.StatusError:
		text, style = "! error", warningStyle
	default:
		text, style = "… "+string(status), mutedStyle
	}
	return style.Sprint(padRight(text, width))
}

// ShortID returns the first eight characters of a run ID.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// padRight pads s with spaces to width display cells.
func padRight(s string, width int) string {
	return runewidth.FillRight(s, width)
}

// truncate truncates a string to maxLen display cells, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if runewidth.StringWidth(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return runewidth.Truncate(s, maxLen, "")
	}
	return runewidth.Truncate(s, maxLen, "...")
}
