// Package scanner finds the first draw in a capture whose outputs differ
// between identical replays.
//
// For every draw, in ascending event order, the scanner replays up to and
// including the draw Replays times, digests every output bound at that draw
// after each replay and compares the digests. The first event with a
// mismatch is reported together with the first mismatching resource in
// binding enumeration order. Replay is strictly sequential: later draws
// depend on GPU state accumulated by earlier ones.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/blackwell-systems/flakefinder/internal/capture"
	"github.com/blackwell-systems/flakefinder/internal/replay"
)

// ErrReplayCount is returned by New when fewer than two replays are requested.
var ErrReplayCount = errors.New("replay count must be at least 2")

// DefaultReplays is the replay count used when none is configured.
const DefaultReplays = 2

// Progress receives scan progress. Implementations must not block.
type Progress interface {
	Start(total int)
	Step(done, total int, name string)
	Finish()
}

type nopProgress struct{}

func (nopProgress) Start(int) {}

func (nopProgress) Step(int, int, string) {}

func (nopProgress) Finish() {}

// Options configure a Scanner.
type Options struct {
	// Replays is how many times each draw is replayed. Must be >= 2.
	Replays int

	// Digest names the digest algorithm, see NewDigester.
	Digest string

	// From and To bound the scanned event range, inclusive. Zero is open.
	From, To capture.EventID

	Progress Progress
	Logger   *slog.Logger
}

// Validate checks the replay count, event range and digest name.
func (o Options) Validate() error {
	if o.Replays < 2 {
		return fmt.Errorf("%w (got %d)", ErrReplayCount, o.Replays)
	}
	if o.To != 0 && o.From > o.To {
		return fmt.Errorf("invalid event range: from %d is after to %d", o.From, o.To)
	}
	_, err := NewDigester(o.Digest)
	return err
}

// Result is the outcome of a completed scan.
type Result struct {
	// Discrepancy is nil when every draw replayed identically.
	Discrepancy *capture.Discrepancy

	DrawsChecked  int
	TotalDraws    int
	BytesCompared int64
}

// Clean reports whether no discrepancy was found.
func (r *Result) Clean() bool {
	return r.Discrepancy == nil
}

// Scanner runs divergence scans against one replay controller.
type Scanner struct {
	ctrl     replay.Controller
	opts     Options
	digest   Digester
	progress Progress
	logger   *slog.Logger
}

// New returns a Scanner for ctrl.
func New(ctrl replay.Controller, opts Options) (*Scanner, error) {
	if ctrl == nil {
		return nil, fmt.Errorf("replay controller cannot be nil")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	digest, err := NewDigester(opts.Digest)
	if err != nil {
		return nil, err
	}

	s := &Scanner{
		ctrl:     ctrl,
		opts:     opts,
		digest:   digest,
		progress: opts.Progress,
		logger:   opts.Logger,
	}
	if s.progress == nil {
		s.progress = nopProgress{}
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	return s, nil
}

// Scan checks every draw in range and stops at the first discrepancy.
// A replay failure aborts the scan with a *replay.ReplayError.
func (s *Scanner) Scan(ctx context.Context) (*Result, error) {
	roots, err := s.ctrl.RootActions(ctx)
	if err != nil {
		return nil, asReplayError(0, "root actions", err)
	}
	draws := capture.FilterRange(capture.Draws(roots), s.opts.From, s.opts.To)

	res := &Result{TotalDraws: len(draws)}
	s.logger.Info("scanning draws", "draws", len(draws), "replays", s.opts.Replays)

	s.progress.Start(len(draws))
	defer s.progress.Finish()

	for i, draw := range draws {
		snaps := make([][]capture.Snapshot, 0, s.opts.Replays)
		for attempt := 0; attempt < s.opts.Replays; attempt++ {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			snap, err := s.Snapshot(ctx, draw.EventID)
			if err != nil {
				return res, err
			}
			for _, sn := range snap {
				res.BytesCompared += int64(sn.Size)
			}
			snaps = append(snaps, snap)
		}
		res.DrawsChecked++

		if d := firstMismatch(snaps); d != nil {
			d.EventID = draw.EventID
			d.DrawName = draw.Name
			res.Discrepancy = d
			s.logger.Info("discrepancy found",
				"eid", d.EventID,
				"resource", d.Resource.String(),
				"kind", d.Kind.String(),
				"replay", d.Replay,
			)
			return res, nil
		}

		s.logger.Debug("draw is deterministic", "eid", draw.EventID, "name", draw.Name, "outputs", len(snaps[0]))
		s.progress.Step(i+1, len(draws), draw.Name)
	}
	return res, nil
}

// Snapshot replays up to and including eid and digests every output bound
// there, in enumeration order.
func (s *Scanner) Snapshot(ctx context.Context, eid capture.EventID) ([]capture.Snapshot, error) {
	if err := s.ctrl.SetFrameEvent(ctx, eid, true); err != nil {
		return nil, asReplayError(eid, "set frame event", err)
	}
	state, err := s.ctrl.PipelineState(ctx)
	if err != nil {
		return nil, asReplayError(eid, "pipeline state", err)
	}

	outputs := state.Outputs()
	snaps := make([]capture.Snapshot, 0, len(outputs))
	for _, b := range outputs {
		var data []byte
		if b.Kind == capture.ReadWrite {
			data, err = s.ctrl.BufferData(ctx, b.Resource, 0, 0)
		} else {
			data, err = s.ctrl.TextureData(ctx, b.Resource, b.Subresource)
		}
		if err != nil {
			return nil, asReplayError(eid, "read "+b.Resource.String(), err)
		}
		snaps = append(snaps, capture.Snapshot{
			Key:    b.Key(),
			Kind:   b.Kind,
			Digest: s.digest(data),
			Size:   len(data),
		})
	}
	return snaps, nil
}

func asReplayError(eid capture.EventID, op string, err error) error {
	var re *replay.ReplayError
	if errors.As(err, &re) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &replay.ReplayError{EventID: eid, Op: op, Err: err}
}
