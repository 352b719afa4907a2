package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// timeLayout sorts lexicographically in UTC, so ORDER BY on the text column
// is chronological.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// NewRunID returns a time-ordered identifier for a run.
func NewRunID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Run operations

// InsertRun records the start of a run. If run.ID is empty a new ID is
// assigned. Status defaults to StatusRunning.
func (s *Store) InsertRun(run *Run) error {
	if run.ID == "" {
		run.ID = NewRunID()
	}
	if run.Status == "" {
		run.Status = StatusRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}

	query := `
		INSERT INTO runs
		(id, capture_path, capture_size, backend, replays, digest, started_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(query,
		run.ID,
		run.CapturePath,
		run.CaptureSize,
		run.Backend,
		run.Replays,
		run.Digest,
		formatTime(run.StartedAt),
		string(run.Status),
	)
	if err != nil {
		return wrapErr(err, "failed to insert run %s", run.ID)
	}

	return nil
}

// FinishRun stores the outcome of a run.
func (s *Store) FinishRun(run *Run) error {
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now()
	}

	query := `
		UPDATE runs
		SET finished_at = ?, status = ?, draws_checked = ?, total_draws = ?,
		    bytes_compared = ?, error = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(query,
		formatTime(run.FinishedAt),
		string(run.Status),
		run.DrawsChecked,
		run.TotalDraws,
		run.BytesCompared,
		run.Error,
		run.ID,
	)
	if err != nil {
		return wrapErr(err, "failed to finish run %s", run.ID)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}

	return nil
}

const runColumns = `id, capture_path, capture_size, backend, replays, digest, started_at,
	finished_at, status, draws_checked, total_draws, bytes_compared, error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var startedAt string
	var finishedAt, errText sql.NullString
	var status string

	err := row.Scan(
		&run.ID,
		&run.CapturePath,
		&run.CaptureSize,
		&run.Backend,
		&run.Replays,
		&run.Digest,
		&startedAt,
		&finishedAt,
		&status,
		&run.DrawsChecked,
		&run.TotalDraws,
		&run.BytesCompared,
		&errText,
	)
	if err != nil {
		return nil, err
	}

	run.Status = RunStatus(status)
	run.Error = errText.String

	run.StartedAt, err = parseTime(startedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse started_at for run %s: %w", run.ID, err)
	}
	if finishedAt.Valid && finishedAt.String != "" {
		run.FinishedAt, err = parseTime(finishedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse finished_at for run %s: %w", run.ID, err)
		}
	}

	return &run, nil
}

// GetRun retrieves a run by ID or by a unique ID prefix. The prefix is
// matched literally.
func (s *Store) GetRun(idOrPrefix string) (*Run, error) {
	if idOrPrefix == "" {
		return nil, fmt.Errorf("run ID is required: %w", ErrNotFound)
	}
	query := `SELECT ` + runColumns + ` FROM runs WHERE substr(id, 1, length(?)) = ? ORDER BY started_at LIMIT 2`

	rows, err := s.db.Query(query, idOrPrefix, idOrPrefix)
	if err != nil {
		return nil, wrapErr(err, "failed to get run %s", idOrPrefix)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	switch len(runs) {
	case 0:
		return nil, fmt.Errorf("run %s: %w", idOrPrefix, ErrNotFound)
	case 1:
		return runs[0], nil
	default:
		return nil, fmt.Errorf("run ID prefix %q is ambiguous", idOrPrefix)
	}
}

// ListRuns returns runs newest first. An empty capturePath lists runs for
// every capture; a limit <= 0 returns all runs.
func (s *Store) ListRuns(capturePath string, limit int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if capturePath != "" {
		query += ` WHERE capture_path = ?`
		args = append(args, capturePath)
	}
	query += ` ORDER BY started_at DESC`
	if limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, wrapErr(err, "failed to list runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// CountRuns returns the number of recorded runs.
func (s *Store) CountRuns() (int, error) {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM runs").Scan(&count); err != nil {
		return 0, wrapErr(err, "failed to count runs")
	}
	return count, nil
}

// DeleteRunsBefore removes runs started before t, and their discrepancies.
// Returns the number of runs removed.
func (s *Store) DeleteRunsBefore(t time.Time) (int64, error) {
	result, err := s.db.Exec(`DELETE FROM runs WHERE started_at < ?`, formatTime(t))
	if err != nil {
		return 0, wrapErr(err, "failed to delete runs")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// Discrepancy operations

// InsertDiscrepancy records the discrepancy found by a run.
func (s *Store) InsertDiscrepancy(d *Discrepancy) error {
	query := `
		INSERT OR REPLACE INTO discrepancies
		(run_id, event_id, resource_id, mip, slice, kind, draw_name, replay, expected_digest, actual_digest)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(query,
		d.RunID,
		d.EventID,
		strconv.FormatUint(d.ResourceID, 10),
		d.Mip,
		d.Slice,
		d.Kind,
		d.DrawName,
		d.Replay,
		d.ExpectedDigest,
		d.ActualDigest,
	)
	if err != nil {
		return wrapErr(err, "failed to insert discrepancy for run %s", d.RunID)
	}

	return nil
}

// GetDiscrepancy returns the discrepancy recorded for a run, or nil if the
// run found none.
func (s *Store) GetDiscrepancy(runID string) (*Discrepancy, error) {
	query := `
		SELECT run_id, event_id, resource_id, mip, slice, kind, draw_name, replay, expected_digest, actual_digest
		FROM discrepancies
		WHERE run_id = ?
	`

	var d Discrepancy
	var resourceID string
	var drawName, expected, actual sql.NullString

	err := s.db.QueryRow(query, runID).Scan(
		&d.RunID,
		&d.EventID,
		&resourceID,
		&d.Mip,
		&d.Slice,
		&d.Kind,
		&drawName,
		&d.Replay,
		&expected,
		&actual,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr(err, "failed to get discrepancy for run %s", runID)
	}

	d.ResourceID, err = strconv.ParseUint(resourceID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse resource id for run %s: %w", runID, err)
	}
	d.DrawName = drawName.String
	d.ExpectedDigest = expected.String
	d.ActualDigest = actual.String

	return &d, nil
}
