package store

import "time"

// RunStatus is the lifecycle state of a scan run.
type RunStatus string

const (
	StatusRunning     RunStatus = "running"
	StatusClean       RunStatus = "clean"
	StatusDiscrepancy RunStatus = "discrepancy"
	StatusError       RunStatus = "error"
)

// Run records one invocation of the divergence scanner.
type Run struct {
	ID            string
	CapturePath   string
	CaptureSize   int64
	Backend       string // "local:<path>" or "remote:<host:port>"
	Replays       int
	Digest        string
	StartedAt     time.Time
	FinishedAt    time.Time // zero while running
	Status        RunStatus
	DrawsChecked  int
	TotalDraws    int
	BytesCompared int64
	Error         string
}

// Discrepancy is the stored form of a run's first divergent draw.
type Discrepancy struct {
	RunID          string
	EventID        uint32
	ResourceID     uint64
	Mip            uint32
	Slice          uint32
	Kind           string
	DrawName       string
	Replay         int
	ExpectedDigest string
	ActualDigest   string
}
