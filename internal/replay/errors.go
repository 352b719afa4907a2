package replay

import (
	"fmt"

	"github.com/blackwell-systems/flakefinder/internal/capture"
)

// ConnectStage describes where connecting to a backend failed.
type ConnectStage string

const (
	// StageSpawn indicates the local backend executable could not be started.
	StageSpawn ConnectStage = "spawn"
	// StageDial indicates the gRPC connection could not be created.
	StageDial ConnectStage = "dial"
	// StageHealth indicates the backend never reported SERVING.
	StageHealth ConnectStage = "health"
)

// CaptureLoadError reports a capture that could not be transferred or opened.
type CaptureLoadError struct {
	Path string
	Err  error
}

func (e *CaptureLoadError) Error() string {
	return fmt.Sprintf("couldn't open capture %s: %v", e.Path, e.Err)
}

func (e *CaptureLoadError) Unwrap() error { return e.Err }

// BackendConnectError reports a replay backend that could not be reached.
type BackendConnectError struct {
	Target string
	Stage  ConnectStage
	Err    error
}

func (e *BackendConnectError) Error() string {
	return fmt.Sprintf("couldn't connect to replay backend %s (%s): %v", e.Target, e.Stage, e.Err)
}

func (e *BackendConnectError) Unwrap() error { return e.Err }

// ReplayError reports a failed backend operation at a given event.
type ReplayError struct {
	EventID capture.EventID
	Op      string
	Err     error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("replay failed at EID %d (%s): %v", e.EventID, e.Op, e.Err)
}

func (e *ReplayError) Unwrap() error { return e.Err }
