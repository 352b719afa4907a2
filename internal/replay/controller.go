// Package replay connects flakefinder to a capture replay backend.
//
// A backend is a process that owns a loaded capture and can move replay to
// any event, report the output bindings at that event and return resource
// contents. flakefinder speaks to it over gRPC, either by starting a local
// backend executable or by dialling a remote one:
//
//	client, err := replay.Open(ctx, replay.Config{
//		CapturePath: "frame.rdc",
//		BackendPath: "/opt/replay/replay-backend",
//	})
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
// Client implements Controller, which is all the scanner needs.
package replay

import (
	"context"

	"github.com/blackwell-systems/flakefinder/internal/capture"
)

// Controller drives replay of a single loaded capture.
type Controller interface {
	// RootActions returns the top level of the capture's action tree.
	RootActions(ctx context.Context) ([]*capture.Action, error)

	// SetFrameEvent replays up to and including eid. With force set the
	// backend replays even when it is already positioned at eid.
	SetFrameEvent(ctx context.Context, eid capture.EventID, force bool) error

	// PipelineState returns the output bindings at the current event.
	PipelineState(ctx context.Context) (*capture.PipelineState, error)

	// TextureData returns the contents of one subresource of a texture.
	TextureData(ctx context.Context, id capture.ResourceID, sub capture.Subresource) ([]byte, error)

	// BufferData returns length bytes of a buffer from offset. A zero length
	// reads to the end of the buffer.
	BufferData(ctx context.Context, id capture.ResourceID, offset, length uint64) ([]byte, error)

	// Shutdown releases the capture on the backend.
	Shutdown(ctx context.Context) error
}
