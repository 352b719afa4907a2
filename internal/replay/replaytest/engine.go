// Package replaytest provides a synthetic replay backend for tests.
//
// An Engine serves a fabricated capture whose output contents are a pure
// function of (event, resource) unless a draw is marked flaky, in which case
// the contents alternate between odd and even replay attempts. It can be used
// directly as a replay.Controller or served over an in-memory gRPC listener.
package replaytest

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/blackwell-systems/flakefinder/internal/capture"
	"github.com/blackwell-systems/flakefinder/internal/replay"
)

// Engine is a synthetic capture with controllable non-determinism.
type Engine struct {
	mu sync.Mutex

	roots     []*capture.Action
	pipelines map[capture.EventID]*capture.PipelineState
	flaky     map[capture.EventID]map[capture.ResourceID]bool
	failAt    map[capture.EventID]error

	current  capture.EventID
	attempts map[capture.EventID]int

	// NotReplayable makes OpenCapture report that the capture cannot be
	// replayed on this backend.
	NotReplayable bool

	opened   string
	uploads  map[string]*bytes.Buffer
	shutdown bool
}

var _ replay.Service = (*Engine)(nil)

// NewEngine returns an engine whose capture has draws draw calls with EIDs
// 1..draws under a single marker, followed by a present. Each draw writes
// ColorTarget and DepthTarget.
func NewEngine(draws int) *Engine {
	e := &Engine{
		pipelines: make(map[capture.EventID]*capture.PipelineState),
		flaky:     make(map[capture.EventID]map[capture.ResourceID]bool),
		failAt:    make(map[capture.EventID]error),
		attempts:  make(map[capture.EventID]int),
		uploads:   make(map[string]*bytes.Buffer),
	}

	marker := &capture.Action{EventID: 0, Name: "Frame", Flags: capture.FlagPushMarker}
	for i := 1; i <= draws; i++ {
		eid := capture.EventID(i)
		marker.Children = append(marker.Children, &capture.Action{
			EventID: eid,
			Name:    fmt.Sprintf("vkCmdDraw(%d)", i*3),
			Flags:   capture.FlagDrawcall,
		})
		e.pipelines[eid] = &capture.PipelineState{
			ColorTargets: []capture.Binding{{Resource: ColorTarget}},
			DepthTarget:  capture.Binding{Resource: DepthTarget},
		}
	}
	present := &capture.Action{EventID: capture.EventID(draws + 1), Name: "vkQueuePresentKHR", Flags: capture.FlagPresent}
	e.roots = []*capture.Action{marker, present}
	return e
}

// Resources bound by every draw of NewEngine.
const (
	ColorTarget capture.ResourceID = 100
	DepthTarget capture.ResourceID = 200
)

// SetRoots replaces the action tree.
func (e *Engine) SetRoots(roots []*capture.Action) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.roots = roots
}

// SetPipeline replaces the output bindings at eid.
func (e *Engine) SetPipeline(eid capture.EventID, p *capture.PipelineState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pipelines[eid] = p
}

// MakeFlaky makes the contents of id at eid alternate between odd and even
// replay attempts.
func (e *Engine) MakeFlaky(eid capture.EventID, id capture.ResourceID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.flaky[eid] == nil {
		e.flaky[eid] = make(map[capture.ResourceID]bool)
	}
	e.flaky[eid][id] = true
}

// FailAt makes replaying to eid fail with err.
func (e *Engine) FailAt(eid capture.EventID, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failAt[eid] = err
}

// Replays returns how many times replay was moved to eid.
func (e *Engine) Replays(eid capture.EventID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts[eid]
}

// ReplayedEvents returns every event replay was moved to, ascending.
func (e *Engine) ReplayedEvents() []capture.EventID {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]capture.EventID, 0, len(e.attempts))
	for eid := range e.attempts {
		out = append(out, eid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Opened returns the path passed to the last successful OpenCapture.
func (e *Engine) Opened() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opened
}

// IsShutdown reports whether Shutdown was called.
func (e *Engine) IsShutdown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shutdown
}

func (e *Engine) OpenCapture(ctx context.Context, path string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.NotReplayable {
		return false, nil
	}
	e.opened = path
	return true, nil
}

func (e *Engine) BeginCopy(ctx context.Context, name string, size int64) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := "upload-" + strconv.Itoa(len(e.uploads)+1)
	e.uploads[id] = bytes.NewBuffer(make([]byte, 0, size))
	return id, nil
}

func (e *Engine) CopyChunk(ctx context.Context, upload string, offset int64, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	buf, ok := e.uploads[upload]
	if !ok {
		return status.Errorf(codes.NotFound, "unknown upload %q", upload)
	}
	if int64(buf.Len()) != offset {
		return status.Errorf(codes.OutOfRange, "chunk at %d, expected %d", offset, buf.Len())
	}
	buf.Write(data)
	return nil
}

func (e *Engine) FinishCopy(ctx context.Context, upload string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.uploads[upload]; !ok {
		return "", status.Errorf(codes.NotFound, "unknown upload %q", upload)
	}
	return "/remote/" + upload + ".rdc", nil
}

// Upload returns the bytes received for an upload.
func (e *Engine) Upload(upload string) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	if buf, ok := e.uploads[upload]; ok {
		return buf.Bytes()
	}
	return nil
}

func (e *Engine) RootActions(ctx context.Context) ([]*capture.Action, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.roots, nil
}

func (e *Engine) SetFrameEvent(ctx context.Context, eid capture.EventID, force bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.failAt[eid]; err != nil {
		return err
	}
	if e.current == eid && !force {
		return nil
	}
	e.current = eid
	e.attempts[eid]++
	return nil
}

func (e *Engine) PipelineState(ctx context.Context) (*capture.PipelineState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pipelines[e.current]
	if !ok {
		return &capture.PipelineState{}, nil
	}
	return p, nil
}

func (e *Engine) TextureData(ctx context.Context, id capture.ResourceID, sub capture.Subresource) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.content(id, uint64(sub.Mip)<<32|uint64(sub.Slice)), nil
}

func (e *Engine) BufferData(ctx context.Context, id capture.ResourceID, offset, length uint64) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	data := e.content(id, 0)
	if offset > uint64(len(data)) {
		return nil, status.Errorf(codes.OutOfRange, "offset %d past end of buffer", offset)
	}
	data = data[offset:]
	if length != 0 && length < uint64(len(data)) {
		data = data[:length]
	}
	return data, nil
}

func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shutdown = true
	return nil
}

// content must be called with the lock held.
func (e *Engine) content(id capture.ResourceID, salt uint64) []byte {
	buf := make([]byte, 32)
	binary.LittleEndian.PutUint64(buf[0:], uint64(e.current))
	binary.LittleEndian.PutUint64(buf[8:], uint64(id))
	binary.LittleEndian.PutUint64(buf[16:], salt)
	if e.flaky[e.current][id] {
		binary.LittleEndian.PutUint64(buf[24:], uint64(e.attempts[e.current]%2))
	}
	return buf
}

// Serve serves svc on an in-memory listener for the duration of the test and
// returns a dialer for replay.Config.Dialer.
func Serve(tb testing.TB, svc replay.Service) func(context.Context, string) (net.Conn, error) {
	tb.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := replay.NewServer(svc)
	go srv.Serve(lis)
	tb.Cleanup(func() {
		srv.Stop()
		lis.Close()
	})

	return func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}
}
