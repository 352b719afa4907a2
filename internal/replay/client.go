package replay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/blackwell-systems/flakefinder/internal/capture"
)

// Client is a Controller backed by a gRPC connection to a replay backend.
type Client struct {
	conn   *grpc.ClientConn
	target string
	logger *slog.Logger

	// proc is the backend started by Open for local replay, if any.
	proc *exec.Cmd

	// event is the last event replay was moved to, for error reports.
	event capture.EventID

	closeOnce sync.Once
	closeErr  error
}

var _ Controller = (*Client)(nil)

// NewClient wraps an existing connection. The caller keeps ownership of conn
// until Close is called.
func NewClient(conn *grpc.ClientConn, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{conn: conn, target: conn.Target(), logger: logger}
}

// Target returns the address the client is connected to.
func (c *Client) Target() string { return c.target }

func (c *Client) invoke(ctx context.Context, method string, in, out proto.Message) error {
	return c.conn.Invoke(ctx, fullMethod(method), in, out)
}

// OpenCapture asks the backend to load the capture at path, which must be
// visible to the backend.
func (c *Client) OpenCapture(ctx context.Context, path string) error {
	req, err := structpb.NewStruct(map[string]any{fieldPath: path})
	if err != nil {
		return &CaptureLoadError{Path: path, Err: err}
	}
	resp := &structpb.Struct{}
	if err := c.invoke(ctx, methodOpenCapture, req, resp); err != nil {
		return &CaptureLoadError{Path: path, Err: err}
	}
	if !resp.GetFields()[fieldReplayable].GetBoolValue() {
		return &CaptureLoadError{Path: path, Err: fmt.Errorf("capture cannot be replayed")}
	}
	c.logger.Debug("capture opened", "path", path, "target", c.target)
	return nil
}

// CopyCapture streams size bytes from r to the backend in chunks of
// chunkSize bytes and returns the backend-side path of the copy. progress, if
// set, is called with the fraction transferred after each chunk.
func (c *Client) CopyCapture(ctx context.Context, name string, r io.Reader, size int64, chunkSize int, progress func(float64)) (string, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	begin, err := structpb.NewStruct(map[string]any{
		fieldName: name,
		fieldSize: strconv.FormatInt(size, 10),
	})
	if err != nil {
		return "", &CaptureLoadError{Path: name, Err: err}
	}
	resp := &structpb.Struct{}
	if err := c.invoke(ctx, methodBeginCopy, begin, resp); err != nil {
		return "", &CaptureLoadError{Path: name, Err: fmt.Errorf("begin transfer: %w", err)}
	}
	upload := resp.GetFields()[fieldUpload].GetStringValue()

	buf := make([]byte, int(min(int64(chunkSize), max(size, 1))))
	var offset int64
	for offset < size {
		n, err := io.ReadFull(r, buf[:min(int64(len(buf)), size-offset)])
		if err != nil {
			return "", &CaptureLoadError{Path: name, Err: fmt.Errorf("read at offset %d: %w", offset, err)}
		}
		chunkCtx := metadata.AppendToOutgoingContext(ctx,
			mdUploadID, upload,
			mdOffset, strconv.FormatInt(offset, 10),
		)
		if err := c.invoke(chunkCtx, methodCopyChunk, wrapperspb.Bytes(buf[:n]), &emptypb.Empty{}); err != nil {
			return "", &CaptureLoadError{Path: name, Err: fmt.Errorf("transfer at offset %d: %w", offset, err)}
		}
		offset += int64(n)
		if progress != nil {
			progress(float64(offset) / float64(size))
		}
	}

	finish, err := structpb.NewStruct(map[string]any{fieldUpload: upload})
	if err != nil {
		return "", &CaptureLoadError{Path: name, Err: err}
	}
	resp = &structpb.Struct{}
	if err := c.invoke(ctx, methodFinishCopy, finish, resp); err != nil {
		return "", &CaptureLoadError{Path: name, Err: fmt.Errorf("finish transfer: %w", err)}
	}
	remote := resp.GetFields()[fieldPath].GetStringValue()
	c.logger.Debug("capture transferred", "name", name, "bytes", size, "remote_path", remote)
	return remote, nil
}

func (c *Client) RootActions(ctx context.Context) ([]*capture.Action, error) {
	resp := &structpb.Struct{}
	if err := c.invoke(ctx, methodRootActions, &emptypb.Empty{}, resp); err != nil {
		return nil, &ReplayError{Op: "root actions", Err: err}
	}
	roots, err := DecodeActions(resp)
	if err != nil {
		return nil, &ReplayError{Op: "root actions", Err: err}
	}
	return roots, nil
}

func (c *Client) SetFrameEvent(ctx context.Context, eid capture.EventID, force bool) error {
	c.event = eid
	req, err := eventRequest(eid, force)
	if err != nil {
		return &ReplayError{EventID: eid, Op: "set frame event", Err: err}
	}
	if err := c.invoke(ctx, methodSetFrameEvent, req, &emptypb.Empty{}); err != nil {
		return &ReplayError{EventID: eid, Op: "set frame event", Err: err}
	}
	return nil
}

func (c *Client) PipelineState(ctx context.Context) (*capture.PipelineState, error) {
	resp := &structpb.Struct{}
	if err := c.invoke(ctx, methodPipelineState, &emptypb.Empty{}, resp); err != nil {
		return nil, &ReplayError{EventID: c.event, Op: "pipeline state", Err: err}
	}
	p, err := DecodePipelineState(resp)
	if err != nil {
		return nil, &ReplayError{EventID: c.event, Op: "pipeline state", Err: err}
	}
	return p, nil
}

func (c *Client) TextureData(ctx context.Context, id capture.ResourceID, sub capture.Subresource) ([]byte, error) {
	op := "texture data " + id.String()
	req, err := textureRequest(id, sub)
	if err != nil {
		return nil, &ReplayError{EventID: c.event, Op: op, Err: err}
	}
	resp := &wrapperspb.BytesValue{}
	if err := c.invoke(ctx, methodTextureData, req, resp); err != nil {
		return nil, &ReplayError{EventID: c.event, Op: op, Err: err}
	}
	return resp.GetValue(), nil
}

func (c *Client) BufferData(ctx context.Context, id capture.ResourceID, offset, length uint64) ([]byte, error) {
	op := "buffer data " + id.String()
	req, err := bufferRequest(id, offset, length)
	if err != nil {
		return nil, &ReplayError{EventID: c.event, Op: op, Err: err}
	}
	resp := &wrapperspb.BytesValue{}
	if err := c.invoke(ctx, methodBufferData, req, resp); err != nil {
		return nil, &ReplayError{EventID: c.event, Op: op, Err: err}
	}
	return resp.GetValue(), nil
}

func (c *Client) Shutdown(ctx context.Context) error {
	if err := c.invoke(ctx, methodShutdown, &emptypb.Empty{}, &emptypb.Empty{}); err != nil {
		return fmt.Errorf("shutdown replay on %s: %w", c.target, err)
	}
	return nil
}

// Close shuts the capture down, closes the connection and stops a backend
// started by Open. It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := c.Shutdown(ctx); err != nil {
			c.logger.Debug("backend shutdown failed", "error", err)
		}
		c.closeErr = c.conn.Close()
		if c.proc != nil {
			stopProcess(c.proc, c.logger)
		}
	})
	return c.closeErr
}
