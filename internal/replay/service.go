package replay

import (
	"context"
	"fmt"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/blackwell-systems/flakefinder/internal/capture"
)

// ServiceName is the fully qualified gRPC service name of the replay protocol.
const ServiceName = "flakefinder.replay.v1.Replay"

const (
	methodOpenCapture   = "OpenCapture"
	methodBeginCopy     = "BeginCopy"
	methodCopyChunk     = "CopyChunk"
	methodFinishCopy    = "FinishCopy"
	methodRootActions   = "RootActions"
	methodSetFrameEvent = "SetFrameEvent"
	methodPipelineState = "PipelineState"
	methodTextureData   = "TextureData"
	methodBufferData    = "BufferData"
	methodShutdown      = "Shutdown"
)

// Metadata keys carried by CopyChunk calls.
const (
	mdUploadID = "x-flakefinder-upload"
	mdOffset   = "x-flakefinder-offset"
)

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// Service is implemented by a backend that serves the replay protocol.
type Service interface {
	Controller

	// OpenCapture loads the capture at a path local to the backend and
	// reports whether it can be replayed there.
	OpenCapture(ctx context.Context, path string) (replayable bool, err error)

	// BeginCopy, CopyChunk and FinishCopy transfer a capture to the backend.
	// FinishCopy returns the backend-side path to pass to OpenCapture.
	BeginCopy(ctx context.Context, name string, size int64) (upload string, err error)
	CopyChunk(ctx context.Context, upload string, offset int64, data []byte) error
	FinishCopy(ctx context.Context, upload string) (path string, err error)
}

// NewServer returns a gRPC server serving svc and a health service that
// reports SERVING for it.
func NewServer(svc Service, opts ...grpc.ServerOption) *grpc.Server {
	s := grpc.NewServer(opts...)
	Register(s, svc)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return s
}

// Register registers svc as the replay service on s.
func Register(s grpc.ServiceRegistrar, svc Service) {
	s.RegisterService(&serviceDesc, svc)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Service)(nil),
	Methods: []grpc.MethodDesc{
		unary(methodOpenCapture, handleOpenCapture),
		unary(methodBeginCopy, handleBeginCopy),
		unary(methodCopyChunk, handleCopyChunk),
		unary(methodFinishCopy, handleFinishCopy),
		unary(methodRootActions, handleRootActions),
		unary(methodSetFrameEvent, handleSetFrameEvent),
		unary(methodPipelineState, handlePipelineState),
		unary(methodTextureData, handleTextureData),
		unary(methodBufferData, handleBufferData),
		unary(methodShutdown, handleShutdown),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "flakefinder/replay/v1/replay.proto",
}

// unary adapts a typed handler to grpc.MethodDesc.
func unary[Req any, Resp proto.Message](method string, call func(context.Context, Service, *Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			svc := srv.(Service)
			if interceptor == nil {
				out, err := call(ctx, svc, in)
				if err != nil {
					return nil, err
				}
				return out, nil
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			handler := func(ctx context.Context, req any) (any, error) {
				out, err := call(ctx, svc, req.(*Req))
				if err != nil {
					return nil, err
				}
				return out, nil
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func invalidArgument(format string, args ...any) error {
	return status.Errorf(codes.InvalidArgument, format, args...)
}

func handleOpenCapture(ctx context.Context, svc Service, in *structpb.Struct) (*structpb.Struct, error) {
	path := in.GetFields()[fieldPath].GetStringValue()
	if path == "" {
		return nil, invalidArgument("path is required")
	}
	ok, err := svc.OpenCapture(ctx, path)
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]any{fieldReplayable: ok})
}

func handleBeginCopy(ctx context.Context, svc Service, in *structpb.Struct) (*structpb.Struct, error) {
	fields := in.GetFields()
	name := fields[fieldName].GetStringValue()
	size, err := parseUint(fields[fieldSize])
	if err != nil {
		return nil, invalidArgument("size: %v", err)
	}
	upload, err := svc.BeginCopy(ctx, name, int64(size))
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]any{fieldUpload: upload})
}

func handleCopyChunk(ctx context.Context, svc Service, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	ids := md.Get(mdUploadID)
	offsets := md.Get(mdOffset)
	if len(ids) != 1 || len(offsets) != 1 {
		return nil, invalidArgument("chunk is missing upload metadata")
	}
	offset, err := strconv.ParseInt(offsets[0], 10, 64)
	if err != nil || offset < 0 {
		return nil, invalidArgument("invalid chunk offset %q", offsets[0])
	}
	if err := svc.CopyChunk(ctx, ids[0], offset, in.GetValue()); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

func handleFinishCopy(ctx context.Context, svc Service, in *structpb.Struct) (*structpb.Struct, error) {
	path, err := svc.FinishCopy(ctx, in.GetFields()[fieldUpload].GetStringValue())
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]any{fieldPath: path})
}

func handleRootActions(ctx context.Context, svc Service, _ *emptypb.Empty) (*structpb.Struct, error) {
	roots, err := svc.RootActions(ctx)
	if err != nil {
		return nil, err
	}
	return EncodeActions(roots)
}

func handleSetFrameEvent(ctx context.Context, svc Service, in *structpb.Struct) (*emptypb.Empty, error) {
	fields := in.GetFields()
	eid := capture.EventID(fields[fieldEventID].GetNumberValue())
	if err := svc.SetFrameEvent(ctx, eid, fields[fieldForce].GetBoolValue()); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

func handlePipelineState(ctx context.Context, svc Service, _ *emptypb.Empty) (*structpb.Struct, error) {
	p, err := svc.PipelineState(ctx)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, status.Error(codes.FailedPrecondition, "no pipeline state at current event")
	}
	return EncodePipelineState(p)
}

func handleTextureData(ctx context.Context, svc Service, in *structpb.Struct) (*wrapperspb.BytesValue, error) {
	fields := in.GetFields()
	id, err := parseResource(fields[fieldResource])
	if err != nil {
		return nil, invalidArgument("%v", err)
	}
	sub := capture.Subresource{
		Mip:   uint32(fields[fieldMip].GetNumberValue()),
		Slice: uint32(fields[fieldSlice].GetNumberValue()),
	}
	data, err := svc.TextureData(ctx, id, sub)
	if err != nil {
		return nil, err
	}
	return wrapperspb.Bytes(data), nil
}

func handleBufferData(ctx context.Context, svc Service, in *structpb.Struct) (*wrapperspb.BytesValue, error) {
	fields := in.GetFields()
	id, err := parseResource(fields[fieldResource])
	if err != nil {
		return nil, invalidArgument("%v", err)
	}
	offset, err := parseUint(fields[fieldOffset])
	if err != nil {
		return nil, invalidArgument("offset: %v", err)
	}
	length, err := parseUint(fields[fieldLength])
	if err != nil {
		return nil, invalidArgument("length: %v", err)
	}
	data, err := svc.BufferData(ctx, id, offset, length)
	if err != nil {
		return nil, err
	}
	return wrapperspb.Bytes(data), nil
}

func handleShutdown(ctx context.Context, svc Service, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := svc.Shutdown(ctx); err != nil {
		return nil, fmt.Errorf("shutdown: %w", err)
	}
	return &emptypb.Empty{}, nil
}
