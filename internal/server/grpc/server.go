// Package grpcserver exposes the agent's diagnostics gRPC API. The service uses
// protobuf well-known types only, so its descriptor is written by hand.
package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/and161185/rxportal/internal/convert"
	"github.com/and161185/rxportal/internal/model"
	"github.com/and161185/rxportal/internal/portal"
	"github.com/and161185/rxportal/internal/unread"
)

// ServiceName is the fully qualified diagnostics service name.
const ServiceName = "rxportal.v1.Diagnostics"

// Method names.
const (
	MethodDumpState    = "DumpState"
	MethodForceRefresh = "ForceRefresh"
	MethodUnreadTotal  = "UnreadTotal"
	MethodReloadList   = "ReloadList"
)

// FullMethod returns the wire path of a diagnostics method.
func FullMethod(method string) string { return "/" + ServiceName + "/" + method }

// DiagnosticsServer is the server API of the diagnostics service.
type DiagnosticsServer interface {
	DumpState(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ForceRefresh(context.Context, *emptypb.Empty) (*wrapperspb.Int64Value, error)
	UnreadTotal(context.Context, *emptypb.Empty) (*wrapperspb.Int64Value, error)
	ReloadList(context.Context, *emptypb.Empty) (*wrapperspb.Int64Value, error)
}

// Engine is the part of the sync engine the diagnostics service reads.
type Engine interface {
	Snapshot() portal.Snapshot
	LoadConversationList(ctx context.Context) ([]model.Conversation, error)
}

// Server wires the engine and the unread tracker into gRPC handlers.
type Server struct {
	engine Engine
	unread unread.Counter
}

var _ DiagnosticsServer = (*Server)(nil)

// New constructs the diagnostics server.
func New(engine Engine, counter unread.Counter) *Server {
	return &Server{engine: engine, unread: counter}
}

// Register adds the diagnostics service to gs.
func Register(gs grpc.ServiceRegistrar, srv DiagnosticsServer) {
	gs.RegisterService(&ServiceDesc, srv)
}

// DumpState returns the engine snapshot and the tracker state.
func (s *Server) DumpState(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st, err := convert.State(s.engine.Snapshot(), s.unread.Snapshot())
	if err != nil {
		return nil, toStatus("dump state", err)
	}
	return st, nil
}

// ForceRefresh re-fetches the authoritative unread total.
func (s *Server) ForceRefresh(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.Int64Value, error) {
	n, err := s.unread.ForceRefresh(ctx)
	if err != nil {
		return nil, toStatus("force refresh", err)
	}
	return wrapperspb.Int64(int64(n)), nil
}

// UnreadTotal returns the tracker's current total without fetching.
func (s *Server) UnreadTotal(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.Int64Value, error) {
	return wrapperspb.Int64(int64(s.unread.Snapshot().Total)), nil
}

// ReloadList reloads the conversation list and returns its length.
func (s *Server) ReloadList(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.Int64Value, error) {
	convs, err := s.engine.LoadConversationList(ctx)
	if err != nil {
		return nil, toStatus("reload list", err)
	}
	return wrapperspb.Int64(int64(len(convs))), nil
}

func emptyHandler(method string, call func(DiagnosticsServer, context.Context, *emptypb.Empty) (proto.Message, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, ic grpc.UnaryServerInterceptor) (any, error) {
		in := new(emptypb.Empty)
		if err := dec(in); err != nil {
			return nil, err
		}
		h := func(ctx context.Context, req any) (any, error) {
			return call(srv.(DiagnosticsServer), ctx, req.(*emptypb.Empty))
		}
		if ic == nil {
			return h(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
		return ic(ctx, in, info, h)
	}
}

// ServiceDesc describes the diagnostics service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DiagnosticsServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: MethodDumpState,
			Handler: emptyHandler(MethodDumpState, func(s DiagnosticsServer, ctx context.Context, in *emptypb.Empty) (proto.Message, error) {
				return s.DumpState(ctx, in)
			}),
		},
		{
			MethodName: MethodForceRefresh,
			Handler: emptyHandler(MethodForceRefresh, func(s DiagnosticsServer, ctx context.Context, in *emptypb.Empty) (proto.Message, error) {
				return s.ForceRefresh(ctx, in)
			}),
		},
		{
			MethodName: MethodUnreadTotal,
			Handler: emptyHandler(MethodUnreadTotal, func(s DiagnosticsServer, ctx context.Context, in *emptypb.Empty) (proto.Message, error) {
				return s.UnreadTotal(ctx, in)
			}),
		},
		{
			MethodName: MethodReloadList,
			Handler: emptyHandler(MethodReloadList, func(s DiagnosticsServer, ctx context.Context, in *emptypb.Empty) (proto.Message, error) {
				return s.ReloadList(ctx, in)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rxportal/v1/diagnostics.proto",
}
