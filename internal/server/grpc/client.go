package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client calls the diagnostics service over a connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc.
func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

func (c *Client) DumpState(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(MethodDumpState), &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ForceRefresh(ctx context.Context, opts ...grpc.CallOption) (int64, error) {
	return c.callInt(ctx, MethodForceRefresh, opts)
}

func (c *Client) UnreadTotal(ctx context.Context, opts ...grpc.CallOption) (int64, error) {
	return c.callInt(ctx, MethodUnreadTotal, opts)
}

func (c *Client) ReloadList(ctx context.Context, opts ...grpc.CallOption) (int64, error) {
	return c.callInt(ctx, MethodReloadList, opts)
}

func (c *Client) callInt(ctx context.Context, method string, opts []grpc.CallOption) (int64, error) {
	out := new(wrapperspb.Int64Value)
	if err := c.cc.Invoke(ctx, FullMethod(method), &emptypb.Empty{}, out, opts...); err != nil {
		return 0, err
	}
	return out.GetValue(), nil
}
