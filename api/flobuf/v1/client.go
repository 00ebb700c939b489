package flobufv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// BufferServiceClient is the client API for BufferService.
type BufferServiceClient interface {
	Publish(ctx context.Context, opts ...grpc.CallOption) (BufferService_PublishClient, error)
	Subscribe(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (BufferService_SubscribeClient, error)
	Purge(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*wrapperspb.StringValue, error)
	Reset(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*wrapperspb.StringValue, error)
}

type BufferService_PublishClient interface {
	Send(*wrapperspb.BytesValue) error
	CloseAndRecv() (*emptypb.Empty, error)
	grpc.ClientStream
}

type BufferService_SubscribeClient interface {
	Recv() (*wrapperspb.BytesValue, error)
	grpc.ClientStream
}

type bufferServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewBufferServiceClient returns a client bound to cc.
func NewBufferServiceClient(cc grpc.ClientConnInterface) BufferServiceClient {
	return &bufferServiceClient{cc}
}

func (c *bufferServiceClient) Purge(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*wrapperspb.StringValue, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, PurgeMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *bufferServiceClient) Reset(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*wrapperspb.StringValue, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, ResetMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *bufferServiceClient) Publish(ctx context.Context, opts ...grpc.CallOption) (BufferService_PublishClient, error) {
	stream, err := c.cc.NewStream(ctx, &BufferService_ServiceDesc.Streams[0], PublishMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &publishClient{stream}, nil
}

type publishClient struct {
	grpc.ClientStream
}

func (x *publishClient) Send(m *wrapperspb.BytesValue) error {
	return x.ClientStream.SendMsg(m)
}

func (x *publishClient) CloseAndRecv() (*emptypb.Empty, error) {
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	m := new(emptypb.Empty)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *bufferServiceClient) Subscribe(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (BufferService_SubscribeClient, error) {
	stream, err := c.cc.NewStream(ctx, &BufferService_ServiceDesc.Streams[1], SubscribeMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &subscribeClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type subscribeClient struct {
	grpc.ClientStream
}

func (x *subscribeClient) Recv() (*wrapperspb.BytesValue, error) {
	m := new(wrapperspb.BytesValue)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
