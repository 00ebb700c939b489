// Package flobufv1 describes the flobuf.v1.BufferService gRPC API. The
// service is declared by hand over protobuf well-known types so clients
// need no generated code: requests are google.protobuf.Struct, frames
// travel as google.protobuf.BytesValue holding one or more encoded frames.
package flobufv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName = "flobuf.v1.BufferService"

	PublishMethod   = "/flobuf.v1.BufferService/Publish"
	SubscribeMethod = "/flobuf.v1.BufferService/Subscribe"
	PurgeMethod     = "/flobuf.v1.BufferService/Purge"
	ResetMethod     = "/flobuf.v1.BufferService/Reset"
)

// Publish stream metadata. The server answers with MetadataBase in the
// response header once the publisher is registered.
const (
	MetadataIdentity = "flobuf-identity"
	MetadataBase     = "flobuf-base-seconds"
	MetadataWindow   = "flobuf-window"
)

// BufferServiceServer is the server API for BufferService.
type BufferServiceServer interface {
	// Publish receives runs of frames for one publisher identity.
	Publish(BufferService_PublishServer) error
	// Subscribe streams a subscriber group's frames to one connection.
	Subscribe(*structpb.Struct, BufferService_SubscribeServer) error
	Purge(context.Context, *structpb.Struct) (*wrapperspb.StringValue, error)
	Reset(context.Context, *structpb.Struct) (*wrapperspb.StringValue, error)
}

type BufferService_PublishServer interface {
	SendAndClose(*emptypb.Empty) error
	Recv() (*wrapperspb.BytesValue, error)
	grpc.ServerStream
}

type BufferService_SubscribeServer interface {
	Send(*wrapperspb.BytesValue) error
	grpc.ServerStream
}

// RegisterBufferServiceServer registers srv on s.
func RegisterBufferServiceServer(s grpc.ServiceRegistrar, srv BufferServiceServer) {
	s.RegisterService(&BufferService_ServiceDesc, srv)
}

// BufferService_ServiceDesc is the grpc.ServiceDesc for BufferService.
var BufferService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BufferServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Purge", Handler: purgeHandler},
		{MethodName: "Reset", Handler: resetHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Publish", Handler: publishHandler, ClientStreams: true},
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
	},
	Metadata: "flobuf/v1/buffer.proto",
}

func purgeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BufferServiceServer).Purge(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: PurgeMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(BufferServiceServer).Purge(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func resetHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BufferServiceServer).Reset(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ResetMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(BufferServiceServer).Reset(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func publishHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(BufferServiceServer).Publish(&publishServer{stream})
}

type publishServer struct {
	grpc.ServerStream
}

func (x *publishServer) SendAndClose(m *emptypb.Empty) error {
	return x.ServerStream.SendMsg(m)
}

func (x *publishServer) Recv() (*wrapperspb.BytesValue, error) {
	m := new(wrapperspb.BytesValue)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func subscribeHandler(srv interface{}, stream grpc.ServerStream) error {
	m := new(structpb.Struct)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(BufferServiceServer).Subscribe(m, &subscribeServer{stream})
}

type subscribeServer struct {
	grpc.ServerStream
}

func (x *subscribeServer) Send(m *wrapperspb.BytesValue) error {
	return x.ServerStream.SendMsg(m)
}
