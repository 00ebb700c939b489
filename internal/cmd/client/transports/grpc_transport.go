// Package transports provides pluggable transport implementations for the CLI.
package transports

import (
	"context"
	"io"
	"strconv"

	"github.com/cockroachdb/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	flobufv1 "github.com/rzbill/flobuf/api/flobuf/v1"
	"github.com/rzbill/flobuf/internal/frame"
)

// GrpcTransport implements BufferTransport over gRPC.
type GrpcTransport struct {
	dial func(ctx context.Context) (*grpc.ClientConn, error)
}

// NewGrpcTransport constructs a new GrpcTransport using the provided dialer.
func NewGrpcTransport(dial func(ctx context.Context) (*grpc.ClientConn, error)) *GrpcTransport {
	return &GrpcTransport{dial: dial}
}

func (t *GrpcTransport) withClient(ctx context.Context, fn func(cli flobufv1.BufferServiceClient) error) error {
	conn, err := t.dial(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()
	return fn(flobufv1.NewBufferServiceClient(conn))
}

// Purge asks the server to reclaim windows up to req's window.
func (t *GrpcTransport) Purge(ctx context.Context, req WindowRequest) (string, error) {
	in, err := flobufv1.WindowRequest(req).Struct()
	if err != nil {
		return "", err
	}
	var msg string
	err = t.withClient(ctx, func(cli flobufv1.BufferServiceClient) error {
		out, err := cli.Purge(ctx, in)
		if err != nil {
			return err
		}
		msg = out.GetValue()
		return nil
	})
	return msg, statusMessage(err)
}

// Reset asks the server to discard identity's buffer.
func (t *GrpcTransport) Reset(ctx context.Context, identity string) (string, error) {
	in, err := flobufv1.WindowRequest{Identity: identity}.Struct()
	if err != nil {
		return "", err
	}
	var msg string
	err = t.withClient(ctx, func(cli flobufv1.BufferServiceClient) error {
		out, err := cli.Reset(ctx, in)
		if err != nil {
			return err
		}
		msg = out.GetValue()
		return nil
	})
	return msg, statusMessage(err)
}

// Publish registers as req.Identity and streams req.Frames in chunks.
func (t *GrpcTransport) Publish(ctx context.Context, req PublishRequest) (uint32, error) {
	if req.ChunkSize <= 0 {
		req.ChunkSize = 32 << 10
	}
	ctx = metadata.AppendToOutgoingContext(ctx,
		flobufv1.MetadataIdentity, req.Identity,
		flobufv1.MetadataBase, strconv.FormatUint(uint64(req.BaseSeconds), 10),
		flobufv1.MetadataWindow, strconv.FormatUint(uint64(req.Window), 10),
	)
	var base uint32
	err := t.withClient(ctx, func(cli flobufv1.BufferServiceClient) error {
		stream, err := cli.Publish(ctx)
		if err != nil {
			return err
		}
		md, err := stream.Header()
		if err != nil {
			return err
		}
		if v := md.Get(flobufv1.MetadataBase); len(v) > 0 {
			n, err := strconv.ParseUint(v[0], 10, 32)
			if err != nil {
				return errors.Wrapf(err, "server base %q", v[0])
			}
			base = uint32(n)
		}
		buf := make([]byte, req.ChunkSize)
		for {
			n, rerr := req.Frames.Read(buf)
			if n > 0 {
				if err := stream.Send(wrapperspb.Bytes(append([]byte(nil), buf[:n]...))); err != nil {
					if err == io.EOF {
						_, err = stream.CloseAndRecv()
					}
					return err
				}
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				return rerr
			}
		}
		_, err = stream.CloseAndRecv()
		return err
	})
	return base, statusMessage(err)
}

// Subscribe streams frames and invokes onFrame for each one until the
// stream ends, ctx is cancelled or onFrame fails.
func (t *GrpcTransport) Subscribe(ctx context.Context, req SubscribeRequest, onFrame func(frame.View) error) error {
	in, err := flobufv1.SubscribeRequest(req).Struct()
	if err != nil {
		return err
	}
	return t.withClient(ctx, func(cli flobufv1.BufferServiceClient) error {
		stream, err := cli.Subscribe(ctx, in)
		if err != nil {
			return err
		}
		for {
			m, err := stream.Recv()
			if err != nil {
				if err == io.EOF || status.Code(err) == codes.Canceled {
					return nil
				}
				return statusMessage(err)
			}
			if err := frame.Split(m.GetValue(), onFrame); err != nil {
				return err
			}
		}
	})
}

// statusMessage reduces a gRPC status error to its message so the CLI
// prints what the server said.
func statusMessage(err error) error {
	if err == nil {
		return nil
	}
	if s, ok := status.FromError(err); ok {
		return errors.Newf("%s: %s", s.Code(), s.Message())
	}
	return err
}
