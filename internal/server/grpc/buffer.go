package grpcserver

import (
	"context"
	"io"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	flobufv1 "github.com/rzbill/flobuf/api/flobuf/v1"
	"github.com/rzbill/flobuf/internal/buffer"
	"github.com/rzbill/flobuf/internal/frame"
	"github.com/rzbill/flobuf/internal/runtime"
	"github.com/rzbill/flobuf/pkg/id"
	"github.com/rzbill/flobuf/pkg/log"
)

type bufferSvc struct {
	rt           *runtime.Runtime
	logger       log.Logger
	queueLen     int
	writeTimeout time.Duration
}

func (s *bufferSvc) Purge(ctx context.Context, in *structpb.Struct) (*wrapperspb.StringValue, error) {
	req, err := flobufv1.ParseWindowRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	msg, err := s.rt.Purge(req.Identity, req.BaseSeconds, req.Window)
	if err != nil {
		return nil, toStatus(err, msg)
	}
	return wrapperspb.String(msg), nil
}

func (s *bufferSvc) Reset(ctx context.Context, in *structpb.Struct) (*wrapperspb.StringValue, error) {
	req, err := flobufv1.ParseWindowRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	msg, err := s.rt.Reset(req.Identity)
	if err != nil {
		return nil, toStatus(err, msg)
	}
	return wrapperspb.String(msg), nil
}

// Publish registers the stream as the publisher named in its metadata and
// appends every complete frame it sends. A message may end mid-frame; the
// remainder is kept until the next one.
func (s *bufferSvc) Publish(stream flobufv1.BufferService_PublishServer) error {
	ctx := stream.Context()
	identity, base, window, err := publishMetadata(ctx)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	peer := newPublisherPeer()
	w, cut, err := s.rt.Publisher(identity, base, window, peer)
	if err != nil {
		return toStatus(err, "")
	}
	defer s.rt.ReleasePublisher(identity, peer)
	if err := stream.SendHeader(metadata.Pairs(flobufv1.MetadataBase, strconv.FormatUint(uint64(cut), 10))); err != nil {
		return err
	}

	type recv struct {
		data []byte
		err  error
	}
	msgs := make(chan recv)
	go func() {
		for {
			m, err := stream.Recv()
			select {
			case msgs <- recv{data: m.GetValue(), err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var pending []byte
	for {
		var r recv
		select {
		case <-peer.gone:
			return status.Error(codes.Aborted, "publisher replaced or reset")
		case <-ctx.Done():
			return ctx.Err()
		case r = <-msgs:
		}
		if errors.Is(r.err, io.EOF) {
			if len(pending) > 0 {
				return status.Errorf(codes.InvalidArgument, "stream ended inside a frame (%d bytes left)", len(pending))
			}
			return stream.SendAndClose(&emptypb.Empty{})
		}
		if r.err != nil {
			return r.err
		}
		pending = append(pending, r.data...)
		n, err := completeFrames(pending)
		if err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		if err := w.Append(pending[:n]); err != nil {
			return toStatus(err, "")
		}
		pending = append(pending[:0], pending[n:]...)
	}
}

// completeFrames returns the length of the longest prefix of buf made of
// whole frames.
func completeFrames(buf []byte) (int, error) {
	off := 0
	for off < len(buf) {
		v, err := frame.Decode(buf, off)
		if errors.Is(err, frame.ErrIncomplete) {
			return off, nil
		}
		if err != nil {
			return 0, err
		}
		off = v.End()
	}
	return off, nil
}

func publishMetadata(ctx context.Context) (identity string, base, window uint32, err error) {
	md, _ := metadata.FromIncomingContext(ctx)
	get := func(key string) string {
		if v := md.Get(key); len(v) > 0 {
			return v[0]
		}
		return ""
	}
	identity = get(flobufv1.MetadataIdentity)
	if identity == "" {
		return "", 0, 0, errors.Newf("metadata %s is required", flobufv1.MetadataIdentity)
	}
	parse := func(key string) (uint32, error) {
		v := get(key)
		if v == "" {
			return 0, nil
		}
		n, err := strconv.ParseUint(v, 10, 32)
		return uint32(n), errors.Wrapf(err, "metadata %s", key)
	}
	if base, err = parse(flobufv1.MetadataBase); err != nil {
		return "", 0, 0, err
	}
	if window, err = parse(flobufv1.MetadataWindow); err != nil {
		return "", 0, 0, err
	}
	return identity, base, window, nil
}

// Subscribe joins the requested group and streams its frames until the
// client goes away, the connection falls too far behind or is replaced.
// The sender runs before the group attaches so catch-up drains at the
// client's pace.
func (s *bufferSvc) Subscribe(in *structpb.Struct, stream flobufv1.BufferService_SubscribeServer) error {
	req, err := flobufv1.ParseSubscribeRequest(in)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if req.ID == "" {
		req.ID = id.New()
	}
	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()
	conn := newSubscriberConn(req.ID, s.queueLen, s.writeTimeout)
	sent := make(chan error, 1)
	go func() { sent <- s.pump(ctx, stream, conn) }()

	n, err := s.rt.Subscribe(runtime.SubscribeRequest{
		ID:          req.ID,
		Group:       req.Group,
		Upstream:    req.Upstream,
		BaseSeconds: req.BaseSeconds,
		Window:      req.Window,
		Policy:      req.Policy,
		Expr:        req.Expr,
		Partitions:  req.Partitions,
		Mask:        req.Mask,
	}, conn)
	if err != nil {
		cancel()
		<-sent
		return toStatus(err, "")
	}
	defer s.rt.Unsubscribe(req.Group, conn)

	select {
	case err := <-sent:
		return err
	case <-n.Done():
		return status.Error(codes.Unavailable, "subscriber group closed")
	}
}

// pump sends queued frames until the stream or the connection ends.
func (s *bufferSvc) pump(ctx context.Context, stream flobufv1.BufferService_SubscribeServer, conn *subscriberConn) error {
	defer conn.Disconnect()
	for {
		select {
		case f := <-conn.queue:
			if err := stream.Send(wrapperspb.Bytes(conn.batch(f))); err != nil {
				return err
			}
		case <-conn.dropped:
			s.logger.Warn("subscriber fell behind", log.Str("conn", conn.id), log.Int("queue", cap(conn.queue)))
			return status.Error(codes.ResourceExhausted, ErrSlowSubscriber.Error())
		case <-conn.gone:
			return status.Error(codes.Aborted, "subscriber replaced")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// toStatus maps domain errors onto gRPC codes. msg, when set, is the text
// the requester sees.
func toStatus(err error, msg string) error {
	if msg == "" {
		msg = err.Error()
	}
	switch {
	case errors.Is(err, runtime.ErrUnknownIdentifier):
		return status.Error(codes.NotFound, msg)
	case errors.Is(err, runtime.ErrInvalidRequest),
		errors.Is(err, frame.ErrCorrupt),
		errors.Is(err, frame.ErrIncomplete):
		return status.Error(codes.InvalidArgument, msg)
	case errors.Is(err, buffer.ErrRevoked):
		return status.Error(codes.Aborted, "publisher replaced or reset")
	case errors.Is(err, runtime.ErrClosed), errors.Is(err, buffer.ErrClosed):
		return status.Error(codes.Unavailable, msg)
	case errors.Is(err, buffer.ErrStorageFailure):
		return status.Error(codes.DataLoss, msg)
	default:
		return status.Error(codes.Internal, msg)
	}
}

var _ flobufv1.BufferServiceServer = (*bufferSvc)(nil)
