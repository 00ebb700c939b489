package grpcserver

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	flobufv1 "github.com/rzbill/flobuf/api/flobuf/v1"
	"github.com/rzbill/flobuf/internal/metrics"
	"github.com/rzbill/flobuf/internal/runtime"
	"github.com/rzbill/flobuf/pkg/log"
)

// gracePeriod bounds how long shutdown waits for open streams.
const gracePeriod = 5 * time.Second

// Options configures the gRPC server.
type Options struct {
	Logger  log.Logger
	Metrics *metrics.Metrics
	// WriteTimeout is how long a subscriber catching up may keep its queue
	// full before it is dropped. Live subscribers are dropped as soon as
	// their queue overflows.
	WriteTimeout time.Duration
	// HealthInterval is how often the health status is refreshed.
	HealthInterval time.Duration
}

// Server owns the gRPC server instance and runtime.
type Server struct {
	rt     *runtime.Runtime
	grpc   *grpc.Server
	health *health.Server
	logger log.Logger
	every  time.Duration
	lis    net.Listener
}

// New constructs a gRPC server and registers the buffer and health services.
func New(rt *runtime.Runtime, opts Options, extra ...grpc.ServerOption) *Server {
	if opts.Logger == nil {
		opts.Logger = log.NewLogger(log.WithOutput(log.NewNullOutput()))
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 5 * time.Second
	}
	logger := opts.Logger.WithComponent("grpc")
	serverOpts := append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(unaryInterceptor(logger, opts.Metrics)),
		grpc.ChainStreamInterceptor(streamInterceptor(logger, opts.Metrics)),
	}, extra...)

	s := &Server{
		rt:     rt,
		grpc:   grpc.NewServer(serverOpts...),
		health: health.NewServer(),
		logger: logger,
		every:  opts.HealthInterval,
	}
	flobufv1.RegisterBufferServiceServer(s.grpc, &bufferSvc{
		rt:           rt,
		logger:       logger,
		queueLen:     rt.Config().Subscribers.QueueLength,
		writeTimeout: opts.WriteTimeout,
	})
	registerHealth(s.grpc, s.health)
	s.refreshHealth(context.Background())
	return s
}

// ListenAndServe binds to addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

// Serve accepts connections on l until ctx is done.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.lis = l
	s.logger.Info("serving", log.Str("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(l) }()
	go s.watchHealth(ctx)
	select {
	case <-ctx.Done():
		s.health.Shutdown()
		stopped := make(chan struct{})
		go func() {
			s.grpc.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(gracePeriod):
			s.grpc.Stop()
		}
		return nil
	case err := <-errCh:
		return err
	}
}

// Close stops the server and closes the listener.
func (s *Server) Close() {
	if s.grpc != nil {
		s.health.Shutdown()
		s.grpc.Stop()
	}
	if s.lis != nil {
		_ = s.lis.Close()
	}
}
