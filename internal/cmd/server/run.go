package serverrun

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	cfgpkg "github.com/rzbill/flobuf/internal/config"
	"github.com/rzbill/flobuf/internal/metrics"
	"github.com/rzbill/flobuf/internal/runtime"
	grpcserver "github.com/rzbill/flobuf/internal/server/grpc"
	httpserver "github.com/rzbill/flobuf/internal/server/http"
	logpkg "github.com/rzbill/flobuf/pkg/log"
)

type Options struct {
	Config cfgpkg.Config
	// Logger defaults to one built from Config.Log.
	Logger logpkg.Logger
	// Registerer receives the server metrics. Defaults to a fresh
	// registry carrying the Go and process collectors.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	// Ready, when set, receives the bound gRPC and HTTP addresses once
	// both listeners are open.
	Ready func(grpcAddr, httpAddr net.Addr)
}

// Run starts gRPC and HTTP servers and blocks until ctx is cancelled or
// a server fails.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.Config
	if cfg.DataDir == "" {
		cfg.DataDir = cfgpkg.DefaultDataDir()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := opts.Logger
	if logger == nil {
		l, err := logpkg.ApplyConfig(cfg.Log)
		if err != nil {
			return errors.Wrap(err, "configure logging")
		}
		logger = l
	}
	restore := logpkg.RedirectStdLog(logger)
	defer restore()

	reg, gatherer := opts.Registerer, opts.Gatherer
	if reg == nil {
		r := prometheus.NewRegistry()
		r.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		reg, gatherer = r, r
	}
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	rt, err := runtime.Open(runtime.Options{Config: cfg, Logger: logger, Metrics: m})
	if err != nil {
		return err
	}
	defer rt.Close()

	gl, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return errors.Wrapf(err, "listen grpc %s", cfg.GRPCAddr)
	}
	hl, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		_ = gl.Close()
		return errors.Wrapf(err, "listen http %s", cfg.HTTPAddr)
	}

	logger.Info("starting flobuf server",
		logpkg.Str("grpc", gl.Addr().String()),
		logpkg.Str("http", hl.Addr().String()),
		logpkg.Str("data_dir", cfg.DataDir),
		logpkg.Int("block_size", cfg.Buffer.BlockSize),
		logpkg.Bool("spill", cfg.Buffer.Spill),
		logpkg.Str("default_policy", cfg.Subscribers.DefaultPolicy),
		logpkg.Duration("flush_window", cfg.Subscribers.FlushWindow),
	)

	gsrv := grpcserver.New(rt, grpcserver.Options{Logger: logger, Metrics: m})
	hsrv := httpserver.New(rt, httpserver.Options{Logger: logger, Gatherer: gatherer})
	if opts.Ready != nil {
		opts.Ready(gl.Addr(), hl.Addr())
	}

	g, gctx := errgroup.WithContext(sctx)
	g.Go(func() error { return gsrv.Serve(gctx, gl) })
	g.Go(func() error { return hsrv.Serve(gctx, hl) })
	g.Go(func() error {
		<-gctx.Done()
		// Closing the registry ends open streams.
		start := time.Now()
		err := rt.Close()
		logger.Info("runtime closed", logpkg.Duration("took", time.Since(start)))
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("flobuf server stopped")
	return nil
}
