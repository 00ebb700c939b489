package grpcserver

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/rzbill/flobuf/internal/metrics"
	"github.com/rzbill/flobuf/pkg/log"
)

func unaryInterceptor(logger log.Logger, m *metrics.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		m.RecordRequest(info.FullMethod, err, time.Since(start))
		if err != nil {
			logger.Debug("request failed", log.Str("method", info.FullMethod),
				log.Str("code", status.Code(err).String()), log.Err(err))
		}
		return resp, err
	}
}

func streamInterceptor(logger log.Logger, m *metrics.Metrics) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		logger.Debug("stream opened", log.Str("method", info.FullMethod))
		err := handler(srv, ss)
		m.RecordRequest(info.FullMethod, err, time.Since(start))
		logger.Debug("stream closed", log.Str("method", info.FullMethod),
			log.Str("code", status.Code(err).String()), log.Duration("elapsed", time.Since(start)))
		return err
	}
}
