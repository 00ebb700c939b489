// Package grpcserver serves flobuf.v1.BufferService: publishers stream
// frames in, subscribers stream their group's frames out, and purge and
// reset are unary calls. The standard gRPC health service reports the
// runtime's health.
//
// Example:
//
//	rt, _ := runtime.Open(runtime.Options{Config: config.Default()})
//	s := grpcserver.New(rt, grpcserver.Options{Logger: logger})
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":7070")
package grpcserver
