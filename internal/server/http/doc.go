// Package httpserver is the admin surface of flobuf: health, registry
// statistics, purge and reset, Prometheus metrics and an SSE subscriber for
// inspecting a group from a browser or curl.
//
// Example:
//
//	rt, _ := runtime.Open(runtime.Options{Config: config.Default()})
//	s := httpserver.New(rt, httpserver.Options{Gatherer: prometheus.DefaultGatherer})
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":7071")
package httpserver
