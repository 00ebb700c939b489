// Package client provides the `flobuf` command-line client.
//
// The CLI talks to the flobuf gRPC and HTTP endpoints to publish, inspect
// and administer publisher buffers from a terminal. It is primarily
// intended for developers and operators.
//
// # Address configuration
//
// The gRPC address is read from FLOBUF_GRPC (default 127.0.0.1:7070) and
// the admin HTTP base URL from FLOBUF_HTTP (default http://127.0.0.1:7071).
//
// Usage
//
//	flobuf publish --identity sensor-1 --data hello --data world
//	flobuf publish --identity sensor-1 --file frames.bin --base-seconds 1726833600 --window 42
//
//	flobuf subscribe --upstream sensor-1 --group dashboards --policy round-robin --limit 10
//	flobuf subscribe --upstream sensor-1 --group shards --policy keyed --partitions 0,2 --mask 3
//
//	flobuf purge --identity sensor-1 --base-seconds 1726833600 --window 40
//	flobuf reset --identity sensor-1 --transport http
//	flobuf stats --identity sensor-1
//
// Notes
//
//   - publish and subscribe use the gRPC BufferService streams.
//   - purge and reset use gRPC unless --transport http is given.
//   - stats uses the HTTP API.
//   - subscribe prints one JSON object per frame; payload data appears as
//     payload_json, payload_text or payload_b64.
package client
