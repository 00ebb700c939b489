package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"unicode/utf8"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/rzbill/flobuf/internal/frame"
)

// grpcAddrFromEnv returns the gRPC server address from FLOBUF_GRPC or a default.
func grpcAddrFromEnv() string {
	if addr := os.Getenv("FLOBUF_GRPC"); addr != "" {
		return addr
	}
	return "127.0.0.1:7070"
}

// httpURLFromEnv returns the admin HTTP base URL from FLOBUF_HTTP or a default.
func httpURLFromEnv() string {
	if u := os.Getenv("FLOBUF_HTTP"); u != "" {
		return u
	}
	return "http://127.0.0.1:7071"
}

// dialGRPCContext dials the flobuf gRPC endpoint with insecure transport for local/dev.
func dialGRPCContext(ctx context.Context) (*grpc.ClientConn, error) {
	return grpc.DialContext(ctx, grpcAddrFromEnv(), grpc.WithTransportCredentials(insecure.NewCredentials()))
}

// decodedFrame renders a frame for printing. Payload data becomes one of
// payload_json, payload_text or payload_b64.
func decodedFrame(v frame.View) map[string]any {
	out := map[string]any{"kind": v.Kind.String()}
	switch v.Kind {
	case frame.Payload:
		out["partition"] = v.Partition()
		decodePayload(out, v.Data())
	case frame.ResetWindow:
		out["base_seconds"] = v.BaseSeconds()
	case frame.NoMessage:
	default:
		out["sequence"] = v.Sequence()
	}
	return out
}

func decodePayload(out map[string]any, payload []byte) {
	// Try JSON first if it looks like JSON
	if len(payload) > 0 && (payload[0] == '{' || payload[0] == '[') {
		var v any
		if json.Unmarshal(payload, &v) == nil {
			out["payload_json"] = v
			return
		}
	}
	if utf8.Valid(payload) {
		out["payload_text"] = string(payload)
		return
	}
	out["payload_b64"] = base64.StdEncoding.EncodeToString(payload)
}
