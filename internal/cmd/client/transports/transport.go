package transports

import (
	"context"
	"io"

	"github.com/rzbill/flobuf/internal/frame"
)

// WindowRequest names a publisher buffer and, for purge, the last window
// to reclaim.
type WindowRequest struct {
	Identity    string
	BaseSeconds uint32
	Window      uint32
}

// SubscribeRequest describes joining a subscriber group.
type SubscribeRequest struct {
	ID          string
	Group       string
	Upstream    string
	BaseSeconds uint32
	Window      uint32
	Policy      string
	Expr        string
	Partitions  []int32
	Mask        int32
}

// PublishRequest registers a publisher and streams frames read from Frames.
type PublishRequest struct {
	Identity    string
	BaseSeconds uint32
	Window      uint32
	Frames      io.Reader
	// ChunkSize bounds each message sent upstream. Defaults to 32KiB.
	ChunkSize int
}

// AdminTransport carries buffer administration requests (gRPC/HTTP).
type AdminTransport interface {
	Purge(ctx context.Context, req WindowRequest) (string, error)
	Reset(ctx context.Context, identity string) (string, error)
}

// BufferTransport adds the streaming calls only gRPC carries.
type BufferTransport interface {
	AdminTransport
	// Publish returns the base the server rewound the buffer to.
	Publish(ctx context.Context, req PublishRequest) (uint32, error)
	Subscribe(ctx context.Context, req SubscribeRequest, onFrame func(frame.View) error) error
}
