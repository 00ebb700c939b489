package controllers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/rzbill/flobuf/internal/frame"
	"github.com/rzbill/flobuf/internal/node"
	"github.com/rzbill/flobuf/internal/runtime"
	"github.com/rzbill/flobuf/pkg/id"
	"github.com/rzbill/flobuf/pkg/log"
)

var (
	errSlowSubscriber = errors.New("subscriber queue full")
	errDisconnected   = errors.New("subscriber disconnected")
)

// sseConn is a subscriber connection rendered as Server-Sent Events. The
// node writes raw frames into the queue; the handler goroutine drains it.
// Live writes never wait for room.
type sseConn struct {
	id      string
	queue   chan []byte
	timeout time.Duration

	dropOnce sync.Once
	dropped  chan struct{}
	goneOnce sync.Once
	gone     chan struct{}
}

func newSSEConn(id string, queueLen int, timeout time.Duration) *sseConn {
	return &sseConn{
		id:      id,
		queue:   make(chan []byte, queueLen),
		timeout: timeout,
		dropped: make(chan struct{}),
		gone:    make(chan struct{}),
	}
}

func (c *sseConn) ID() string   { return c.id }
func (c *sseConn) Backlog() int { return len(c.queue) }

func (c *sseConn) Write(raw []byte) error {
	select {
	case <-c.gone:
		return errDisconnected
	default:
	}
	select {
	case c.queue <- raw:
		return nil
	default:
		c.drop()
		return errSlowSubscriber
	}
}

// WriteWait is used during catch-up; it waits up to timeout for room.
func (c *sseConn) WriteWait(raw []byte) error {
	t := time.NewTimer(c.timeout)
	defer t.Stop()
	select {
	case c.queue <- raw:
		return nil
	case <-c.gone:
		return errDisconnected
	case <-t.C:
		c.drop()
		return errSlowSubscriber
	}
}

func (c *sseConn) drop() { c.dropOnce.Do(func() { close(c.dropped) }) }

func (c *sseConn) Disconnect() { c.goneOnce.Do(func() { close(c.gone) }) }

// sseSink writes frames as SSE data events.
type sseSink struct {
	w http.ResponseWriter
}

// Send renders one raw frame as a "data: {json}" event.
func (s sseSink) Send(raw []byte) error {
	v, err := frame.Decode(raw, 0)
	if err != nil {
		return err
	}
	ev := frameEvent{Kind: v.Kind.String()}
	switch v.Kind {
	case frame.Payload:
		p := v.Partition()
		ev.Partition = &p
		ev.Data = v.Data()
	case frame.ResetWindow:
		b := v.BaseSeconds()
		ev.BaseSeconds = &b
	case frame.NoMessage:
	default:
		seq := v.Sequence()
		ev.Sequence = &seq
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := s.w.Write(b); err != nil {
		return err
	}
	_, err = s.w.Write([]byte("\n\n"))
	return err
}

// Flush pushes buffered events to the client.
func (s sseSink) Flush() {
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
}

// handleSubscribe joins a subscriber group and streams its frames as SSE
// until the client goes away. Query parameters mirror the gRPC request:
// id, group, upstream, base_seconds, window, policy, expr, partitions and
// mask.
func (c *BufferController) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	q := r.URL.Query()
	base, ok1 := parseUint32(q.Get("base_seconds"))
	window, ok2 := parseUint32(q.Get("window"))
	parts, ok3 := parseInt32List(q.Get("partitions"))
	mask, ok4 := parseUint32(q.Get("mask"))
	if !ok1 || !ok2 || !ok3 || !ok4 {
		writeError(w, http.StatusBadRequest, "Invalid query parameters")
		return
	}

	connID := q.Get("id")
	if connID == "" {
		connID = id.New()
	}
	conn := newSSEConn(connID, c.queueLen, c.writeTimeout)
	req := runtime.SubscribeRequest{
		ID:          connID,
		Group:       q.Get("group"),
		Upstream:    q.Get("upstream"),
		BaseSeconds: base,
		Window:      window,
		Policy:      q.Get("policy"),
		Expr:        q.Get("expr"),
		Partitions:  parts,
		Mask:        int32(mask),
	}
	// Catch-up is written while Subscribe runs, so the queue is drained
	// concurrently with it.
	type subscribed struct {
		n   *node.Node
		err error
	}
	res := make(chan subscribed, 1)
	go func() {
		n, err := c.rt.Subscribe(req, conn)
		res <- subscribed{n, err}
	}()
	pending := true
	defer func() {
		conn.Disconnect()
		if pending {
			if s := <-res; s.err == nil {
				c.rt.Unsubscribe(req.Group, conn)
			}
		}
	}()

	sink := sseSink{w: w}
	started := false
	start := func() {
		if started {
			return
		}
		started = true
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
	}
	var done <-chan struct{}
	for {
		select {
		case s := <-res:
			pending = false
			if s.err != nil {
				if !started {
					status := http.StatusInternalServerError
					if errors.Is(s.err, runtime.ErrInvalidRequest) {
						status = http.StatusBadRequest
					}
					writeError(w, status, s.err.Error())
				}
				return
			}
			defer c.rt.Unsubscribe(req.Group, conn)
			done = s.n.Done()
			start()
			sink.Flush()
		case raw := <-conn.queue:
			start()
			if err := sink.Send(raw); err != nil {
				return
			}
			for drained := false; !drained; {
				select {
				case raw := <-conn.queue:
					if err := sink.Send(raw); err != nil {
						return
					}
				default:
					drained = true
				}
			}
			sink.Flush()
		case <-conn.dropped:
			c.logger.Warn("sse subscriber fell behind", log.Str("conn", conn.id))
			return
		case <-conn.gone:
			return
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
