package grpcserver

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrSlowSubscriber is reported to the node when a connection's queue is
// full. The node then drops the connection.
var ErrSlowSubscriber = errors.New("subscriber queue full")

// ErrDisconnected is reported for writes to a connection whose stream has
// ended.
var ErrDisconnected = errors.New("subscriber disconnected")

// maxBatchBytes bounds how many frames one Subscribe message carries.
const maxBatchBytes = 64 << 10

// subscriberConn queues frames for one Subscribe stream. Write never
// waits; WriteWait, used while the connection catches up alone, waits at
// most timeout for room before the connection counts as too slow.
type subscriberConn struct {
	id      string
	queue   chan []byte
	timeout time.Duration

	dropOnce sync.Once
	dropped  chan struct{}
	goneOnce sync.Once
	gone     chan struct{}
}

func newSubscriberConn(id string, queueLen int, timeout time.Duration) *subscriberConn {
	return &subscriberConn{
		id:      id,
		queue:   make(chan []byte, queueLen),
		timeout: timeout,
		dropped: make(chan struct{}),
		gone:    make(chan struct{}),
	}
}

func (c *subscriberConn) ID() string   { return c.id }
func (c *subscriberConn) Backlog() int { return len(c.queue) }

func (c *subscriberConn) Write(frame []byte) error {
	select {
	case <-c.gone:
		return ErrDisconnected
	default:
	}
	select {
	case c.queue <- frame:
		return nil
	default:
		c.drop()
		return ErrSlowSubscriber
	}
}

func (c *subscriberConn) WriteWait(frame []byte) error {
	select {
	case c.queue <- frame:
		return nil
	case <-c.gone:
		return ErrDisconnected
	default:
	}
	t := time.NewTimer(c.timeout)
	defer t.Stop()
	select {
	case c.queue <- frame:
		return nil
	case <-c.gone:
		return ErrDisconnected
	case <-t.C:
		c.drop()
		return ErrSlowSubscriber
	}
}

func (c *subscriberConn) drop() { c.dropOnce.Do(func() { close(c.dropped) }) }

// Disconnect ends the stream; another connection claimed the id or the
// server is shutting down.
func (c *subscriberConn) Disconnect() {
	c.goneOnce.Do(func() { close(c.gone) })
}

// batch appends the frames already queued after first, up to
// maxBatchBytes, without waiting for more.
func (c *subscriberConn) batch(first []byte) []byte {
	out := append([]byte(nil), first...)
	for len(out) < maxBatchBytes {
		select {
		case f := <-c.queue:
			out = append(out, f...)
		default:
			return out
		}
	}
	return out
}

// publisherPeer lets the registry evict a Publish stream.
type publisherPeer struct {
	once sync.Once
	gone chan struct{}
}

func newPublisherPeer() *publisherPeer {
	return &publisherPeer{gone: make(chan struct{})}
}

func (p *publisherPeer) Disconnect() {
	p.once.Do(func() { close(p.gone) })
}
