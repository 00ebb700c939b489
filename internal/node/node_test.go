package node

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/rzbill/flobuf/internal/buffer"
	"github.com/rzbill/flobuf/internal/frame"
	"github.com/rzbill/flobuf/internal/policy"
)

type recConn struct {
	id   string
	fail bool

	mu     sync.Mutex
	frames [][]byte
}

func (c *recConn) ID() string   { return c.id }
func (c *recConn) Backlog() int { return 0 }

func (c *recConn) Write(b []byte) error {
	if c.fail {
		return errors.New("broken pipe")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, b)
	return nil
}

// decoded renders received frames as short strings, e.g. "B1" or "P:x".
func (c *recConn) decoded(t *testing.T) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, raw := range c.frames {
		v, err := frame.Decode(raw, 0)
		if err != nil {
			t.Fatalf("connection %s got a broken frame: %v", c.id, err)
		}
		switch v.Kind {
		case frame.ResetWindow:
			out = append(out, fmt.Sprintf("R%d", v.BaseSeconds()))
		case frame.BeginWindow:
			out = append(out, fmt.Sprintf("B%d", v.Sequence()))
		case frame.EndWindow:
			out = append(out, fmt.Sprintf("E%d", v.Sequence()))
		case frame.Payload:
			out = append(out, "P:"+string(v.Data()))
		default:
			out = append(out, v.Kind.String())
		}
	}
	return out
}

func (c *recConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func appendFrames(t *testing.T, dl *buffer.DataList, frames ...[]byte) {
	t.Helper()
	var buf []byte
	for _, f := range frames {
		buf = append(buf, f...)
	}
	if err := dl.Append(buf); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func reset(base uint32) []byte { return frame.AppendResetWindow(nil, base) }
func begin(seq uint32) []byte  { return frame.AppendBeginWindow(nil, seq) }
func end(seq uint32) []byte    { return frame.AppendEndWindow(nil, seq) }
func payload(p int32, s string) []byte {
	return frame.AppendPayload(nil, p, []byte(s))
}

func TestCatchUpThenLiveExactlyOnce(t *testing.T) {
	dl := buffer.New("pub", buffer.Options{BlockSize: 64})
	appendFrames(t, dl, reset(1), begin(1), payload(0, "a"), end(1))

	n := New(dl, Options{Group: "g"})
	c := &recConn{id: "c1"}
	if err := n.AddConnection(c, Partitions{}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if got := fmt.Sprint(c.decoded(t)); got != "[R1 B1 P:a E1]" {
		t.Fatalf("catch up delivered %s", got)
	}

	// Several appends, one flush.
	appendFrames(t, dl, begin(2), payload(0, "b"))
	appendFrames(t, dl, payload(0, "c"), end(2))
	n.Flush()
	// One append, several flushes.
	appendFrames(t, dl, begin(3), payload(0, "d"), end(3))
	n.Flush()
	n.Flush()

	want := "[R1 B1 P:a E1 B2 P:b P:c E2 B3 P:d E3]"
	if got := fmt.Sprint(c.decoded(t)); got != want {
		t.Fatalf("delivered %s want %s", got, want)
	}
	if n.BaseWindow() != frame.WindowID(1, 3) {
		t.Fatalf("base window %s", frame.FormatWindow(n.BaseWindow()))
	}
}

func TestLateConnectionJoinsLive(t *testing.T) {
	dl := buffer.New("pub", buffer.Options{})
	appendFrames(t, dl, reset(1), begin(1), payload(0, "old"))

	n := New(dl, Options{Group: "g"})
	a, b := &recConn{id: "a"}, &recConn{id: "b"}
	_ = n.AddConnection(a, Partitions{})
	_ = n.AddConnection(b, Partitions{})
	if b.count() != 0 {
		t.Fatalf("late connection replayed history: %v", b.decoded(t))
	}

	appendFrames(t, dl, payload(0, "x"), payload(0, "y"), end(1))
	n.Flush()

	// Payloads alternate, control frames reach both.
	if got := fmt.Sprint(a.decoded(t)); got != "[R1 B1 P:old P:y E1]" {
		t.Fatalf("a got %s", got)
	}
	if got := fmt.Sprint(b.decoded(t)); got != "[P:x E1]" {
		t.Fatalf("b got %s", got)
	}
}

func TestRoundRobinAcrossConnections(t *testing.T) {
	dl := buffer.New("pub", buffer.Options{})
	n := New(dl, Options{Group: "g", Policy: &policy.RoundRobin{}})
	conns := []*recConn{{id: "a"}, {id: "b"}, {id: "c"}}
	for _, c := range conns {
		_ = n.AddConnection(c, Partitions{})
	}
	for i := 0; i < 10; i++ {
		appendFrames(t, dl, payload(0, fmt.Sprint(i)))
	}
	n.Flush()
	for _, c := range conns {
		if got := c.count(); got != 3 && got != 4 {
			t.Fatalf("%s received %d of 10 frames", c.id, got)
		}
	}
}

func TestPartitionRouting(t *testing.T) {
	dl := buffer.New("pub", buffer.Options{})
	n := New(dl, Options{Group: "g", Policy: policy.Broadcast{}})
	odd, even := &recConn{id: "odd"}, &recConn{id: "even"}
	_ = n.AddConnection(odd, Partitions{Values: []int32{1}, Mask: 1})
	_ = n.AddConnection(even, Partitions{Values: []int32{0}, Mask: 1})

	appendFrames(t, dl, begin(1), payload(3, "three"), payload(4, "four"), end(1))
	n.Flush()
	if got := fmt.Sprint(odd.decoded(t)); got != "[B1 P:three E1]" {
		t.Fatalf("odd got %s", got)
	}
	if got := fmt.Sprint(even.decoded(t)); got != "[B1 P:four E1]" {
		t.Fatalf("even got %s", got)
	}
}

func TestUnmatchedPartitionIsBroadcast(t *testing.T) {
	dl := buffer.New("pub", buffer.Options{})
	n := New(dl, Options{Group: "g"})
	a, b := &recConn{id: "a"}, &recConn{id: "b"}
	_ = n.AddConnection(a, Partitions{Values: []int32{1}, Mask: 0xff})
	_ = n.AddConnection(b, Partitions{Values: []int32{2}, Mask: 0xff})

	appendFrames(t, dl, payload(1, "one"), payload(7, "seven"))
	n.Flush()
	if got := fmt.Sprint(a.decoded(t)); got != "[P:one P:seven]" {
		t.Fatalf("a got %s", got)
	}
	if got := fmt.Sprint(b.decoded(t)); got != "[P:seven]" {
		t.Fatalf("b got %s", got)
	}
}

func TestWriteErrorDropsOnlyThatConnection(t *testing.T) {
	dl := buffer.New("pub", buffer.Options{})
	n := New(dl, Options{Group: "g", Policy: policy.Broadcast{}})
	good, bad := &recConn{id: "good"}, &recConn{id: "bad", fail: true}
	_ = n.AddConnection(good, Partitions{})
	_ = n.AddConnection(bad, Partitions{})

	appendFrames(t, dl, payload(0, "1"), payload(0, "2"))
	n.Flush()
	if n.Connections() != 1 {
		t.Fatalf("connections: %d", n.Connections())
	}
	if got := fmt.Sprint(good.decoded(t)); got != "[P:1 P:2]" {
		t.Fatalf("good got %s", got)
	}
}

// waitingConn reports a full queue from Write and blocks in WriteWait
// until release is closed.
type waitingConn struct {
	recConn
	waits   atomic.Int32
	release chan struct{}
}

func (c *waitingConn) Write([]byte) error { return errors.New("queue full") }

func (c *waitingConn) WriteWait(b []byte) error {
	c.waits.Add(1)
	<-c.release
	return c.recConn.Write(b)
}

func TestSlowConnectionDoesNotStallGroup(t *testing.T) {
	dl := buffer.New("pub", buffer.Options{})
	appendFrames(t, dl, reset(1))
	n := New(dl, Options{Group: "g"})
	fast := &recConn{id: "fast"}
	slow := &waitingConn{recConn: recConn{id: "slow"}, release: make(chan struct{})}
	defer close(slow.release)
	_ = n.AddConnection(fast, Partitions{})
	_ = n.AddConnection(slow, Partitions{})

	appendFrames(t, dl, begin(1))
	done := make(chan struct{})
	go func() {
		n.Flush()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("flush waited on a full connection")
	}
	if got := fmt.Sprint(fast.decoded(t)); got != "[R1 B1]" {
		t.Fatalf("fast delivered %s", got)
	}
	if n.Connections() != 1 || slow.waits.Load() != 0 {
		t.Fatalf("connections=%d waits=%d", n.Connections(), slow.waits.Load())
	}
}

func TestCatchUpWaitsForRoom(t *testing.T) {
	dl := buffer.New("pub", buffer.Options{})
	appendFrames(t, dl, reset(1), begin(1))
	n := New(dl, Options{Group: "g"})
	c := &waitingConn{recConn: recConn{id: "c"}, release: make(chan struct{})}
	close(c.release)
	if err := n.AddConnection(c, Partitions{}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if got := fmt.Sprint(c.decoded(t)); got != "[R1 B1]" || c.waits.Load() != 2 {
		t.Fatalf("catch up delivered %s with %d waits", got, c.waits.Load())
	}
	if n.Connections() != 1 {
		t.Fatalf("catching up connection was dropped")
	}
}

func TestLastRemovalReleases(t *testing.T) {
	dl := buffer.New("pub", buffer.Options{})
	released := 0
	n := New(dl, Options{Group: "g", OnRelease: func(*Node) { released++ }})
	_ = n.AddConnection(&recConn{id: "a"}, Partitions{})
	_ = n.AddConnection(&recConn{id: "b"}, Partitions{})

	n.RemoveConnection("a")
	n.RemoveConnection("a")
	if released != 0 || dl.Iterators() != 1 {
		t.Fatalf("released early")
	}
	n.RemoveConnection("b")
	n.RemoveConnection("b")
	if released != 1 {
		t.Fatalf("release callback fired %d times", released)
	}
	if dl.Iterators() != 0 || dl.Listeners() != 0 {
		t.Fatalf("iterator or listener leaked: %d %d", dl.Iterators(), dl.Listeners())
	}
	select {
	case <-n.Done():
	default:
		t.Fatalf("done not closed")
	}
	if err := n.AddConnection(&recConn{id: "c"}, Partitions{}); err == nil {
		t.Fatalf("attach to a released group succeeded")
	}
}

func TestReplaceConnection(t *testing.T) {
	dl := buffer.New("pub", buffer.Options{})
	n := New(dl, Options{Group: "g"})
	first, second := &recConn{id: "same"}, &recConn{id: "same"}
	_ = n.AddConnection(first, Partitions{})
	_ = n.AddConnection(second, Partitions{})
	if n.Connections() != 1 {
		t.Fatalf("connections: %d", n.Connections())
	}
	appendFrames(t, dl, payload(0, "x"))
	n.Flush()
	if first.count() != 0 || second.count() != 1 {
		t.Fatalf("first=%d second=%d", first.count(), second.count())
	}
}

func TestResyncAfterPurge(t *testing.T) {
	dl := buffer.New("pub", buffer.Options{BlockSize: 1024})
	appendFrames(t, dl, reset(1), begin(1), payload(0, "a"))
	n := New(dl, Options{Group: "g"})
	c := &recConn{id: "c"}
	_ = n.AddConnection(c, Partitions{})

	appendFrames(t, dl, end(1), begin(2), payload(0, "b"), end(2), begin(3), payload(0, "c"))
	if err := dl.Purge(frame.WindowID(1, 2)); err != nil {
		t.Fatalf("purge: %v", err)
	}
	n.Flush()
	want := "[R1 B1 P:a B3 P:c]"
	if got := fmt.Sprint(c.decoded(t)); got != want {
		t.Fatalf("delivered %s want %s", got, want)
	}
}

func TestResyncAfterReset(t *testing.T) {
	dl := buffer.New("pub", buffer.Options{})
	appendFrames(t, dl, reset(1), begin(1))
	n := New(dl, Options{Group: "g"})
	c := &recConn{id: "c"}
	_ = n.AddConnection(c, Partitions{})

	if err := dl.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	appendFrames(t, dl, reset(2), begin(1))
	n.Flush()
	if got := fmt.Sprint(c.decoded(t)); got != "[R1 B1 R2 B1]" {
		t.Fatalf("delivered %s", got)
	}
}

func TestRunDeliversOnFlushSignal(t *testing.T) {
	dl := buffer.New("pub", buffer.Options{})
	n := New(dl, Options{Group: "g"})
	c := &recConn{id: "c"}
	_ = n.AddConnection(c, Partitions{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	for i := 0; i < 5; i++ {
		appendFrames(t, dl, payload(0, fmt.Sprint(i)))
	}
	deadline := time.Now().Add(2 * time.Second)
	for c.count() < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("delivered %d of 5", c.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
	n.RemoveConnection("c")
	select {
	case <-n.Done():
	case <-time.After(time.Second):
		t.Fatalf("node not released")
	}
}

func TestRunCoalescesWithinFlushWindow(t *testing.T) {
	dl := buffer.New("pub", buffer.Options{})
	n := New(dl, Options{Group: "g", FlushWindow: 20 * time.Millisecond})
	c := &recConn{id: "c"}
	_ = n.AddConnection(c, Partitions{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopped := make(chan struct{})
	go func() {
		n.Run(ctx)
		close(stopped)
	}()

	appendFrames(t, dl, payload(0, "a"))
	appendFrames(t, dl, payload(0, "b"))
	deadline := time.Now().Add(2 * time.Second)
	for c.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("delivered %d of 2", c.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
