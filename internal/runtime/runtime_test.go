package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/rzbill/flobuf/internal/buffer"
	cfgpkg "github.com/rzbill/flobuf/internal/config"
	"github.com/rzbill/flobuf/internal/frame"
)

type fakePeer struct {
	mu           sync.Mutex
	disconnected int
}

func (p *fakePeer) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnected++
}

func (p *fakePeer) gone() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnected > 0
}

type fakeSub struct {
	fakePeer
	id string

	fmu    sync.Mutex
	frames []frame.Kind
}

func (s *fakeSub) ID() string   { return s.id }
func (s *fakeSub) Backlog() int { return 0 }

func (s *fakeSub) Write(b []byte) error {
	v, err := frame.Decode(b, 0)
	if err != nil {
		return err
	}
	s.fmu.Lock()
	defer s.fmu.Unlock()
	s.frames = append(s.frames, v.Kind)
	return nil
}

func (s *fakeSub) count() int {
	s.fmu.Lock()
	defer s.fmu.Unlock()
	return len(s.frames)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	cfg := cfgpkg.Default()
	cfg.Buffer.BlockSize = 4096
	rt, err := Open(Options{Config: cfg})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func window(seq uint32, data string) []byte {
	var b []byte
	b = frame.AppendBeginWindow(b, seq)
	b = frame.AppendPayload(b, 0, []byte(data))
	return frame.AppendEndWindow(b, seq)
}

func publish(t *testing.T, w *buffer.Writer, chunks ...[]byte) {
	t.Helper()
	for _, c := range chunks {
		if err := w.Append(c); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
}

func TestOpenCloseHealth(t *testing.T) {
	rt, err := Open(Options{Config: cfgpkg.Default()})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	if err := rt.CheckHealth(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := rt.CheckHealth(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("health after close: %v", err)
	}
	if _, _, err := rt.Publisher("p", 0, 0, &fakePeer{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("publisher after close: %v", err)
	}
}

func TestOpenWithSpill(t *testing.T) {
	cfg := cfgpkg.Default()
	cfg.DataDir = t.TempDir()
	cfg.Buffer.Spill = true
	cfg.Buffer.BlockSize = 64
	cfg.Buffer.MaxResidentBlocks = 1
	rt, err := Open(Options{Config: cfg})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	defer rt.Close()
	if err := rt.CheckHealth(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}

	dl, _, err := rt.Publisher("p", 0, 0, &fakePeer{})
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}
	publish(t, dl, frame.AppendResetWindow(nil, 1))
	for i := uint32(1); i <= 6; i++ {
		publish(t, dl, window(i, "0123456789"))
	}
	waitFor(t, "a block to spill", func() bool {
		st := dl.List().Stats()
		return st.Resident < st.Blocks
	})
}

func TestUnknownIdentifier(t *testing.T) {
	rt := newTestRuntime(t)
	msg, err := rt.Purge("ghost", 1, 1)
	if !errors.Is(err, ErrUnknownIdentifier) || msg != "Invalid identifier 'ghost'" {
		t.Fatalf("purge: %q %v", msg, err)
	}
	msg, err = rt.Reset("ghost")
	if !errors.Is(err, ErrUnknownIdentifier) || msg != "Invalid identifier 'ghost'" {
		t.Fatalf("reset: %q %v", msg, err)
	}
}

func TestSubscribeCatchesUpThenLive(t *testing.T) {
	rt := newTestRuntime(t)
	dl, _, err := rt.Publisher("pub", 0, 0, &fakePeer{})
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}
	publish(t, dl, frame.AppendResetWindow(nil, 1), window(1, "a"))

	sub := &fakeSub{id: "s1"}
	n, err := rt.Subscribe(SubscribeRequest{ID: "s1", Group: "g", Upstream: "pub"}, sub)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if sub.count() != 4 {
		t.Fatalf("catch up delivered %d frames", sub.count())
	}
	if n.Policy().Name() != "round-robin" {
		t.Fatalf("default policy: %s", n.Policy().Name())
	}

	publish(t, dl, window(2, "b"))
	waitFor(t, "live delivery", func() bool { return sub.count() == 7 })

	msg, err := rt.Purge("pub", 1, 1)
	if err != nil || msg != "Purge request sent for processing" {
		t.Fatalf("purge: %q %v", msg, err)
	}

	st := rt.Stats()
	if len(st.Publishers) != 1 || len(st.Groups) != 1 || len(st.Groups[0].Connections) != 1 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestSubscribeBeforePublisher(t *testing.T) {
	rt := newTestRuntime(t)
	sub := &fakeSub{id: "s1"}
	if _, err := rt.Subscribe(SubscribeRequest{ID: "s1", Group: "g", Upstream: "later"}, sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	dl, _, err := rt.Publisher("later", 0, 0, &fakePeer{})
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}
	publish(t, dl, frame.AppendResetWindow(nil, 1), window(1, "x"))
	waitFor(t, "delivery", func() bool { return sub.count() == 4 })
}

func TestSubscribeRejectsBadRequests(t *testing.T) {
	rt := newTestRuntime(t)
	if _, err := rt.Subscribe(SubscribeRequest{ID: "s", Group: "g"}, &fakeSub{id: "s"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("missing upstream: %v", err)
	}
	req := SubscribeRequest{ID: "s", Group: "g", Upstream: "u", Policy: "fastest"}
	if _, err := rt.Subscribe(req, &fakeSub{id: "s"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("bad policy: %v", err)
	}
	if len(rt.Stats().Groups) != 0 {
		t.Fatalf("failed subscribe left a group behind")
	}
}

func TestDuplicatePublisherDisconnectsPrevious(t *testing.T) {
	rt := newTestRuntime(t)
	first, second := &fakePeer{}, &fakePeer{}
	dl, _, _ := rt.Publisher("pub", 0, 0, first)
	publish(t, dl, frame.AppendResetWindow(nil, 7), window(1, "a"), window(2, "b"))

	dl2, base, err := rt.Publisher("pub", 7, 2, second)
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}
	if dl2.List() != dl.List() || base != 7 {
		t.Fatalf("reconnect got a different buffer or base %d", base)
	}
	if !first.gone() || second.gone() {
		t.Fatalf("first=%v second=%v", first.gone(), second.gone())
	}

	// The evicted publisher can no longer write, even if its stream has
	// not noticed the disconnect yet.
	if err := dl.Append(window(3, "stale")); !errors.Is(err, buffer.ErrRevoked) {
		t.Fatalf("evicted publisher append: %v", err)
	}
	publish(t, dl2, window(2, "b2"))
	var ws []uint64
	it := dl2.List().NewIterator("check", 0)
	for {
		f, ok, err := it.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if !ok {
			break
		}
		if f.Kind == frame.BeginWindow {
			ws = append(ws, f.Window)
		}
	}
	dl2.List().DeleteIterator(it)
	if len(ws) != 2 || ws[0] != frame.WindowID(7, 1) || ws[1] != frame.WindowID(7, 2) {
		t.Fatalf("windows after takeover: %v", ws)
	}

	// The evicted publisher's release must not unregister its successor.
	rt.ReleasePublisher("pub", first)
	if _, err := rt.Reset("pub"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !second.gone() {
		t.Fatalf("reset did not disconnect the publisher")
	}
}

func TestDuplicateSubscriberReplacesAndReleases(t *testing.T) {
	rt := newTestRuntime(t)
	old, replacement := &fakeSub{id: "s1"}, &fakeSub{id: "s1"}
	req := SubscribeRequest{ID: "s1", Group: "g", Upstream: "pub"}
	if _, err := rt.Subscribe(req, old); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := rt.Subscribe(req, replacement); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if !old.gone() {
		t.Fatalf("previous connection not disconnected")
	}

	rt.Unsubscribe("g", old)
	if len(rt.Stats().Groups) != 1 {
		t.Fatalf("stale unsubscribe removed the replacement")
	}
	rt.Unsubscribe("g", replacement)
	waitFor(t, "group release", func() bool { return len(rt.Stats().Groups) == 0 })
}

func TestSubscriberMovesGroup(t *testing.T) {
	rt := newTestRuntime(t)
	a, b := &fakeSub{id: "s1"}, &fakeSub{id: "s1"}
	if _, err := rt.Subscribe(SubscribeRequest{ID: "s1", Group: "g1", Upstream: "pub"}, a); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := rt.Subscribe(SubscribeRequest{ID: "s1", Group: "g2", Upstream: "pub"}, b); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	st := rt.Stats()
	if len(st.Groups) != 1 || st.Groups[0].Group != "g2" {
		t.Fatalf("groups: %+v", st.Groups)
	}
}

func TestResetRestartsSubscribers(t *testing.T) {
	rt := newTestRuntime(t)
	dl, _, _ := rt.Publisher("pub", 0, 0, &fakePeer{})
	publish(t, dl, frame.AppendResetWindow(nil, 1), window(1, "a"))
	sub := &fakeSub{id: "s1"}
	if _, err := rt.Subscribe(SubscribeRequest{ID: "s1", Group: "g", Upstream: "pub"}, sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	msg, err := rt.Reset("pub")
	if err != nil || msg != "Reset request sent for processing" {
		t.Fatalf("reset: %q %v", msg, err)
	}
	if dl.List().Length() != 0 {
		t.Fatalf("buffer not cleared: %d", dl.List().Length())
	}
	if err := dl.Append(window(2, "late")); !errors.Is(err, buffer.ErrRevoked) {
		t.Fatalf("append after reset: %v", err)
	}
	dl2, _, _ := rt.Publisher("pub", 0, 0, &fakePeer{})
	publish(t, dl2, frame.AppendResetWindow(nil, 2), window(1, "b"))
	waitFor(t, "delivery after reset", func() bool { return sub.count() == 8 })
}
