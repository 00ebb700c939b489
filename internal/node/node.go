package node

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/rzbill/flobuf/internal/buffer"
	"github.com/rzbill/flobuf/internal/frame"
	"github.com/rzbill/flobuf/internal/policy"
	"github.com/rzbill/flobuf/pkg/log"
)

// Connection is the outbound side of one physical subscriber. Write must
// not block: transports queue the frame or report a full queue as an
// error, and the Node drops the connection. Write must not call back into
// the Node.
type Connection interface {
	ID() string
	Write(frame []byte) error
	Backlog() int
}

// Waiter is implemented by connections that can wait for queue room. The
// Node only waits while the first connection of a group catches up, when
// no other connection shares the group.
type Waiter interface {
	WriteWait(frame []byte) error
}

// State of a connection within a Node.
type State int

const (
	CatchingUp State = iota
	Live
	Detached
)

func (s State) String() string {
	switch s {
	case CatchingUp:
		return "catching-up"
	case Live:
		return "live"
	default:
		return "detached"
	}
}

// Partitions is the partition filter a connection declares. A payload
// matches when partition&Mask equals one of Values.
type Partitions struct {
	Values []int32
	Mask   int32
}

func (p Partitions) empty() bool { return len(p.Values) == 0 }

func (p Partitions) match(partition int32) bool {
	for _, v := range p.Values {
		if partition&p.Mask == v {
			return true
		}
	}
	return false
}

// Metrics receives node events.
type Metrics interface {
	Delivered(group string, frames int)
	Resynced(group string)
	Dropped(group string)
}

type noopMetrics struct{}

func (noopMetrics) Delivered(string, int) {}
func (noopMetrics) Resynced(string)       {}
func (noopMetrics) Dropped(string)        {}

// Options configures a Node.
type Options struct {
	Group string
	// Window is where a new group starts reading.
	Window  uint64
	Policy  policy.Policy
	Logger  log.Logger
	Metrics Metrics
	// FlushWindow delays a Run flush so bursts of appends are delivered
	// together. Zero flushes on every signal.
	FlushWindow time.Duration
	// OnRelease runs once, outside any lock, after the last connection
	// left or Close was called.
	OnRelease func(*Node)
}

// maxResyncs bounds stale-iterator recoveries within one drain.
const maxResyncs = 3

type member struct {
	conn       Connection
	state      State
	partitions Partitions
	delivered  uint64
}

func (m *member) ID() string   { return m.conn.ID() }
func (m *member) Backlog() int { return m.conn.Backlog() }

func (m *member) write(raw []byte) error {
	if w, ok := m.conn.(Waiter); ok && m.state == CatchingUp {
		return w.WriteWait(raw)
	}
	return m.conn.Write(raw)
}

// Node is a subscriber group: many connections sharing one iterator over
// a DataList, each frame handed to the connections a Policy picks.
type Node struct {
	group     string
	list      *buffer.DataList
	policy    policy.Policy
	logger    log.Logger
	metrics   Metrics
	onRelease func(*Node)
	coalesce  time.Duration

	mu         sync.Mutex
	members    []*member
	iter       *buffer.Iterator
	epoch      uint64
	baseWindow uint64
	released   bool
	notify     bool

	signal chan struct{}
	done   chan struct{}
}

// New creates a Node reading list from opts.Window. It registers itself as
// a listener; deliveries start once a connection is attached.
func New(list *buffer.DataList, opts Options) *Node {
	if opts.Policy == nil {
		opts.Policy = &policy.RoundRobin{}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewLogger(log.WithOutput(log.NewNullOutput()))
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	n := &Node{
		group:     opts.Group,
		list:      list,
		policy:    opts.Policy,
		logger:    opts.Logger.With(log.Component("node"), log.Str("group", opts.Group), log.Str("upstream", list.Identity())),
		metrics:   opts.Metrics,
		onRelease: opts.OnRelease,
		coalesce:  opts.FlushWindow,
		epoch:     list.Epoch(),
		signal:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	n.iter = list.NewIterator(opts.Group, opts.Window)
	list.AddListener(n)
	return n
}

// Group is the subscriber group name.
func (n *Node) Group() string { return n.group }

// Policy is the delivery policy in use.
func (n *Node) Policy() policy.Policy { return n.policy }

// Done is closed once the Node is released.
func (n *Node) Done() <-chan struct{} { return n.done }

// BaseWindow is the last window id the group has started delivering.
func (n *Node) BaseWindow() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.baseWindow
}

// AddConnection attaches conn. A connection with the same id replaces the
// previous one. The first connection of a group catches up on everything
// already buffered before it goes live; later ones join live.
func (n *Node) AddConnection(conn Connection, parts Partitions) error {
	n.mu.Lock()
	if n.released {
		n.mu.Unlock()
		return errors.Newf("group %q is closed", n.group)
	}
	m := &member{conn: conn, partitions: parts, state: Live}
	for i, old := range n.members {
		if old.conn.ID() == conn.ID() {
			old.state = Detached
			n.members[i] = m
			n.mu.Unlock()
			n.logger.Info("connection replaced", log.Str("conn", conn.ID()))
			return nil
		}
	}
	if len(n.members) == 0 {
		m.state = CatchingUp
	}
	n.members = append(n.members, m)
	n.logger.Info("connection attached", log.Str("conn", conn.ID()), log.Str("state", m.state.String()))
	if m.state == CatchingUp {
		n.drainLocked()
		if m.state == CatchingUp {
			m.state = Live
		}
	}
	n.mu.Unlock()
	n.afterUnlock()
	return nil
}

// RemoveConnection detaches the connection with id. It is idempotent. The
// last removal releases the iterator and the listener registration.
func (n *Node) RemoveConnection(id string) {
	n.mu.Lock()
	for _, m := range n.members {
		if m.conn.ID() == id {
			n.detachLocked(m)
			break
		}
	}
	n.mu.Unlock()
	n.afterUnlock()
}

// detachLocked drops m and tears the Node down when it was the last one.
func (n *Node) detachLocked(m *member) {
	if m.state == Detached {
		return
	}
	m.state = Detached
	for i, x := range n.members {
		if x == m {
			n.members = append(n.members[:i:i], n.members[i+1:]...)
			break
		}
	}
	n.logger.Info("connection detached", log.Str("conn", m.conn.ID()), log.Uint64("delivered", m.delivered))
	if len(n.members) == 0 {
		n.releaseLocked()
	}
}

func (n *Node) releaseLocked() {
	if n.released {
		return
	}
	n.released = true
	n.list.RemoveListener(n)
	n.list.DeleteIterator(n.iter)
	n.iter = nil
	n.members = nil
	close(n.done)
	n.notify = true
}

// afterUnlock fires the release callback at most once.
func (n *Node) afterUnlock() {
	n.mu.Lock()
	fire := n.notify
	n.notify = false
	n.mu.Unlock()
	if fire && n.onRelease != nil {
		n.onRelease(n)
	}
}

// Close releases the Node regardless of attached connections.
func (n *Node) Close() {
	n.mu.Lock()
	for _, m := range n.members {
		m.state = Detached
	}
	n.releaseLocked()
	n.mu.Unlock()
	n.afterUnlock()
}

// DataAdded implements buffer.Listener. It only wakes the delivery loop.
func (n *Node) DataAdded(int64) {
	select {
	case n.signal <- struct{}{}:
	default:
	}
}

// Run delivers on every flush signal until ctx is done or the Node is
// released.
func (n *Node) Run(ctx context.Context) {
	// Data may have landed between attach and the first wait.
	n.Flush()
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.done:
			return
		case <-n.signal:
			if n.coalesce > 0 && !n.linger(ctx) {
				return
			}
			n.Flush()
		}
	}
}

// linger waits out the flush window. It reports false when the Node should
// stop instead.
func (n *Node) linger(ctx context.Context) bool {
	t := time.NewTimer(n.coalesce)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-n.done:
		return false
	case <-t.C:
		return true
	}
}

// CatchUp delivers everything currently buffered.
func (n *Node) CatchUp() { n.Flush() }

// Flush delivers every frame available to the iterator.
func (n *Node) Flush() {
	n.mu.Lock()
	n.drainLocked()
	n.mu.Unlock()
	n.afterUnlock()
}

func (n *Node) drainLocked() {
	resyncs := 0
	delivered := 0
	defer func() {
		if delivered > 0 {
			n.metrics.Delivered(n.group, delivered)
		}
	}()
	for n.iter != nil && len(n.members) > 0 {
		f, ok, err := n.iter.Next()
		switch {
		case errors.Is(err, buffer.ErrStaleIterator):
			if resyncs == maxResyncs {
				n.logger.Error("giving up resync until next flush")
				return
			}
			resyncs++
			n.resyncLocked()
			continue
		case err != nil:
			n.logger.Error("iterator failed", log.Err(err))
			return
		case !ok:
			return
		}
		if n.route(f) {
			delivered++
		}
	}
}

// resyncLocked replaces a stale iterator, resuming after the last window
// started, or from scratch after a reset.
func (n *Node) resyncLocked() {
	from := uint64(0)
	if epoch := n.list.Epoch(); epoch != n.epoch {
		n.epoch = epoch
		n.baseWindow = 0
	} else if n.baseWindow != 0 {
		from = n.baseWindow + 1
	}
	n.list.DeleteIterator(n.iter)
	n.iter = n.list.NewIterator(n.group, from)
	n.metrics.Resynced(n.group)
	n.logger.Warn("iterator fell behind, resynced", log.Str("from", frame.FormatWindow(from)))
}

// route hands f to its targets and reports whether anyone received it.
func (n *Node) route(f buffer.Frame) bool {
	if f.Kind == frame.BeginWindow {
		n.baseWindow = f.Window
	}
	targets, everyone := n.admissible(f)
	if len(targets) == 0 {
		return false
	}
	raw := append([]byte(nil), f.Raw...)
	if everyone {
		n.deliver(targets, raw)
		return true
	}
	c := n.policy.Choose(targets, f)
	if c.All {
		n.deliver(targets, raw)
		return true
	}
	n.deliver(targets[c.Index:c.Index+1], raw)
	return true
}

// admissible returns the candidates for f, and whether all of them must
// receive it regardless of the policy.
func (n *Node) admissible(f buffer.Frame) ([]policy.Target, bool) {
	all := make([]policy.Target, 0, len(n.members))
	for _, m := range n.members {
		all = append(all, m)
	}
	if f.Kind != frame.Payload {
		return all, true
	}
	var matched []policy.Target
	configured := false
	p := f.Partition()
	for _, m := range n.members {
		if m.partitions.empty() {
			continue
		}
		configured = true
		if m.partitions.match(p) {
			matched = append(matched, m)
		}
	}
	switch {
	case !configured:
		return all, false
	case len(matched) == 0:
		return all, true
	default:
		return matched, false
	}
}

func (n *Node) deliver(targets []policy.Target, raw []byte) {
	for _, t := range targets {
		m := t.(*member)
		if m.state == Detached {
			continue
		}
		if err := m.write(raw); err != nil {
			n.logger.Warn("write failed, dropping connection", log.Str("conn", m.conn.ID()), log.Err(err))
			n.metrics.Dropped(n.group)
			n.detachLocked(m)
			continue
		}
		m.delivered++
	}
}

// ConnStats describes one attached connection.
type ConnStats struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	Backlog   int    `json:"backlog"`
	Delivered uint64 `json:"delivered"`
}

// Stats describes the group.
type Stats struct {
	Group       string      `json:"group"`
	Upstream    string      `json:"upstream"`
	Policy      string      `json:"policy"`
	BaseWindow  string      `json:"base_window"`
	Connections []ConnStats `json:"connections"`
}

// Stats returns a point-in-time summary.
func (n *Node) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	st := Stats{
		Group:      n.group,
		Upstream:   n.list.Identity(),
		Policy:     n.policy.Name(),
		BaseWindow: frame.FormatWindow(n.baseWindow),
	}
	for _, m := range n.members {
		st.Connections = append(st.Connections, ConnStats{
			ID:        m.conn.ID(),
			State:     m.state.String(),
			Backlog:   m.conn.Backlog(),
			Delivered: m.delivered,
		})
	}
	return st
}

// Connections is the number of attached connections.
func (n *Node) Connections() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.members)
}
