package runtime

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/rzbill/flobuf/internal/buffer"
	cfgpkg "github.com/rzbill/flobuf/internal/config"
	"github.com/rzbill/flobuf/internal/frame"
	"github.com/rzbill/flobuf/internal/metrics"
	"github.com/rzbill/flobuf/internal/node"
	"github.com/rzbill/flobuf/internal/policy"
	pebblestore "github.com/rzbill/flobuf/internal/storage/pebble"
	"github.com/rzbill/flobuf/pkg/log"
)

var (
	// ErrUnknownIdentifier is returned for purge or reset of a publisher
	// nobody has registered.
	ErrUnknownIdentifier = errors.New("unknown identifier")
	// ErrInvalidRequest rejects malformed subscribe requests.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrClosed is returned once the Runtime is closed.
	ErrClosed = errors.New("runtime closed")
)

const (
	purgeAccepted = "Purge request sent for processing"
	resetAccepted = "Reset request sent for processing"
)

// Peer is a transport connection the registry can evict when another
// connection claims the same identifier.
type Peer interface {
	Disconnect()
}

// Subscriber is the transport side of one subscriber connection.
type Subscriber interface {
	node.Connection
	Peer
}

// SubscribeRequest asks to join a subscriber group reading Upstream.
type SubscribeRequest struct {
	// ID identifies the connection. A newer connection with the same ID
	// replaces the older one.
	ID       string
	Group    string
	Upstream string
	// BaseSeconds and Window pick where a new group starts reading.
	BaseSeconds uint32
	Window      uint32
	Policy      string
	// Expr is the CEL expression of a custom policy.
	Expr       string
	Partitions []int32
	Mask       int32
}

// Options for building the Runtime.
type Options struct {
	Config cfgpkg.Config
	// Storage overrides the pebble spill store opened under
	// Config.DataDir when spilling is enabled.
	Storage buffer.Storage
	Logger  log.Logger
	Metrics *metrics.Metrics
}

type subscription struct {
	group string
	conn  Subscriber
}

// Runtime is the registry of publisher buffers and subscriber groups of a
// single-node server.
type Runtime struct {
	config  cfgpkg.Config
	logger  log.Logger
	metrics *metrics.Metrics
	db      *pebblestore.DB
	storage buffer.Storage

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	closed        bool
	lists         map[string]*buffer.DataList
	publishers    map[string]Peer
	groups        map[string]*node.Node
	subscriptions map[string]subscription
}

// Open builds a Runtime. With spilling enabled and no Storage given it
// opens a pebble spill store under Config.DataDir.
func Open(opts Options) (*Runtime, error) {
	if opts.Logger == nil {
		opts.Logger = log.NewLogger(log.WithOutput(log.NewNullOutput()))
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		config:        opts.Config,
		logger:        opts.Logger.WithComponent("runtime"),
		metrics:       opts.Metrics,
		storage:       opts.Storage,
		ctx:           ctx,
		cancel:        cancel,
		lists:         make(map[string]*buffer.DataList),
		publishers:    make(map[string]Peer),
		groups:        make(map[string]*node.Node),
		subscriptions: make(map[string]subscription),
	}
	if opts.Config.Buffer.Spill && r.storage == nil {
		db, err := pebblestore.Open(pebblestore.Options{
			DataDir: opts.Config.DataDir,
			Fsync:   pebblestore.FsyncModeNever,
			Metrics: opts.Metrics,
			Logger:  opts.Logger,
		})
		if err != nil {
			cancel()
			return nil, err
		}
		spool, err := pebblestore.NewSpillStore(db)
		if err != nil {
			cancel()
			_ = db.Close()
			return nil, err
		}
		r.db = db
		r.storage = spool
		r.logger.Info("spilling enabled", log.Str("data_dir", opts.Config.DataDir),
			log.Int("max_resident_blocks", opts.Config.Buffer.MaxResidentBlocks))
	}
	return r, nil
}

// Close releases every group and buffer, then the spill store.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	groups := make([]*node.Node, 0, len(r.groups))
	for _, n := range r.groups {
		groups = append(groups, n)
	}
	lists := make([]*buffer.DataList, 0, len(r.lists))
	for _, dl := range r.lists {
		lists = append(lists, dl)
	}
	peers := make([]Peer, 0, len(r.publishers)+len(r.subscriptions))
	for _, p := range r.publishers {
		peers = append(peers, p)
	}
	for _, s := range r.subscriptions {
		peers = append(peers, s.conn)
	}
	r.mu.Unlock()

	r.cancel()
	for _, n := range groups {
		n.Close()
	}
	for _, p := range peers {
		p.Disconnect()
	}
	r.wg.Wait()
	for _, dl := range lists {
		_ = dl.Close()
	}
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// CheckHealth reports whether the registry and its spill store are usable.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if r.db != nil {
		return r.db.Ping()
	}
	return nil
}

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }

// listLocked returns the DataList for identity, creating it when absent.
func (r *Runtime) listLocked(identity string) *buffer.DataList {
	if dl, ok := r.lists[identity]; ok {
		return dl
	}
	dl := buffer.New(identity, buffer.Options{
		BlockSize: r.config.Buffer.BlockSize,
		Logger:    r.logger,
		Metrics:   r.metrics,
	})
	if r.storage != nil {
		dl.SetStorage(r.storage, r.config.Buffer.MaxResidentBlocks)
	}
	r.lists[identity] = dl
	r.gaugeLocked()
	return dl
}

func (r *Runtime) gaugeLocked() {
	r.metrics.SetRegistry(len(r.lists), len(r.groups))
}

// Publisher registers peer as the publisher for identity and rewinds its
// buffer to window so the publisher can replay from there. A previous
// publisher with the same identity is disconnected and its Writer revoked
// before the rewind, so none of its frames land after the cut. It returns
// the Writer to append with and the base seconds in effect at the cut.
func (r *Runtime) Publisher(identity string, baseSeconds, window uint32, peer Peer) (*buffer.Writer, uint32, error) {
	if identity == "" {
		return nil, 0, errors.Wrap(ErrInvalidRequest, "publisher identity is required")
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, 0, ErrClosed
	}
	previous := r.publishers[identity]
	r.publishers[identity] = peer
	dl := r.listLocked(identity)
	w, base, err := dl.Claim(frame.WindowID(baseSeconds, window))
	r.mu.Unlock()

	if previous != nil && previous != peer {
		r.logger.Info("publisher replaced", log.Str("identity", identity))
		previous.Disconnect()
	}
	if err != nil {
		return nil, 0, err
	}
	r.logger.Info("publisher attached", log.Str("identity", identity),
		log.Str("window", frame.FormatWindow(frame.WindowID(baseSeconds, window))))
	return w, base, nil
}

// ReleasePublisher forgets peer if it is still the registered publisher
// for identity. The buffer stays for its subscribers.
func (r *Runtime) ReleasePublisher(identity string, peer Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.publishers[identity] == peer {
		delete(r.publishers, identity)
	}
}

// Subscribe attaches conn to the group named in req, creating the group
// and its upstream buffer when needed. The first connection of a new group
// receives everything buffered since req's window before it goes live.
func (r *Runtime) Subscribe(req SubscribeRequest, conn Subscriber) (*node.Node, error) {
	if req.Group == "" || req.Upstream == "" || req.ID == "" {
		return nil, errors.Wrap(ErrInvalidRequest, "id, group and upstream are required")
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	n, ok := r.groups[req.Group]
	if !ok {
		name := req.Policy
		if name == "" {
			name = r.config.Subscribers.DefaultPolicy
		}
		p, err := policy.New(name, policy.Options{Expr: req.Expr})
		if err != nil {
			r.mu.Unlock()
			return nil, errors.Mark(err, ErrInvalidRequest)
		}
		dl := r.listLocked(req.Upstream)
		n = node.New(dl, node.Options{
			Group:       req.Group,
			Window:      frame.WindowID(req.BaseSeconds, req.Window),
			Policy:      p,
			Logger:      r.logger,
			Metrics:     r.metrics,
			FlushWindow: r.config.Subscribers.FlushWindow,
			OnRelease:   r.forget,
		})
		r.groups[req.Group] = n
		r.gaugeLocked()
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			n.Run(r.ctx)
		}()
	}
	previous, replaced := r.subscriptions[req.ID]
	r.subscriptions[req.ID] = subscription{group: req.Group, conn: conn}
	r.mu.Unlock()

	if replaced && previous.conn != conn {
		if previous.group != req.Group {
			r.removeFromGroup(previous.group, req.ID)
		}
		previous.conn.Disconnect()
	}
	err := n.AddConnection(conn, node.Partitions{Values: req.Partitions, Mask: req.Mask})
	if err != nil {
		r.dropSubscription(req.ID, conn)
		return nil, err
	}
	r.logger.Info("subscriber attached", log.Str("id", req.ID), log.Str("group", req.Group),
		log.Str("upstream", req.Upstream), log.Str("policy", n.Policy().Name()))
	return n, nil
}

// Unsubscribe detaches conn from group. The last connection of a group
// tears the group down.
func (r *Runtime) Unsubscribe(group string, conn Subscriber) {
	if !r.dropSubscription(conn.ID(), conn) {
		return
	}
	r.removeFromGroup(group, conn.ID())
}

// dropSubscription forgets conn if it still owns its id.
func (r *Runtime) dropSubscription(id string, conn Subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subscriptions[id]
	if !ok || s.conn != conn {
		return false
	}
	delete(r.subscriptions, id)
	return true
}

// removeFromGroup must run without r.mu held; the last removal calls
// back into forget.
func (r *Runtime) removeFromGroup(group, id string) {
	r.mu.Lock()
	n := r.groups[group]
	r.mu.Unlock()
	if n != nil {
		n.RemoveConnection(id)
	}
}

// forget runs when a group releases itself.
func (r *Runtime) forget(n *node.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.groups[n.Group()] == n {
		delete(r.groups, n.Group())
		r.gaugeLocked()
	}
	r.logger.Info("subscriber group released", log.Str("group", n.Group()))
}

// Purge reclaims identity's windows up to and including
// (baseSeconds, window). The returned message is what the requester sees.
func (r *Runtime) Purge(identity string, baseSeconds, window uint32) (string, error) {
	r.mu.Lock()
	dl, ok := r.lists[identity]
	r.mu.Unlock()
	if !ok {
		return invalidIdentifier(identity), errors.Wrapf(ErrUnknownIdentifier, "%q", identity)
	}
	if err := dl.Purge(frame.WindowID(baseSeconds, window)); err != nil {
		return "", err
	}
	return purgeAccepted, nil
}

// Reset disconnects identity's publisher and discards its buffer.
// Subscriber groups stay attached and start over from the beginning.
func (r *Runtime) Reset(identity string) (string, error) {
	r.mu.Lock()
	dl, ok := r.lists[identity]
	peer := r.publishers[identity]
	delete(r.publishers, identity)
	r.mu.Unlock()
	if !ok {
		return invalidIdentifier(identity), errors.Wrapf(ErrUnknownIdentifier, "%q", identity)
	}
	if peer != nil {
		peer.Disconnect()
	}
	if err := dl.Reset(); err != nil {
		return "", err
	}
	return resetAccepted, nil
}

func invalidIdentifier(identity string) string {
	return "Invalid identifier '" + identity + "'"
}

// Stats describes the registry.
type Stats struct {
	Publishers []buffer.Stats `json:"publishers"`
	Groups     []node.Stats   `json:"groups"`
}

// Stats returns a point-in-time summary sorted by name.
func (r *Runtime) Stats() Stats {
	r.mu.Lock()
	lists := make([]*buffer.DataList, 0, len(r.lists))
	for _, dl := range r.lists {
		lists = append(lists, dl)
	}
	groups := make([]*node.Node, 0, len(r.groups))
	for _, n := range r.groups {
		groups = append(groups, n)
	}
	r.mu.Unlock()

	var st Stats
	for _, dl := range lists {
		st.Publishers = append(st.Publishers, dl.Stats())
	}
	for _, n := range groups {
		st.Groups = append(st.Groups, n.Stats())
	}
	sort.Slice(st.Publishers, func(i, j int) bool { return st.Publishers[i].Identity < st.Publishers[j].Identity })
	sort.Slice(st.Groups, func(i, j int) bool { return st.Groups[i].Group < st.Groups[j].Group })
	return st
}
