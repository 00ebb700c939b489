package buffer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/rzbill/flobuf/internal/frame"
	"github.com/rzbill/flobuf/pkg/log"
)

// DefaultBlockSize is the arena size of a new Block.
const DefaultBlockSize = 64 << 20

// Listener is notified after an Append committed new bytes. length is the
// value of DataList.Length right after the commit.
type Listener interface {
	DataAdded(length int64)
}

// Options configures a DataList.
type Options struct {
	BlockSize int
	Logger    log.Logger
	Metrics   Metrics
}

// DataList buffers the frames of one publisher in a chain of Blocks.
//
// Lock order is appendMu, then topo, then Block.mu. Readers take topo
// shared for a single step and never touch appendMu.
type DataList struct {
	identity  string
	blockSize int
	logger    log.Logger
	metrics   Metrics

	appendMu sync.Mutex
	topo     sync.RWMutex
	head     *Block
	tail     *Block
	nextID   uint64
	base     uint32
	based    bool
	writer   uint64
	closed   bool
	spill    *spiller

	length atomic.Int64
	epoch  atomic.Uint64

	itersMu   sync.Mutex
	iterators map[*Iterator]struct{}

	listenersMu sync.Mutex
	listeners   []Listener
	notifyCh    chan struct{}
}

// New creates an empty DataList with one resident Block.
func New(identity string, opts Options) *DataList {
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.Logger == nil {
		opts.Logger = log.NewLogger(log.WithOutput(log.NewNullOutput()))
	}
	if opts.Metrics == nil {
		opts.Metrics = NoopMetrics{}
	}
	dl := &DataList{
		identity:  identity,
		blockSize: opts.BlockSize,
		logger:    opts.Logger.With(log.Component("datalist"), log.Str("identity", identity)),
		metrics:   opts.Metrics,
		iterators: make(map[*Iterator]struct{}),
		notifyCh:  make(chan struct{}),
	}
	dl.head = dl.newBlock(dl.blockSize)
	dl.tail = dl.head
	return dl
}

// Identity is the publisher identity the list buffers.
func (dl *DataList) Identity() string { return dl.identity }

// Length is the number of bytes buffered since creation or the last Reset:
// everything appended minus what Rewind truncated. Purge does not lower it.
func (dl *DataList) Length() int64 { return dl.length.Load() }

// Epoch changes on every Reset.
func (dl *DataList) Epoch() uint64 { return dl.epoch.Load() }

func (dl *DataList) newBlock(size int) *Block {
	dl.nextID++
	dl.metrics.BlockAllocated(dl.identity)
	b := newBlock(dl.nextID, size)
	b.base = dl.base
	return b
}

// SetStorage enables spilling to store, keeping at most maxResident Blocks
// in memory. The tail is always resident.
func (dl *DataList) SetStorage(store Storage, maxResident int) {
	dl.appendMu.Lock()
	defer dl.appendMu.Unlock()
	if dl.spill != nil || store == nil || dl.closed {
		return
	}
	dl.spill = newSpiller(dl.identity, store, maxResident, dl.logger, dl.metrics)
}

// Append commits a run of complete frames. The run is validated before any
// byte is written, so a partial or corrupt run leaves the list unchanged.
// Append does not check ownership; publishers write through a Writer.
func (dl *DataList) Append(buf []byte) error {
	return dl.append(buf, 0)
}

// append commits buf on behalf of the writer holding token. Token 0 skips
// the ownership check.
func (dl *DataList) append(buf []byte, token uint64) error {
	if len(buf) == 0 {
		return nil
	}
	if err := frame.Split(buf, nil); err != nil {
		return errors.Wrap(err, "append")
	}

	dl.appendMu.Lock()
	if dl.closed {
		dl.appendMu.Unlock()
		return ErrClosed
	}
	if token != 0 && token != dl.writer {
		dl.appendMu.Unlock()
		return ErrRevoked
	}
	var (
		frames    int
		committed int
		err       error
	)
	for off := 0; off < len(buf); {
		v, _ := frame.Decode(buf, off)
		if err = dl.put(v); err != nil {
			break
		}
		switch v.Kind {
		case frame.ResetWindow:
			dl.base = v.BaseSeconds()
			dl.based = true
		case frame.BeginWindow:
			dl.tail.noteWindow(frame.WindowID(dl.base, v.Sequence()))
		}
		frames++
		off = v.End()
		committed = off
	}
	length := dl.length.Add(int64(committed))
	dl.appendMu.Unlock()

	if committed > 0 {
		dl.metrics.Appended(dl.identity, frames, committed)
		dl.notify(length)
	}
	return err
}

// put copies one frame into the tail, linking a successor when it does not
// fit. Called with appendMu held.
func (dl *DataList) put(v frame.View) error {
	err := dl.tail.append(v.Raw)
	if !errors.Is(err, ErrBlockFull) {
		return err
	}
	dl.grow(v.Size)
	if err := dl.tail.append(v.Raw); err != nil {
		return errors.NewAssertionErrorWithWrappedErrf(err, "block %d rejected a %d byte frame after grow", dl.tail.id, v.Size)
	}
	return nil
}

// grow links a successor Block large enough for a frame of need bytes.
// Called with appendMu held.
func (dl *DataList) grow(need int) {
	size := dl.blockSize
	if need > size {
		size = need
	}
	nb := dl.newBlock(size)
	nb.inherit(dl.tail)
	prev := dl.tail
	dl.tail = nb
	prev.next.Store(nb)
	if dl.spill != nil {
		dl.spillExcess()
	}
}

// spillExcess offers the oldest unreferenced resident Blocks to the spill
// worker until at most maxResident stay in memory.
func (dl *DataList) spillExcess() {
	var resident []*Block
	for b := dl.head; b != nil; b = b.next.Load() {
		if b.Resident() {
			resident = append(resident, b)
		}
	}
	excess := len(resident) - dl.spill.maxResident
	if excess <= 0 {
		return
	}
	referenced := dl.referenced()
	for _, b := range resident {
		if excess == 0 || b == dl.tail {
			break
		}
		if referenced[b] {
			continue
		}
		dl.spill.offer(b)
		excess--
	}
}

// referenced is the set of Blocks some iterator is positioned on.
func (dl *DataList) referenced() map[*Block]bool {
	dl.itersMu.Lock()
	defer dl.itersMu.Unlock()
	out := make(map[*Block]bool, len(dl.iterators))
	for it := range dl.iterators {
		out[it.block.Load()] = true
	}
	return out
}

// acquire returns the arena of b, loading it from secondary storage if it
// was spilled.
func (dl *DataList) acquire(b *Block) ([]byte, error) {
	if data := b.arena(); data != nil {
		return data, nil
	}
	if dl.spill == nil {
		return nil, errors.Wrapf(ErrStorageFailure, "block %d has no arena", b.id)
	}
	return dl.spill.acquire(b)
}

// pin keeps b resident until unpin. Control operations pin the Blocks they
// rewrite so the spill worker cannot drop the arena underneath them.
func (dl *DataList) pin(b *Block) error {
	b.mu.Lock()
	b.pins++
	b.mu.Unlock()
	if _, err := dl.acquire(b); err != nil {
		dl.unpin(b)
		return err
	}
	return nil
}

func (dl *DataList) unpin(b *Block) {
	b.mu.Lock()
	b.pins--
	b.mu.Unlock()
}

// release drops Blocks that were unlinked from the chain.
func (dl *DataList) release(blocks []*Block) {
	if len(blocks) == 0 {
		return
	}
	for _, b := range blocks {
		b.discarded.Store(true)
		b.mu.Lock()
		id := b.spillID
		b.spillID = 0
		b.data = nil
		b.mu.Unlock()
		if dl.spill != nil {
			dl.spill.discard(id)
		}
	}
	dl.metrics.BlocksReleased(dl.identity, len(blocks))
}

// NewIterator returns an iterator that yields nothing older than window.
// Window 0 starts at the oldest buffered frame.
func (dl *DataList) NewIterator(consumer string, window uint64) *Iterator {
	dl.appendMu.Lock()
	dl.topo.RLock()
	b := dl.position(window)
	it := &Iterator{
		list:     dl,
		consumer: consumer,
		epoch:    dl.epoch.Load(),
		base:     b.base,
		window:   b.startingWindow,
		min:      window,
		skipping: window > 0,
	}
	it.place(b)
	dl.topo.RUnlock()
	dl.appendMu.Unlock()

	dl.itersMu.Lock()
	dl.iterators[it] = struct{}{}
	dl.itersMu.Unlock()
	return it
}

// position finds the first Block that may hold window.
func (dl *DataList) position(window uint64) *Block {
	if window == 0 {
		return dl.head
	}
	for b := dl.head; b != nil; b = b.next.Load() {
		if b.windowed && b.endingWindow >= window {
			return b
		}
	}
	return dl.tail
}

// DeleteIterator unregisters it. Further calls to Next return ErrClosed.
func (dl *DataList) DeleteIterator(it *Iterator) {
	if it == nil {
		return
	}
	it.closed.Store(true)
	dl.itersMu.Lock()
	delete(dl.iterators, it)
	dl.itersMu.Unlock()
}

// Iterators is the number of registered iterators.
func (dl *DataList) Iterators() int {
	dl.itersMu.Lock()
	defer dl.itersMu.Unlock()
	return len(dl.iterators)
}

// Claim revokes the current Writer and hands out a new one, rewinding the
// list to window so the new owner can replay from there. It returns the
// base seconds in effect at the cut.
func (dl *DataList) Claim(window uint64) (*Writer, uint32, error) {
	dl.appendMu.Lock()
	defer dl.appendMu.Unlock()
	if dl.closed {
		return nil, 0, ErrClosed
	}
	dl.writer++
	base, err := dl.rewindLocked(window)
	if err != nil {
		return nil, base, err
	}
	return &Writer{list: dl, token: dl.writer}, base, nil
}

// Rewind drops everything from the first frame of window onwards so the
// publisher can replay it. It returns the base seconds in effect at the cut.
func (dl *DataList) Rewind(window uint64) (uint32, error) {
	dl.appendMu.Lock()
	defer dl.appendMu.Unlock()
	if dl.closed {
		return 0, ErrClosed
	}
	return dl.rewindLocked(window)
}

func (dl *DataList) rewindLocked(window uint64) (uint32, error) {
	dl.topo.Lock()
	defer dl.topo.Unlock()

	target := dl.tail
	if dl.tail.startingWindow >= window {
		for b := dl.head; b != nil; b = b.next.Load() {
			if b.windowed && b.endingWindow >= window {
				target = b
				break
			}
		}
	}

	var dropped []*Block
	truncated := 0
	for b := target.next.Load(); b != nil; b = b.next.Load() {
		dropped = append(dropped, b)
		truncated += b.WritingOffset() - b.readingOffset
	}
	target.next.Store(nil)
	dl.tail = target
	dl.release(dropped)

	if err := dl.pin(target); err != nil {
		dl.length.Add(-int64(truncated))
		return dl.base, err
	}
	w := target.WritingOffset()
	base := target.rewind(window)
	dl.unpin(target)
	truncated += w - target.WritingOffset()
	dl.length.Add(-int64(truncated))
	dl.base = base

	dl.logger.Info("rewound", log.Str("window", frame.FormatWindow(window)),
		log.Int("dropped_blocks", len(dropped)), log.Int("truncated_bytes", truncated))
	return base, nil
}

// Purge reclaims every window up to and including window. Blocks that are
// entirely consumed are unlinked unless an iterator still sits on them.
//
// Purge does not wait for slow subscribers; data they have not read yet is
// lost and their next read reports ErrStaleIterator.
func (dl *DataList) Purge(window uint64) error {
	dl.appendMu.Lock()
	defer dl.appendMu.Unlock()
	if dl.closed {
		return ErrClosed
	}
	dl.topo.Lock()
	defer dl.topo.Unlock()

	referenced := dl.referenced()
	var released []*Block
	var prev *Block
	b := dl.head
	for b != dl.tail && b.endingWindow <= window {
		next := b.next.Load()
		if referenced[b] {
			if err := dl.purgeBlock(b, window); err != nil {
				return err
			}
			prev = b
		} else {
			if prev == nil {
				dl.head = next
			} else {
				prev.next.Store(next)
			}
			released = append(released, b)
		}
		b = next
	}
	dl.release(released)
	if err := dl.purgeBlock(b, window); err != nil {
		return err
	}
	if err := dl.anchor(); err != nil {
		return err
	}

	dl.logger.Debug("purged", log.Str("window", frame.FormatWindow(window)),
		log.Int("released_blocks", len(released)))
	return nil
}

func (dl *DataList) purgeBlock(b *Block, window uint64) error {
	if err := dl.pin(b); err != nil {
		return err
	}
	defer dl.unpin(b)
	b.purge(window)
	return nil
}

// anchor makes the oldest buffered frame a ResetWindow so a reader starting
// at the head can resolve absolute window ids. When the first Block with
// data has no room below its reading offset, a Block holding only the
// ResetWindow is linked in front of it. Called with appendMu and topo held.
func (dl *DataList) anchor() error {
	if !dl.based {
		return nil
	}
	var prev *Block
	first := dl.head
	for first != dl.tail && first.readingOffset >= first.WritingOffset() {
		prev, first = first, first.next.Load()
	}
	if err := dl.pin(first); err != nil {
		return err
	}
	ok := first.restate()
	dl.unpin(first)
	if ok {
		return nil
	}

	nb := dl.newBlock(frame.ResetWindowSize)
	if err := nb.append(frame.AppendResetWindow(nil, first.base)); err != nil {
		return errors.NewAssertionErrorWithWrappedErrf(err, "anchor block %d", nb.id)
	}
	nb.base = first.base
	nb.startingWindow = frame.WindowID(first.base, 0)
	nb.endingWindow = nb.startingWindow
	nb.windowed = true
	nb.next.Store(first)
	if prev == nil {
		dl.head = nb
	} else {
		prev.next.Store(nb)
	}
	return nil
}

// Reset discards all buffered data and revokes the current Writer.
// Registered iterators report ErrStaleIterator on their next step.
func (dl *DataList) Reset() error {
	dl.appendMu.Lock()
	defer dl.appendMu.Unlock()
	if dl.closed {
		return ErrClosed
	}
	dl.topo.Lock()
	defer dl.topo.Unlock()

	var all []*Block
	for b := dl.head; b != nil; b = b.next.Load() {
		all = append(all, b)
	}
	dl.release(all)
	dl.base = 0
	dl.based = false
	dl.head = dl.newBlock(dl.blockSize)
	dl.tail = dl.head
	dl.writer++
	dl.length.Store(0)
	dl.epoch.Add(1)

	dl.logger.Info("reset", log.Int("released_blocks", len(all)))
	return nil
}

// AddListener registers l for flush notifications.
func (dl *DataList) AddListener(l Listener) {
	dl.listenersMu.Lock()
	defer dl.listenersMu.Unlock()
	for _, x := range dl.listeners {
		if x == l {
			return
		}
	}
	dl.listeners = append(dl.listeners, l)
}

// RemoveListener unregisters l. Safe to call from inside DataAdded.
func (dl *DataList) RemoveListener(l Listener) {
	dl.listenersMu.Lock()
	defer dl.listenersMu.Unlock()
	for i, x := range dl.listeners {
		if x == l {
			dl.listeners = append(dl.listeners[:i:i], dl.listeners[i+1:]...)
			return
		}
	}
}

// Listeners is the number of registered listeners.
func (dl *DataList) Listeners() int {
	dl.listenersMu.Lock()
	defer dl.listenersMu.Unlock()
	return len(dl.listeners)
}

func (dl *DataList) notify(length int64) {
	dl.listenersMu.Lock()
	ls := dl.listeners
	close(dl.notifyCh)
	dl.notifyCh = make(chan struct{})
	dl.listenersMu.Unlock()

	for _, l := range ls {
		l.DataAdded(length)
	}
}

// WaitForAppend blocks until the next Append or timeout. It returns false
// on timeout. A non-positive timeout waits indefinitely.
func (dl *DataList) WaitForAppend(timeout time.Duration) bool {
	dl.listenersMu.Lock()
	ch := dl.notifyCh
	dl.listenersMu.Unlock()
	if timeout <= 0 {
		<-ch
		return true
	}
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Close stops the spill worker and drops every Block. Iterators report
// ErrStaleIterator afterwards.
func (dl *DataList) Close() error {
	dl.appendMu.Lock()
	defer dl.appendMu.Unlock()
	if dl.closed {
		return nil
	}
	dl.closed = true
	dl.topo.Lock()
	var all []*Block
	for b := dl.head; b != nil; b = b.next.Load() {
		all = append(all, b)
	}
	dl.release(all)
	dl.epoch.Add(1)
	dl.topo.Unlock()
	if dl.spill != nil {
		dl.spill.close()
	}
	return nil
}

// Stats summarizes the chain.
type Stats struct {
	Identity       string `json:"identity"`
	Blocks         int    `json:"blocks"`
	Resident       int    `json:"resident"`
	Bytes          int64  `json:"bytes"`
	Length         int64  `json:"length"`
	StartingWindow uint64 `json:"starting_window"`
	EndingWindow   uint64 `json:"ending_window"`
	Iterators      int    `json:"iterators"`
	Listeners      int    `json:"listeners"`
	Epoch          uint64 `json:"epoch"`
}

// Stats returns a point-in-time summary.
func (dl *DataList) Stats() Stats {
	dl.appendMu.Lock()
	dl.topo.RLock()
	st := Stats{
		Identity:       dl.identity,
		Length:         dl.length.Load(),
		StartingWindow: dl.head.startingWindow,
		EndingWindow:   dl.tail.endingWindow,
		Epoch:          dl.epoch.Load(),
	}
	for b := dl.head; b != nil; b = b.next.Load() {
		st.Blocks++
		if b.Resident() {
			st.Resident++
		}
		st.Bytes += int64(b.WritingOffset() - b.readingOffset)
	}
	dl.topo.RUnlock()
	dl.appendMu.Unlock()
	st.Iterators = dl.Iterators()
	st.Listeners = dl.Listeners()
	return st
}

// Blocks returns the ids of the Blocks currently linked, head first.
func (dl *DataList) Blocks() []uint64 {
	dl.topo.RLock()
	defer dl.topo.RUnlock()
	var ids []uint64
	for b := dl.head; b != nil; b = b.next.Load() {
		ids = append(ids, b.id)
	}
	return ids
}
