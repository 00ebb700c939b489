package buffer

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/rzbill/flobuf/pkg/log"
)

// Storage is secondary storage for Block arenas that are fully written
// but not currently needed in memory.
type Storage interface {
	// Store persists data, the bytes [from, to) of Block blockID, and
	// returns a handle for Retrieve.
	Store(identity string, blockID uint64, data []byte, from, to int) (uint64, error)
	Retrieve(identity string, id uint64) ([]byte, error)
	Discard(identity string, id uint64) error
}

const spillQueueLen = 64

type spillJob struct {
	block *Block

	// store jobs
	gen     uint64
	reading int
	data    []byte

	// load jobs
	done chan error
}

// spiller owns all storage I/O for one DataList on a single goroutine.
type spiller struct {
	identity    string
	store       Storage
	maxResident int
	logger      log.Logger
	metrics     Metrics

	jobs chan spillJob
	stop chan struct{}
	wg   sync.WaitGroup
}

func newSpiller(identity string, store Storage, maxResident int, logger log.Logger, metrics Metrics) *spiller {
	if maxResident < 1 {
		maxResident = 1
	}
	s := &spiller{
		identity:    identity,
		store:       store,
		maxResident: maxResident,
		logger:      logger,
		metrics:     metrics,
		jobs:        make(chan spillJob, spillQueueLen),
		stop:        make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *spiller) run() {
	defer s.wg.Done()
	for {
		select {
		case job := <-s.jobs:
			if job.done != nil {
				job.done <- s.load(job.block)
				continue
			}
			s.spill(job)
		case <-s.stop:
			return
		}
	}
}

func (s *spiller) close() {
	close(s.stop)
	s.wg.Wait()
}

// offer queues b for spilling. It never blocks the appender; a full queue
// leaves the Block resident until the next opportunity.
func (s *spiller) offer(b *Block) {
	b.mu.Lock()
	if b.data == nil || b.spilling || b.pins > 0 {
		b.mu.Unlock()
		return
	}
	w := b.WritingOffset()
	job := spillJob{
		block:   b,
		gen:     b.gen.Load(),
		reading: b.readingOffset,
		data:    append([]byte(nil), b.data[b.readingOffset:w]...),
	}
	b.spilling = true
	b.mu.Unlock()

	select {
	case s.jobs <- job:
	default:
		b.mu.Lock()
		b.spilling = false
		b.mu.Unlock()
	}
}

func (s *spiller) spill(job spillJob) {
	b := job.block
	id, err := s.store.Store(s.identity, b.id, job.data, job.reading, job.reading+len(job.data))
	if err != nil {
		s.logger.Warn("spill failed, block stays resident",
			log.Str("identity", s.identity), log.Uint64("block", b.id), log.Err(err))
		s.metrics.SpillFailed(s.identity, "store")
		b.mu.Lock()
		b.spilling = false
		b.mu.Unlock()
		return
	}

	b.mu.Lock()
	ok := b.pins == 0 && b.gen.Load() == job.gen && b.data != nil &&
		b.next.Load() != nil && !b.discarded.Load()
	if ok {
		b.data = nil
		b.spillID = id
		b.spillFrom = job.reading
	}
	b.spilling = false
	b.mu.Unlock()

	if !ok {
		s.discard(id)
		return
	}
	s.metrics.Spilled(s.identity, len(job.data))
	s.logger.Debug("block spilled", log.Str("identity", s.identity),
		log.Uint64("block", b.id), log.Int("bytes", len(job.data)))
}

func (s *spiller) load(b *Block) error {
	b.mu.Lock()
	if b.data != nil || b.spillID == 0 {
		b.mu.Unlock()
		return nil
	}
	id, from := b.spillID, b.spillFrom
	b.mu.Unlock()

	stored, err := s.store.Retrieve(s.identity, id)
	if err != nil {
		s.metrics.SpillFailed(s.identity, "retrieve")
		return errors.Mark(errors.Wrapf(err, "load block %d", b.id), ErrStorageFailure)
	}
	arena := make([]byte, b.capacity)
	copy(arena[from:], stored)

	b.mu.Lock()
	if b.spillID != id {
		// Released while loading.
		b.mu.Unlock()
		return nil
	}
	b.data = arena
	b.spillID = 0
	b.mu.Unlock()

	s.metrics.Loaded(s.identity)
	s.discard(id)
	return nil
}

// acquire blocks until the worker has brought b back into memory.
func (s *spiller) acquire(b *Block) ([]byte, error) {
	done := make(chan error, 1)
	select {
	case s.jobs <- spillJob{block: b, done: done}:
	case <-s.stop:
		return nil, ErrClosed
	}
	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
	case <-s.stop:
		return nil, ErrClosed
	}
	data := b.arena()
	if data == nil {
		return nil, ErrStaleIterator
	}
	return data, nil
}

// discard drops a stored copy that is no longer needed.
func (s *spiller) discard(id uint64) {
	if id == 0 {
		return
	}
	if err := s.store.Discard(s.identity, id); err != nil {
		s.metrics.SpillFailed(s.identity, "discard")
		s.logger.Warn("discard failed", log.Str("identity", s.identity),
			log.Uint64("spill_id", id), log.Err(err))
	}
}
