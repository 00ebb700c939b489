package buffer

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/rzbill/flobuf/internal/frame"
)

// Frame is one frame yielded by an Iterator. Raw and Body point into a
// scratch buffer owned by the iterator and stay valid until the next call
// to Next.
type Frame struct {
	frame.View
	// Window is the absolute id of the window the frame belongs to.
	Window uint64
}

// Iterator is a non-owning cursor over a DataList. It is not safe for
// concurrent use; one consumer drives it.
type Iterator struct {
	list     *DataList
	consumer string
	epoch    uint64

	block  atomic.Pointer[Block]
	gen    uint64
	offset int

	base   uint32
	window uint64

	min      uint64
	skipping bool

	scratch []byte
	closed  atomic.Bool
}

// Consumer names the subscriber group holding the iterator.
func (it *Iterator) Consumer() string { return it.consumer }

// Window is the id of the last BeginWindow passed.
func (it *Iterator) Window() uint64 { return it.window }

// place moves the cursor to the reading offset of b.
func (it *Iterator) place(b *Block) {
	it.block.Store(b)
	it.gen = b.gen.Load()
	it.offset = b.readingOffset
}

// Next returns the next frame. ok is false when the iterator has caught up
// with the writer; call again after the next flush notification.
func (it *Iterator) Next() (f Frame, ok bool, err error) {
	if it.closed.Load() {
		return Frame{}, false, ErrClosed
	}
	dl := it.list
	dl.topo.RLock()
	defer dl.topo.RUnlock()

	if dl.epoch.Load() != it.epoch {
		return Frame{}, false, ErrStaleIterator
	}

	for {
		b := it.block.Load()
		if b.discarded.Load() {
			return Frame{}, false, ErrStaleIterator
		}
		if g := b.gen.Load(); g != it.gen {
			if !b.survives(it.gen, it.offset) {
				return Frame{}, false, ErrStaleIterator
			}
			it.gen = g
			if it.offset < b.readingOffset {
				it.offset = b.readingOffset
			}
		}

		// next is published after the final writing offset.
		next := b.next.Load()
		w := b.WritingOffset()
		if it.offset >= w {
			if next == nil {
				return Frame{}, false, nil
			}
			it.place(next)
			continue
		}

		data, err := dl.acquire(b)
		if err != nil {
			return Frame{}, false, err
		}
		v, err := frame.Decode(data[:w], it.offset)
		if err != nil {
			if errors.Is(err, frame.ErrIncomplete) {
				return Frame{}, false, nil
			}
			return Frame{}, false, errors.Wrapf(err, "block %d", b.id)
		}
		it.offset = v.End()

		switch v.Kind {
		case frame.NoMessage:
			continue
		case frame.ResetWindow:
			it.base = v.BaseSeconds()
			it.window = frame.WindowID(it.base, 0)
			if it.skipping && frame.WindowID(it.base, 0) >= it.min {
				it.skipping = false
			}
		case frame.BeginWindow:
			it.window = frame.WindowID(it.base, v.Sequence())
			if it.skipping && it.window >= it.min {
				it.skipping = false
			}
		}
		if it.skipping {
			continue
		}

		it.scratch = append(it.scratch[:0], v.Raw...)
		v.Raw = it.scratch
		v.Body = it.scratch[v.Size-len(v.Body):]
		return Frame{View: v, Window: it.window}, true, nil
	}
}
