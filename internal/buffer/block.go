package buffer

import (
	"sync"
	"sync/atomic"

	"github.com/rzbill/flobuf/internal/frame"
)

// maxRewrites bounds the rewrite history kept per Block. Iterators older
// than the oldest entry are treated as stale.
const maxRewrites = 16

// rewrite records one destructive change to a Block. Offsets in
// [from, to] kept their framing; everything else was overwritten.
type rewrite struct {
	gen      uint64
	from, to int
}

// Block is a fixed-capacity arena holding a contiguous run of frames.
//
// The appender owns writingOffset and the bytes above it. Control
// operations (rewind, purge) change bytes below it and readingOffset, and
// run under the DataList topology lock, which readers share.
type Block struct {
	id       uint64
	capacity int

	// mu guards the arena pointer and the spill state.
	mu        sync.Mutex
	data      []byte
	spillID   uint64
	spillFrom int
	spilling  bool
	pins      int

	readingOffset int
	writingOffset atomic.Int64

	// base is the base seconds in effect at readingOffset.
	base uint32

	// startingWindow and endingWindow are maintained under the append lock.
	// windowed means the range is meaningful for positioning; own means a
	// BeginWindow was appended to this Block itself.
	startingWindow uint64
	endingWindow   uint64
	windowed       bool
	own            bool

	next      atomic.Pointer[Block]
	gen       atomic.Uint64
	discarded atomic.Bool
	rewrites  []rewrite
}

func newBlock(id uint64, capacity int) *Block {
	return &Block{id: id, capacity: capacity, data: make([]byte, capacity)}
}

// ID is the Block's stable handle within its DataList.
func (b *Block) ID() uint64 { return b.id }

// ReadingOffset is the first valid byte.
func (b *Block) ReadingOffset() int { return b.readingOffset }

// WritingOffset is the first free byte.
func (b *Block) WritingOffset() int { return int(b.writingOffset.Load()) }

// StartingWindow is the first window resident in the Block.
func (b *Block) StartingWindow() uint64 { return b.startingWindow }

// EndingWindow is the last window resident in the Block.
func (b *Block) EndingWindow() uint64 { return b.endingWindow }

// Resident reports whether the arena is in memory.
func (b *Block) Resident() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data != nil
}

// arena returns the current arena, nil when spilled.
func (b *Block) arena() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

// append copies one encoded frame at writingOffset.
func (b *Block) append(raw []byte) error {
	w := int(b.writingOffset.Load())
	if len(raw) > b.capacity-w {
		return ErrBlockFull
	}
	copy(b.data[w:], raw)
	b.writingOffset.Store(int64(w + len(raw)))
	return nil
}

// noteWindow records a window that begins inside this Block.
func (b *Block) noteWindow(window uint64) {
	if !b.own {
		b.startingWindow = window
		b.own = true
	}
	b.endingWindow = window
	b.windowed = true
}

// inherit seeds a fresh successor with the window its predecessor ended in.
func (b *Block) inherit(prev *Block) {
	b.startingWindow = prev.endingWindow
	b.endingWindow = prev.endingWindow
	b.windowed = prev.windowed
}

// markRewritten bumps the generation and records which offsets kept
// their framing.
func (b *Block) markRewritten(from, to int) {
	g := b.gen.Add(1)
	b.rewrites = append(b.rewrites, rewrite{gen: g, from: from, to: to})
	if len(b.rewrites) > maxRewrites {
		b.rewrites = b.rewrites[len(b.rewrites)-maxRewrites:]
	}
}

// survives reports whether offset, taken at generation gen, is still a
// frame boundary.
func (b *Block) survives(gen uint64, offset int) bool {
	if len(b.rewrites) > 0 && b.rewrites[0].gen > gen+1 {
		return false
	}
	for _, r := range b.rewrites {
		if r.gen <= gen {
			continue
		}
		if offset < r.from || offset > r.to {
			return false
		}
	}
	return true
}

// rewind truncates the Block at the first frame belonging to window or
// later and returns the base seconds in effect at that point. A Block with
// nothing at or after window is left untouched.
func (b *Block) rewind(window uint64) uint32 {
	data := b.data
	w := int(b.writingOffset.Load())
	base := b.base
	last, seen := b.startingWindow, false

	for off := b.readingOffset; off < w; {
		v, err := frame.Decode(data[:w], off)
		if err != nil {
			break
		}
		switch v.Kind {
		case frame.ResetWindow:
			if frame.WindowID(v.BaseSeconds(), 0) > window {
				b.truncate(off, last, seen)
				return base
			}
			base = v.BaseSeconds()
		case frame.BeginWindow:
			id := frame.WindowID(base, v.Sequence())
			if id >= window {
				b.truncate(off, last, seen)
				return base
			}
			last, seen = id, true
		}
		off = v.End()
	}
	return base
}

func (b *Block) truncate(off int, last uint64, seen bool) {
	b.writingOffset.Store(int64(off))
	if seen {
		b.endingWindow = last
	} else {
		b.endingWindow = b.startingWindow
	}
	b.markRewritten(0, off)
}

// purge discards every window up to and including window by moving the
// reading offset to the first later BeginWindow, or to the end of the Block
// when there is none. It does not restate the base; see restate.
func (b *Block) purge(window uint64) {
	data := b.data
	w := int(b.writingOffset.Load())
	base := b.base
	stop, reset := w, false

scan:
	for off := b.readingOffset; off < w; {
		v, err := frame.Decode(data[:w], off)
		if err != nil {
			break
		}
		switch v.Kind {
		case frame.ResetWindow:
			base = v.BaseSeconds()
			reset = true
		case frame.BeginWindow:
			if id := frame.WindowID(base, v.Sequence()); id > window {
				stop = off
				b.startingWindow = id
				break scan
			}
		}
		off = v.End()
	}

	b.base = base
	if stop == w {
		// Only consumed history is left.
		if reset {
			b.startingWindow = frame.WindowID(base, 0)
			b.endingWindow = b.startingWindow
		} else {
			b.startingWindow, b.endingWindow = 0, 0
			b.windowed, b.own = false, false
		}
	}
	if stop == b.readingOffset {
		return
	}
	b.readingOffset = stop
	frame.WriteFiller(data[:stop])
	b.markRewritten(stop, w)
}

// restate makes the first frame at the reading offset a ResetWindow
// carrying the base in effect there. The frame is always written in its
// canonical encoding. It reports false when there is no room below the
// reading offset.
func (b *Block) restate() bool {
	data := b.data
	w := int(b.writingOffset.Load())
	r := b.readingOffset
	if r < w {
		if v, err := frame.Decode(data[:w], r); err == nil && v.Kind == frame.ResetWindow {
			return true
		}
	}
	if r < frame.ResetWindowSize {
		return false
	}
	reading := r - frame.ResetWindowSize
	copy(data[reading:r], frame.AppendResetWindow(nil, b.base))
	frame.WriteFiller(data[:reading])
	b.readingOffset = reading
	if r == w {
		b.startingWindow = frame.WindowID(b.base, 0)
		b.endingWindow = b.startingWindow
		b.windowed = true
	}
	b.markRewritten(reading, w)
	return true
}
