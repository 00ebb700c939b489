package buffer

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/rzbill/flobuf/internal/frame"
)

// stream builds framed input the way a publisher would send it.
type stream struct{ buf []byte }

func (s *stream) reset(base uint32) *stream {
	s.buf = frame.AppendResetWindow(s.buf, base)
	return s
}

func (s *stream) begin(seq uint32) *stream {
	s.buf = frame.AppendBeginWindow(s.buf, seq)
	return s
}

func (s *stream) end(seq uint32) *stream {
	s.buf = frame.AppendEndWindow(s.buf, seq)
	return s
}

func (s *stream) payload(partition int32, data string) *stream {
	s.buf = frame.AppendPayload(s.buf, partition, []byte(data))
	return s
}

func (s *stream) bytes() []byte { return s.buf }

func mustAppend(t *testing.T, dl *DataList, buf []byte) {
	t.Helper()
	if err := dl.Append(buf); err != nil {
		t.Fatalf("append: %v", err)
	}
}

// drain reads until the iterator catches up, copying every frame.
func drain(t *testing.T, it *Iterator) []Frame {
	t.Helper()
	var out []Frame
	for {
		f, ok, err := it.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if !ok {
			return out
		}
		raw := append([]byte(nil), f.Raw...)
		f.Body = raw[len(raw)-len(f.Body):]
		f.Raw = raw
		out = append(out, f)
	}
}

func kinds(frames []Frame) []frame.Kind {
	out := make([]frame.Kind, len(frames))
	for i, f := range frames {
		out[i] = f.Kind
	}
	return out
}

func equalKinds(a []frame.Kind, b ...frame.Kind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type countingMetrics struct {
	NoopMetrics
	allocated   atomic.Int64
	released    atomic.Int64
	spilled     atomic.Int64
	loaded      atomic.Int64
	spillFailed atomic.Int64
}

func (m *countingMetrics) BlockAllocated(string)          { m.allocated.Add(1) }
func (m *countingMetrics) BlocksReleased(_ string, n int) { m.released.Add(int64(n)) }
func (m *countingMetrics) Spilled(string, int)            { m.spilled.Add(1) }
func (m *countingMetrics) Loaded(string)                  { m.loaded.Add(1) }
func (m *countingMetrics) SpillFailed(string, string)     { m.spillFailed.Add(1) }

// memStorage is an in-memory Storage.
type memStorage struct {
	mu      sync.Mutex
	next    uint64
	entries map[uint64][]byte
	fail    bool
}

func newMemStorage() *memStorage { return &memStorage{entries: make(map[uint64][]byte)} }

func (m *memStorage) Store(_ string, _ uint64, data []byte, _, _ int) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return 0, errors.New("disk full")
	}
	m.next++
	m.entries[m.next] = append([]byte(nil), data...)
	return m.next, nil
}

func (m *memStorage) Retrieve(_ string, id uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.entries[id]
	if !ok {
		return nil, errors.Newf("spill %d not found", id)
	}
	return data, nil
}

func (m *memStorage) Discard(_ string, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

func (m *memStorage) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
