package buffer

import (
	"bytes"
	"testing"
	"time"

	"github.com/rzbill/flobuf/internal/frame"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSpillAndReload(t *testing.T) {
	store := newMemStorage()
	m := &countingMetrics{}
	dl := New("pub", Options{BlockSize: 64, Metrics: m})
	dl.SetStorage(store, 1)
	t.Cleanup(func() { _ = dl.Close() })

	var all []byte
	s := (&stream{}).reset(2)
	for i := uint32(1); i <= 12; i++ {
		s.begin(i).payload(0, "spill me please!!!!!")
	}
	all = s.bytes()
	for off := 0; off < len(all); {
		v, err := frame.Decode(all, off)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		mustAppend(t, dl, v.Raw)
		off = v.End()
	}

	waitFor(t, "blocks to spill", func() bool { return dl.Stats().Resident == 1 })
	if store.len() == 0 {
		t.Fatalf("nothing reached storage")
	}

	var got []byte
	for _, f := range drain(t, dl.NewIterator("c", 0)) {
		got = append(got, f.Raw...)
	}
	if !bytes.Equal(got, all) {
		t.Fatalf("reloaded data differs: got %d bytes want %d", len(got), len(all))
	}
	if m.loaded.Load() == 0 {
		t.Fatalf("reader never loaded a spilled block")
	}
}

func TestSpillFailureKeepsBlocksResident(t *testing.T) {
	store := newMemStorage()
	store.fail = true
	m := &countingMetrics{}
	dl := New("pub", Options{BlockSize: 64, Metrics: m})
	dl.SetStorage(store, 1)
	t.Cleanup(func() { _ = dl.Close() })

	windows(t, dl, 1, 6)
	waitFor(t, "spill failures", func() bool { return m.spillFailed.Load() > 0 })

	st := dl.Stats()
	if st.Resident != st.Blocks {
		t.Fatalf("resident %d of %d blocks after failed spills", st.Resident, st.Blocks)
	}
	got := drain(t, dl.NewIterator("c", 0))
	if len(got) != 13 {
		t.Fatalf("want 13 frames, got %d", len(got))
	}
}

func TestPurgeDiscardsSpilledBlocks(t *testing.T) {
	store := newMemStorage()
	dl := New("pub", Options{BlockSize: 64})
	dl.SetStorage(store, 1)
	t.Cleanup(func() { _ = dl.Close() })

	windows(t, dl, 1, 8)
	waitFor(t, "blocks to spill", func() bool { return dl.Stats().Resident == 1 })

	if err := dl.Purge(frame.WindowID(1, 8)); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n := store.len(); n != 0 {
		t.Fatalf("%d stored blocks outlived purge", n)
	}
	if n := len(dl.Blocks()); n != 1 {
		t.Fatalf("want tail only, got %d blocks", n)
	}
}
