package pebblestore

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
)

// spoolPrefix namespaces spilled block arenas:
//
//	spool/<len16><identity><id64>
//
// The identity is length-prefixed so one publisher's range never covers
// another's.
var spoolPrefix = []byte("spool/")

// ErrNotSpilled is returned by Retrieve for an unknown handle.
var ErrNotSpilled = errors.New("spilled block not found")

// SpillStore keeps cold buffer blocks in Pebble. It satisfies
// buffer.Storage.
type SpillStore struct {
	db   *DB
	next atomic.Uint64
}

// NewSpillStore clears anything left by a previous process and returns a
// store writing into db.
func NewSpillStore(db *DB) (*SpillStore, error) {
	if err := db.DeleteRange(spoolPrefix, prefixEnd(spoolPrefix)); err != nil {
		return nil, errors.Wrap(err, "clear spool")
	}
	return &SpillStore{db: db}, nil
}

// Store writes data, which holds the bytes [from, to) of the block, under
// a fresh handle.
func (s *SpillStore) Store(identity string, blockID uint64, data []byte, from, to int) (uint64, error) {
	if to-from != len(data) {
		return 0, errors.Newf("block %d: range [%d,%d) does not match %d bytes", blockID, from, to, len(data))
	}
	id := s.next.Add(1)
	if err := s.db.Set(spoolKey(identity, id), data); err != nil {
		return 0, errors.Wrapf(err, "store block %d of %s", blockID, identity)
	}
	return id, nil
}

// Retrieve returns a copy of the bytes stored under id.
func (s *SpillStore) Retrieve(identity string, id uint64) ([]byte, error) {
	data, err := s.db.Get(spoolKey(identity, id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, errors.Wrapf(ErrNotSpilled, "%s/%d", identity, id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "retrieve %s/%d", identity, id)
	}
	return data, nil
}

// Discard deletes the entry under id. Unknown ids are not an error.
func (s *SpillStore) Discard(identity string, id uint64) error {
	return s.db.Delete(spoolKey(identity, id))
}

// DiscardAll drops every block spilled for identity.
func (s *SpillStore) DiscardAll(identity string) error {
	p := identityPrefix(identity)
	return s.db.DeleteRange(p, prefixEnd(p))
}

// Spilled counts the blocks currently stored for identity.
func (s *SpillStore) Spilled(identity string) (int, error) {
	p := identityPrefix(identity)
	return s.db.Count(p, prefixEnd(p))
}

func identityPrefix(identity string) []byte {
	k := make([]byte, 0, len(spoolPrefix)+2+len(identity)+8)
	k = append(k, spoolPrefix...)
	k = binary.BigEndian.AppendUint16(k, uint16(len(identity)))
	return append(k, identity...)
}

func spoolKey(identity string, id uint64) []byte {
	return binary.BigEndian.AppendUint64(identityPrefix(identity), id)
}

// prefixEnd returns the smallest key greater than every key with prefix p.
func prefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
