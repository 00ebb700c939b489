package id

import (
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
)

// ID identifies one connection.
type ID [16]byte

var encoding = base32.NewEncoding("0123456789ABCDEFGHJKMNPQRSTVWXYZ").WithPadding(base32.NoPadding)

// String returns the sortable base32 form.
func (i ID) String() string { return encoding.EncodeToString(i[:]) }

// Time is when the ID was generated, to the millisecond.
func (i ID) Time() time.Time {
	return time.UnixMilli(int64(binary.BigEndian.Uint64(i[0:8])))
}

// Node is the tag of the generator that produced the ID.
func (i ID) Node() uint32 { return binary.BigEndian.Uint32(i[8:12]) }

// Parse decodes the String form.
func Parse(s string) (ID, error) {
	var i ID
	b, err := encoding.DecodeString(s)
	if err != nil {
		return i, errors.Wrapf(err, "parse id %q", s)
	}
	if len(b) != len(i) {
		return i, errors.Newf("parse id %q: %d bytes", s, len(b))
	}
	copy(i[:], b)
	return i, nil
}

// Generator produces IDs that increase monotonically per process, even
// when the wall clock steps back.
type Generator struct {
	node uint32

	mu     sync.Mutex
	lastMs int64
	seq    uint32
}

// NewGenerator creates a generator tagged with a hash of node.
func NewGenerator(node string) *Generator {
	return &Generator{node: uint32(xxhash.Sum64String(node))}
}

// NowMs returns current time in milliseconds since Unix epoch.
var NowMs = func() int64 { return time.Now().UnixMilli() }

// Next returns a new ID. A regressed clock reuses the last millisecond; an
// exhausted sequence waits for the next one.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := NowMs()
	if ms < g.lastMs {
		ms = g.lastMs
	}
	if ms == g.lastMs {
		if g.seq == ^uint32(0) {
			for ms <= g.lastMs {
				time.Sleep(50 * time.Microsecond)
				ms = NowMs()
			}
			g.seq = 0
		} else {
			g.seq++
		}
	} else {
		g.seq = 0
	}
	g.lastMs = ms

	var i ID
	binary.BigEndian.PutUint64(i[0:8], uint64(ms))
	binary.BigEndian.PutUint32(i[8:12], g.node)
	binary.BigEndian.PutUint32(i[12:16], g.seq)
	return i
}

var (
	defaultOnce sync.Once
	defaultGen  *Generator
)

// New returns the String form of an ID from a generator tagged with this
// host and process.
func New() string {
	defaultOnce.Do(func() {
		host, _ := os.Hostname()
		defaultGen = NewGenerator(fmt.Sprintf("%s/%d", host, os.Getpid()))
	})
	return defaultGen.Next().String()
}
