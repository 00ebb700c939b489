package policy

import (
	"encoding/binary"
	"math/rand/v2"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"

	"github.com/rzbill/flobuf/internal/buffer"
	"github.com/rzbill/flobuf/internal/frame"
)

// Target is a delivery candidate.
type Target interface {
	ID() string
	// Backlog is the number of frames queued for the target and not yet
	// written.
	Backlog() int
}

// Choice is the outcome of a Choose call: one target index, or all.
type Choice struct {
	Index int
	All   bool
}

// All selects every admissible target.
var All = Choice{All: true}

// Policy picks the target of a frame among an admissible set. Choose is
// called with at least one target and is not safe for concurrent use.
type Policy interface {
	Name() string
	Choose(targets []Target, f buffer.Frame) Choice
}

// Kind names a built-in policy.
type Kind string

const (
	KindRoundRobin Kind = "round-robin"
	KindLeastBusy  Kind = "least-busy"
	KindRandom     Kind = "random"
	KindBroadcast  Kind = "broadcast"
	KindKeyed      Kind = "keyed"
	KindCustom     Kind = "custom"
)

// ErrUnknownPolicy is returned by New for an unrecognized kind.
var ErrUnknownPolicy = errors.New("unknown policy")

// Options carries the knobs some policies need.
type Options struct {
	// Seed makes Random deterministic. Zero picks a random seed.
	Seed uint64
	// Expr is the CEL expression of a custom policy.
	Expr string
}

// ParseKind normalizes user input such as "RoundRobin" or "give_all".
func ParseKind(s string) (Kind, error) {
	k := strings.ToLower(strings.TrimSpace(s))
	k = strings.NewReplacer("_", "-", " ", "-").Replace(k)
	switch k {
	case "", "round-robin", "roundrobin", "rr":
		return KindRoundRobin, nil
	case "least-busy", "leastbusy":
		return KindLeastBusy, nil
	case "random":
		return KindRandom, nil
	case "broadcast", "give-all", "giveall", "all":
		return KindBroadcast, nil
	case "keyed", "sticky":
		return KindKeyed, nil
	case "custom", "cel":
		return KindCustom, nil
	}
	return "", errors.Wrapf(ErrUnknownPolicy, "%q", s)
}

// New builds a policy by name.
func New(name string, opts Options) (Policy, error) {
	kind, err := ParseKind(name)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindLeastBusy:
		return LeastBusy{}, nil
	case KindRandom:
		return NewRandom(opts.Seed), nil
	case KindBroadcast:
		return Broadcast{}, nil
	case KindKeyed:
		return Keyed{}, nil
	case KindCustom:
		return NewCustom(opts.Expr)
	default:
		return &RoundRobin{}, nil
	}
}

// RoundRobin cycles through the admissible set.
type RoundRobin struct{ next int }

func (*RoundRobin) Name() string { return string(KindRoundRobin) }

func (p *RoundRobin) Choose(targets []Target, _ buffer.Frame) Choice {
	i := p.next % len(targets)
	p.next = i + 1
	return Choice{Index: i}
}

// LeastBusy picks the target with the smallest backlog, the first one on
// ties.
type LeastBusy struct{}

func (LeastBusy) Name() string { return string(KindLeastBusy) }

func (LeastBusy) Choose(targets []Target, _ buffer.Frame) Choice {
	best, backlog := 0, targets[0].Backlog()
	for i := 1; i < len(targets); i++ {
		if b := targets[i].Backlog(); b < backlog {
			best, backlog = i, b
		}
	}
	return Choice{Index: best}
}

// Random picks uniformly from a seeded PCG stream.
type Random struct{ rng *rand.Rand }

// NewRandom returns a Random policy. The same seed yields the same choices.
func NewRandom(seed uint64) *Random {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Random{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (*Random) Name() string { return string(KindRandom) }

func (p *Random) Choose(targets []Target, _ buffer.Frame) Choice {
	return Choice{Index: p.rng.IntN(len(targets))}
}

// Broadcast gives every frame to every target.
type Broadcast struct{}

func (Broadcast) Name() string { return string(KindBroadcast) }

func (Broadcast) Choose([]Target, buffer.Frame) Choice { return All }

// Keyed pins each payload partition to one target by hashing it. Control
// frames go to everyone.
type Keyed struct{}

func (Keyed) Name() string { return string(KindKeyed) }

func (Keyed) Choose(targets []Target, f buffer.Frame) Choice {
	if f.Kind != frame.Payload {
		return All
	}
	var key [4]byte
	binary.BigEndian.PutUint32(key[:], uint32(f.Partition()))
	return Choice{Index: int(xxhash.Sum64(key[:]) % uint64(len(targets)))}
}
