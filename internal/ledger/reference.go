package ledger

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"
)

const (
	defaultReferencePrefix = "TXN"
	referenceSeqSpace      = 1_000_000
	maxReferenceAttempts   = 5
)

// ExistsFunc reports whether a reference is already persisted
type ExistsFunc func(ctx context.Context, reference string) (bool, error)

// ReferenceGenerator issues human-readable transaction references of the
// form <prefix><unix millis><shard:2><seq:6>. The sequence is a process-wide
// atomic counter, so two calls in one process never produce the same value
// unless a million references are issued within one millisecond. The shard
// separates processes; an optional existence check guards against restarts
// colliding on the same millisecond.
type ReferenceGenerator struct {
	prefix string
	shard  uint8
	seq    atomic.Uint64
	now    func() time.Time
}

func NewReferenceGenerator(prefix string, shard uint8) *ReferenceGenerator {
	if prefix == "" {
		prefix = defaultReferencePrefix
	}
	g := &ReferenceGenerator{
		prefix: prefix,
		shard:  shard % 100,
		now:    time.Now,
	}
	g.seq.Store(rand.Uint64N(referenceSeqSpace))
	return g
}

// Next returns a fresh reference. When exists is non-nil the candidate is
// checked against the store and regenerated on a hit.
func (g *ReferenceGenerator) Next(ctx context.Context, exists ExistsFunc) (string, error) {
	for attempt := 0; attempt < maxReferenceAttempts; attempt++ {
		ref := g.candidate()
		if exists == nil {
			return ref, nil
		}
		taken, err := exists(ctx, ref)
		if err != nil {
			return "", fmt.Errorf("failed to check reference %s: %w", ref, err)
		}
		if !taken {
			return ref, nil
		}
	}
	return "", fmt.Errorf("failed to generate a unique reference after %d attempts", maxReferenceAttempts)
}

func (g *ReferenceGenerator) candidate() string {
	seq := g.seq.Add(1) % referenceSeqSpace
	return fmt.Sprintf("%s%d%02d%06d", g.prefix, g.now().UnixMilli(), g.shard, seq)
}
