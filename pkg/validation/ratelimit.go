package validation

import (
	"fmt"
	"sync"

	"github.com/cuemby/conductor/pkg/hash"
	"github.com/cuemby/conductor/pkg/types"
)

// BucketParams configures one rate-limit bucket: its capacity in units and
// how many units drain per second of chain time.
type BucketParams struct {
	Capacity     uint32
	DrainPerSec  uint32
}

// DefaultBucketParams applies when a DNA does not configure a bucket id.
var DefaultBucketParams = BucketParams{Capacity: 1000, DrainPerSec: 100}

// RateLimiter tracks per-author bucket levels over a rolling window of
// chain timestamps. Spending is deterministic in (author, timestamp,
// weight) order within a chain, so authorities replaying a chain agree on
// where the budget ran out.
type RateLimiter struct {
	params map[uint8]BucketParams

	mu     sync.Mutex
	levels map[string]*bucketLevel // keyed by author|bucket
}

type bucketLevel struct {
	level  uint32
	lastTs types.Timestamp
}

// NewRateLimiter creates a limiter with per-bucket parameters; unset ids
// use DefaultBucketParams.
func NewRateLimiter(params map[uint8]BucketParams) *RateLimiter {
	return &RateLimiter{
		params: params,
		levels: make(map[string]*bucketLevel),
	}
}

func (r *RateLimiter) bucketParams(id uint8) BucketParams {
	if p, ok := r.params[id]; ok {
		return p
	}
	return DefaultBucketParams
}

// Spend charges a weight against the author's bucket at the action's
// timestamp, draining first. Fails when the remaining capacity cannot take
// the units.
func (r *RateLimiter) Spend(author hash.Hash, ts types.Timestamp, w types.RateWeight) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	params := r.bucketParams(w.BucketID)
	key := author.String() + "|" + fmt.Sprint(w.BucketID)
	lvl, ok := r.levels[key]
	if !ok {
		lvl = &bucketLevel{lastTs: ts}
		r.levels[key] = lvl
	}

	// Drain for elapsed chain time. Timestamps are non-decreasing within a
	// chain; an older timestamp drains nothing.
	if ts > lvl.lastTs {
		elapsedSec := uint64(ts-lvl.lastTs) / 1_000_000
		drained := elapsedSec * uint64(params.DrainPerSec)
		if drained >= uint64(lvl.level) {
			lvl.level = 0
		} else {
			lvl.level -= uint32(drained)
		}
		lvl.lastTs = ts
	}

	units := uint32(w.Units)
	if lvl.level+units > params.Capacity {
		return fmt.Errorf("bucket %d at %d/%d, cannot take %d units", w.BucketID, lvl.level, params.Capacity, units)
	}
	lvl.level += units
	return nil
}
