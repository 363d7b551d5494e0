package aggregate

import (
	"sort"

	"github.com/xtxerr/telemetry/internal/engine/types"
)

// Rollup is the set of buckets of one resolution for one series.
//
// Rollup is not safe for concurrent use.
type Rollup struct {
	res      types.Resolution
	size     int64
	accuracy float64

	buckets map[int64]*Bucket
	starts  []int64 // Bucket starts, ascending
}

// NewRollup creates an empty rollup. accuracy > 0 enables percentile
// sketches with that relative accuracy.
func NewRollup(res types.Resolution, accuracy float64) *Rollup {
	return &Rollup{
		res:      res,
		size:     res.Millis(),
		accuracy: accuracy,
		buckets:  make(map[int64]*Bucket),
	}
}

// Resolution returns the rollup resolution.
func (r *Rollup) Resolution() types.Resolution {
	return r.res
}

// Update adds one sample to its bucket, creating the bucket if needed.
func (r *Rollup) Update(ts int64, value float64) {
	start := types.FloorBucket(ts, r.size)

	b, ok := r.buckets[start]
	if !ok {
		b = NewBucket(start, r.accuracy)
		r.buckets[start] = b
		r.insertStart(start)
	}
	b.Add(value)
}

// insertStart keeps starts sorted. The common case is an append.
func (r *Rollup) insertStart(start int64) {
	n := len(r.starts)
	if n == 0 || r.starts[n-1] < start {
		r.starts = append(r.starts, start)
		return
	}
	i := sort.Search(n, func(i int) bool { return r.starts[i] >= start })
	r.starts = append(r.starts, 0)
	copy(r.starts[i+1:], r.starts[i:])
	r.starts[i] = start
}

// Read returns the buckets overlapping [fromTs, toTs], ascending.
// A bucket overlaps when start+size > fromTs and start <= toTs.
func (r *Rollup) Read(fromTs, toTs int64) []types.AggregatePoint {
	if fromTs > toTs || len(r.starts) == 0 {
		return nil
	}

	first := sort.Search(len(r.starts), func(i int) bool {
		return r.starts[i]+r.size > fromTs
	})

	var out []types.AggregatePoint
	for _, start := range r.starts[first:] {
		if start > toTs {
			break
		}
		out = append(out, r.buckets[start].Point())
	}
	return out
}

// Trim removes every bucket whose start is strictly before horizonTs and
// returns the number removed.
func (r *Rollup) Trim(horizonTs int64) int {
	n := 0
	for n < len(r.starts) && r.starts[n] < horizonTs {
		delete(r.buckets, r.starts[n])
		n++
	}
	if n > 0 {
		r.starts = append(r.starts[:0], r.starts[n:]...)
	}
	return n
}

// Len returns the number of buckets.
func (r *Rollup) Len() int {
	return len(r.starts)
}
