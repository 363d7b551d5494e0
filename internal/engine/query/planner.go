package query

import (
	"sync/atomic"

	"github.com/xtxerr/telemetry/internal/engine/aggregate"
	"github.com/xtxerr/telemetry/internal/engine/types"
)

// Source is the read side of one series. Implementations hold the series
// read lock for the duration of each call.
type Source interface {
	// Scan visits raw samples with from <= ts <= to, oldest first.
	Scan(fromTs, toTs int64, visit func(ts int64, value float64))

	// Rollup returns rollup buckets overlapping [fromTs, toTs], ascending.
	Rollup(res types.Resolution, fromTs, toTs int64) []types.AggregatePoint
}

// Result holds the answer to a request. Exactly one of Points and
// Aggregates is used, depending on Plan.Mode.
type Result struct {
	Plan       Plan                   `json:"-"`
	Points     []types.Point          `json:"points,omitempty"`
	Aggregates []types.AggregatePoint `json:"aggregates,omitempty"`
}

// Len returns the number of points in the result.
func (r Result) Len() int {
	if r.Plan.Mode == ModeRaw {
		return len(r.Points)
	}
	return len(r.Aggregates)
}

// IsAggregate returns true if the result holds aggregate points.
func (r Result) IsAggregate() bool {
	return r.Plan.Mode != ModeRaw
}

// Downsample returns r reduced to at most maxPoints entries.
func (r Result) Downsample(maxPoints int) Result {
	r.Points = Downsample(r.Points, maxPoints)
	r.Aggregates = Downsample(r.Aggregates, maxPoints)
	return r
}

// Planner executes requests and keeps query statistics.
//
// Planner is safe for concurrent use; it holds no series state.
type Planner struct {
	raw      atomic.Int64
	bucketed atomic.Int64
	rollup   atomic.Int64
	rows     atomic.Int64
}

// NewPlanner creates a new Planner.
func NewPlanner() *Planner {
	return &Planner{}
}

// Execute answers req from src. A nil src yields an empty result.
func (p *Planner) Execute(src Source, req Request) Result {
	plan := PlanFor(req)
	result := Result{Plan: plan}

	if src == nil {
		return result
	}

	from, to := req.Range()

	switch plan.Mode {
	case ModeRaw:
		p.raw.Add(1)
		src.Scan(from, to, func(ts int64, value float64) {
			result.Points = append(result.Points, types.Point{Ts: ts, Value: value})
		})
		result.Points = TailLimit(result.Points, req.Limit)

	case ModeBucketed:
		p.bucketed.Add(1)
		result.Aggregates = TailLimit(BucketScan(src, from, to, plan.BucketMs), req.Limit)

	case ModeRollup:
		p.rollup.Add(1)
		result.Aggregates = TailLimit(src.Rollup(plan.Resolution, from, to), req.Limit)
	}

	p.rows.Add(int64(result.Len()))
	return result
}

// BucketScan groups the raw samples of src in [from, to] into buckets of
// bucketMs, ascending.
func BucketScan(src Source, from, to, bucketMs int64) []types.AggregatePoint {
	var out []types.AggregatePoint
	var current *aggregate.Bucket

	// Samples arrive sorted, so buckets close in order.
	src.Scan(from, to, func(ts int64, value float64) {
		start := types.FloorBucket(ts, bucketMs)
		if current == nil || current.Start() != start {
			if current != nil {
				out = append(out, current.Point())
			}
			current = aggregate.NewBucket(start, 0)
		}
		current.Add(value)
	})
	if current != nil {
		out = append(out, current.Point())
	}
	return out
}

// TailLimit keeps the last limit elements. limit <= 0 keeps everything.
func TailLimit[T any](s []T, limit int) []T {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[len(s)-limit:]
}

// Downsample thins s to at most roughly maxPoints elements for display.
// It keeps every stride-th element with stride = ceil(len/maxPoints) and
// always keeps the last element. maxPoints <= 0 keeps everything.
func Downsample[T any](s []T, maxPoints int) []T {
	n := len(s)
	if maxPoints <= 0 || n <= maxPoints {
		return s
	}

	stride := (n + maxPoints - 1) / maxPoints
	out := make([]T, 0, maxPoints+1)
	for i := 0; i < n; i += stride {
		out = append(out, s[i])
	}
	if (n-1)%stride != 0 {
		out = append(out, s[n-1])
	}
	return out
}

// Stats returns planner statistics.
func (p *Planner) Stats() Stats {
	return Stats{
		RawQueries:      p.raw.Load(),
		BucketedQueries: p.bucketed.Load(),
		RollupQueries:   p.rollup.Load(),
		RowsReturned:    p.rows.Load(),
	}
}

// Stats holds planner statistics.
type Stats struct {
	RawQueries      int64
	BucketedQueries int64
	RollupQueries   int64
	RowsReturned    int64
}
