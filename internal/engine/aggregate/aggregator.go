package aggregate

import (
	"time"

	"github.com/xtxerr/telemetry/internal/engine/types"
)

// DefaultRetentionDays is the rollup retention used when none is configured.
const DefaultRetentionDays = 30

// Options configures an Aggregator.
type Options struct {
	// RetentionDays is the rollup retention horizon. Zero keeps only
	// buckets starting at or after the current instant.
	RetentionDays int

	// PercentileAccuracy is the DDSketch relative accuracy. Zero disables
	// percentiles.
	PercentileAccuracy float64
}

// Aggregator maintains the hourly and daily rollups of one series and
// applies retention after every update.
//
// Aggregator is not safe for concurrent use. The owning series serializes
// access.
type Aggregator struct {
	retention time.Duration
	rollups   []*Rollup // Indexed by types.Resolution

	trimmed int64
}

// New creates an Aggregator with one rollup per resolution.
func New(opts Options) *Aggregator {
	if opts.RetentionDays < 0 {
		opts.RetentionDays = DefaultRetentionDays
	}

	resolutions := types.AllResolutions()
	a := &Aggregator{
		retention: time.Duration(opts.RetentionDays) * 24 * time.Hour,
		rollups:   make([]*Rollup, len(resolutions)),
	}
	for _, res := range resolutions {
		a.rollups[res] = NewRollup(res, opts.PercentileAccuracy)
	}
	return a
}

// Update adds a sample to every rollup, then trims each rollup to the
// retention horizon relative to nowMs.
func (a *Aggregator) Update(ts int64, value float64, nowMs int64) {
	horizon := a.Horizon(nowMs)
	for _, r := range a.rollups {
		r.Update(ts, value)
		a.trimmed += int64(r.Trim(horizon))
	}
}

// Read returns the buckets of res overlapping [fromTs, toTs], ascending.
func (a *Aggregator) Read(res types.Resolution, fromTs, toTs int64) []types.AggregatePoint {
	r := a.rollup(res)
	if r == nil {
		return nil
	}
	return r.Read(fromTs, toTs)
}

// Trim removes buckets of res strictly older than horizonTs.
func (a *Aggregator) Trim(res types.Resolution, horizonTs int64) int {
	r := a.rollup(res)
	if r == nil {
		return 0
	}
	n := r.Trim(horizonTs)
	a.trimmed += int64(n)
	return n
}

// TrimExpired trims every rollup to the retention horizon relative to
// nowMs and returns the number of buckets removed.
func (a *Aggregator) TrimExpired(nowMs int64) int {
	horizon := a.Horizon(nowMs)
	n := 0
	for _, r := range a.rollups {
		n += r.Trim(horizon)
	}
	a.trimmed += int64(n)
	return n
}

// Horizon returns the oldest bucket start kept at nowMs.
func (a *Aggregator) Horizon(nowMs int64) int64 {
	return nowMs - a.retention.Milliseconds()
}

// Retention returns the configured retention.
func (a *Aggregator) Retention() time.Duration {
	return a.retention
}

func (a *Aggregator) rollup(res types.Resolution) *Rollup {
	if int(res) < 0 || int(res) >= len(a.rollups) {
		return nil
	}
	return a.rollups[res]
}

// Stats returns rollup statistics.
func (a *Aggregator) Stats() Stats {
	return Stats{
		HourlyBuckets: a.rollups[types.ResolutionHourly].Len(),
		DailyBuckets:  a.rollups[types.ResolutionDaily].Len(),
		Trimmed:       a.trimmed,
	}
}

// Stats holds rollup statistics.
type Stats struct {
	HourlyBuckets int
	DailyBuckets  int
	Trimmed       int64
}
