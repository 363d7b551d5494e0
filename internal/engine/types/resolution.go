package types

import (
	"fmt"
	"time"
)

// Resolution is a pre-aggregation bucket size.
type Resolution int

const (
	// ResolutionHourly aggregates samples into 1 hour buckets.
	ResolutionHourly Resolution = iota

	// ResolutionDaily aggregates samples into 1 day buckets.
	ResolutionDaily
)

// String returns the string representation of the resolution.
func (r Resolution) String() string {
	switch r {
	case ResolutionHourly:
		return "hourly"
	case ResolutionDaily:
		return "daily"
	default:
		return fmt.Sprintf("unknown(%d)", r)
	}
}

// Duration returns the bucket duration for this resolution.
func (r Resolution) Duration() time.Duration {
	switch r {
	case ResolutionHourly:
		return time.Hour
	case ResolutionDaily:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Millis returns the bucket size in milliseconds.
func (r Resolution) Millis() int64 {
	return r.Duration().Milliseconds()
}

// BucketStart returns floor(ts / size) * size.
func (r Resolution) BucketStart(ts int64) int64 {
	return FloorBucket(ts, r.Millis())
}

// FloorBucket returns the start of the bucket of size bucketMs containing
// ts. It rounds toward negative infinity so pre-epoch timestamps land in
// the correct bucket.
func FloorBucket(ts, bucketMs int64) int64 {
	if bucketMs <= 0 {
		return ts
	}
	q := ts / bucketMs
	if ts%bucketMs != 0 && ts < 0 {
		q--
	}
	return q * bucketMs
}

// ParseResolution parses a string into a Resolution.
func ParseResolution(s string) (Resolution, error) {
	switch s {
	case "hourly":
		return ResolutionHourly, nil
	case "daily":
		return ResolutionDaily, nil
	default:
		return ResolutionHourly, fmt.Errorf("unknown resolution: %s", s)
	}
}

// AllResolutions returns all pre-aggregated resolutions in order.
func AllResolutions() []Resolution {
	return []Resolution{ResolutionHourly, ResolutionDaily}
}

// SelectResolution returns the rollup that serves a bucketed query.
// ok is false when bucketMs is below the finest rollup and the query must
// be answered from raw samples.
func SelectResolution(bucketMs int64) (r Resolution, ok bool) {
	switch {
	case bucketMs >= ResolutionDaily.Millis():
		return ResolutionDaily, true
	case bucketMs >= ResolutionHourly.Millis():
		return ResolutionHourly, true
	default:
		return ResolutionHourly, false
	}
}
