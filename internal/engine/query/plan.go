package query

import (
	"math"

	"github.com/xtxerr/telemetry/internal/engine/types"
)

// Request is a range query against one series.
//
// For rollup reads From and To select overlapping buckets, not bucket starts.
type Request struct {
	DeviceID  string `json:"deviceId"`
	MetricKey string `json:"metricKey"`
	From      int64  `json:"from"`               // Unix milliseconds, inclusive
	To        int64  `json:"to"`                 // Unix milliseconds, inclusive; 0 means unbounded
	Limit     int    `json:"limit,omitempty"`    // Keep the most recent Limit results; 0 means all
	BucketMs  int64  `json:"bucketMs,omitempty"` // 0 or less returns raw samples
}

// Key returns the series key of the request.
func (r Request) Key() types.SeriesKey {
	return types.SeriesKey{DeviceID: r.DeviceID, MetricKey: r.MetricKey}
}

// Range returns the effective inclusive range.
func (r Request) Range() (from, to int64) {
	to = r.To
	if to == 0 {
		to = math.MaxInt64
	}
	return r.From, to
}

// Mode is how a request is answered.
type Mode int

const (
	ModeRaw Mode = iota
	ModeBucketed
	ModeRollup
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	switch m {
	case ModeRaw:
		return "raw"
	case ModeBucketed:
		return "bucketed"
	case ModeRollup:
		return "rollup"
	default:
		return "unknown"
	}
}

// Plan is the resolved execution strategy of a request.
type Plan struct {
	Mode       Mode
	Resolution types.Resolution // ModeRollup only
	BucketMs   int64            // ModeBucketed only
}

// String returns a short description used in logs.
func (p Plan) String() string {
	if p.Mode == ModeRollup {
		return p.Mode.String() + ":" + p.Resolution.String()
	}
	return p.Mode.String()
}

// PlanFor selects the strategy for req.
func PlanFor(req Request) Plan {
	if req.BucketMs <= 0 {
		return Plan{Mode: ModeRaw}
	}
	if res, ok := types.SelectResolution(req.BucketMs); ok {
		return Plan{Mode: ModeRollup, Resolution: res}
	}
	return Plan{Mode: ModeBucketed, BucketMs: req.BucketMs}
}
