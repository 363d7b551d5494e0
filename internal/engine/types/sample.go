package types

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// SeriesKey identifies a series by device and metric.
type SeriesKey struct {
	DeviceID  string
	MetricKey string
}

// String returns the composite key used in logs and registries.
func (k SeriesKey) String() string {
	return k.DeviceID + "/" + k.MetricKey
}

// Point is a single raw sample as stored in a series.
type Point struct {
	Ts    int64   `json:"ts"`    // Unix milliseconds
	Value float64 `json:"value"` // May be NaN or ±Inf
}

// Time returns the timestamp as a time.Time.
func (p Point) Time() time.Time {
	return time.UnixMilli(p.Ts)
}

// AggregatePoint represents aggregated statistics for one time bucket.
// Value is Sum / Count.
type AggregatePoint struct {
	Ts    int64   `json:"ts"` // Bucket start, Unix milliseconds
	Value float64 `json:"value"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`

	// Percentiles (optional, nil if not enabled)
	P50 *float64 `json:"p50,omitempty"`
	P90 *float64 `json:"p90,omitempty"`
	P95 *float64 `json:"p95,omitempty"`
	P99 *float64 `json:"p99,omitempty"`
}

// HasPercentiles returns true if percentile data is available.
func (a *AggregatePoint) HasPercentiles() bool {
	return a.P50 != nil
}

// SetPercentiles sets all percentile values.
func (a *AggregatePoint) SetPercentiles(p50, p90, p95, p99 float64) {
	a.P50 = &p50
	a.P90 = &p90
	a.P95 = &p95
	a.P99 = &p99
}

// Avg returns Sum / Count, or NaN for an empty bucket.
func (a *AggregatePoint) Avg() float64 {
	if a.Count == 0 {
		return math.NaN()
	}
	return a.Sum / float64(a.Count)
}

// CoerceValue converts an arbitrary decoded value to float64.
// Numbers, numeric strings and booleans convert; everything else is NaN.
func CoerceValue(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int8:
		return float64(x)
	case int16:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint8:
		return float64(x)
	case uint16:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case bool:
		if x {
			return 1
		}
		return 0
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return math.NaN()
		}
		return f
	case nil:
		return 0
	default:
		return math.NaN()
	}
}

// CoerceTimestamp converts an arbitrary decoded timestamp to Unix
// milliseconds. RFC 3339 strings are parsed; numbers are taken as
// milliseconds. A missing or unparseable timestamp falls back to now.
func CoerceTimestamp(v any, now time.Time) int64 {
	if s, ok := v.(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s)); err == nil {
			return t.UnixMilli()
		}
	}
	if v == nil {
		return now.UnixMilli()
	}
	f := CoerceValue(v)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return now.UnixMilli()
	}
	return int64(f)
}
