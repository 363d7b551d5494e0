package query

import "github.com/xtxerr/telemetry/internal/engine/types"

// Kpi summarizes the raw samples of one metric over a range. Every numeric
// field is nil when the range holds no samples.
type Kpi struct {
	Last *float64 `json:"last"`
	Min  *float64 `json:"min"`
	Max  *float64 `json:"max"`
	Avg  *float64 `json:"avg"`
	Unit string   `json:"unit,omitempty"`
}

// HasData returns true if the KPI was derived from at least one sample.
func (k Kpi) HasData() bool {
	return k.Last != nil
}

// DeriveKpi computes last/min/max/avg over points.
//
// min and max start from the first value and use plain comparisons, the
// same as rollup buckets.
func DeriveKpi(points []types.Point, unit string) Kpi {
	k := Kpi{Unit: unit}
	if len(points) == 0 {
		return k
	}

	min, max := points[0].Value, points[0].Value
	var sum float64
	for _, p := range points {
		if p.Value < min {
			min = p.Value
		}
		if p.Value > max {
			max = p.Value
		}
		sum += p.Value
	}

	last := points[len(points)-1].Value
	avg := sum / float64(len(points))

	k.Last = &last
	k.Min = &min
	k.Max = &max
	k.Avg = &avg
	return k
}
