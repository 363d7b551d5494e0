package aggregate

import (
	"math"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/xtxerr/telemetry/internal/engine/types"
)

// Bucket holds the running statistics of one time bucket.
type Bucket struct {
	start int64 // Unix milliseconds

	count int64
	sum   float64
	min   float64
	max   float64

	// DDSketch for percentiles (nil if disabled)
	sketch   *ddsketch.DDSketch
	sketched int64 // Finite values added to the sketch
}

// NewBucket creates an empty bucket starting at start. accuracy > 0 enables
// a percentile sketch.
func NewBucket(start int64, accuracy float64) *Bucket {
	b := &Bucket{start: start}
	if accuracy > 0 {
		sketch, err := ddsketch.NewDefaultDDSketch(accuracy)
		if err == nil {
			b.sketch = sketch
		}
	}
	return b
}

// Add adds a value to the bucket.
//
// min and max start from the first value and use plain comparisons, so a
// NaN never replaces an existing extreme and a leading NaN stays in place.
func (b *Bucket) Add(value float64) {
	if b.count == 0 {
		b.min = value
		b.max = value
	} else {
		if value < b.min {
			b.min = value
		}
		if value > b.max {
			b.max = value
		}
	}
	b.count++
	b.sum += value

	// The sketch only indexes finite values.
	if b.sketch != nil && !math.IsNaN(value) && !math.IsInf(value, 0) {
		if err := b.sketch.Add(value); err == nil {
			b.sketched++
		}
	}
}

// Start returns the bucket start timestamp.
func (b *Bucket) Start() int64 {
	return b.start
}

// Count returns the number of samples added.
func (b *Bucket) Count() int64 {
	return b.count
}

// Point returns the bucket as an aggregate point.
func (b *Bucket) Point() types.AggregatePoint {
	p := types.AggregatePoint{
		Ts:    b.start,
		Min:   b.min,
		Max:   b.max,
		Count: b.count,
		Sum:   b.sum,
	}
	p.Value = p.Avg()

	if b.sketch != nil && b.sketched > 0 {
		p50, _ := b.sketch.GetValueAtQuantile(0.50)
		p90, _ := b.sketch.GetValueAtQuantile(0.90)
		p95, _ := b.sketch.GetValueAtQuantile(0.95)
		p99, _ := b.sketch.GetValueAtQuantile(0.99)
		p.SetPercentiles(p50, p90, p95, p99)
	}
	return p
}
