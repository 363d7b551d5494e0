package buffer

import (
	"fmt"
	"sort"
	"sync/atomic"
)

// DefaultCapacity is the number of samples kept per series when no
// capacity is configured.
const DefaultCapacity = 20000

// RingBuffer is a fixed-capacity circular buffer of raw samples for one
// series. Timestamps and values live in two parallel pre-allocated arrays;
// once full, each append overwrites the oldest sample.
//
// Stored timestamps are non-decreasing: a sample older than the newest
// stored one is clamped up to it, so the buffer is always sorted.
//
// RingBuffer is not safe for concurrent use. The owning series serializes
// writers and holds a read lock across scans.
type RingBuffer struct {
	ts     []int64
	values []float64
	cursor int // Next write position
	length int // Current number of samples

	lastTs  int64
	hasLast bool

	// Statistics
	appendCount  atomic.Int64
	evictCount   atomic.Int64
	clampedCount atomic.Int64
}

// New creates a new RingBuffer with the given capacity.
func New(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &RingBuffer{
		ts:     make([]int64, capacity),
		values: make([]float64, capacity),
	}
}

// Append stores one sample and returns the timestamp actually stored.
// It never rejects input: NaN and infinities are stored verbatim.
func (rb *RingBuffer) Append(ts int64, value float64) int64 {
	if rb.hasLast && ts < rb.lastTs {
		ts = rb.lastTs
		rb.clampedCount.Add(1)
	}

	capacity := len(rb.ts)
	rb.ts[rb.cursor] = ts
	rb.values[rb.cursor] = value
	rb.cursor = (rb.cursor + 1) % capacity

	if rb.length < capacity {
		rb.length++
	} else {
		rb.evictCount.Add(1)
	}

	rb.lastTs = ts
	rb.hasLast = true
	rb.appendCount.Add(1)

	rb.assertInvariants()
	return ts
}

// Scan calls visit for every sample with fromTs <= ts <= toTs, oldest
// first. An empty buffer or empty range calls visit zero times.
func (rb *RingBuffer) Scan(fromTs, toTs int64, visit func(ts int64, value float64)) {
	rb.assertInvariants()

	length := rb.length
	if length == 0 || fromTs > toTs {
		return
	}

	capacity := len(rb.ts)
	oldest := rb.oldestIndex()

	// Logical order is sorted by timestamp; skip straight to the first match.
	first := sort.Search(length, func(i int) bool {
		return rb.ts[(oldest+i)%capacity] >= fromTs
	})

	for i := first; i < length; i++ {
		idx := (oldest + i) % capacity
		ts := rb.ts[idx]
		if ts > toTs {
			return
		}
		visit(ts, rb.values[idx])
	}
}

// oldestIndex returns the physical index of the oldest stored sample.
func (rb *RingBuffer) oldestIndex() int {
	capacity := len(rb.ts)
	return (rb.cursor - rb.length + capacity) % capacity
}

// newestIndex returns the physical index of the newest stored sample.
func (rb *RingBuffer) newestIndex() int {
	capacity := len(rb.ts)
	return (rb.cursor - 1 + capacity) % capacity
}

// Len returns the current number of samples in the buffer.
func (rb *RingBuffer) Len() int {
	return rb.length
}

// Cap returns the capacity of the buffer.
func (rb *RingBuffer) Cap() int {
	return len(rb.ts)
}

// UsageRatio returns the current usage as a ratio (0.0 - 1.0).
func (rb *RingBuffer) UsageRatio() float64 {
	return float64(rb.length) / float64(len(rb.ts))
}

// TimeRange returns the oldest and newest stored timestamps.
// Returns (0, 0) if the buffer is empty.
func (rb *RingBuffer) TimeRange() (oldest, newest int64) {
	if rb.length == 0 {
		return 0, 0
	}
	return rb.ts[rb.oldestIndex()], rb.ts[rb.newestIndex()]
}

// Stats returns buffer statistics.
func (rb *RingBuffer) Stats() BufferStats {
	return BufferStats{
		Capacity:     len(rb.ts),
		Count:        rb.length,
		UsageRatio:   rb.UsageRatio(),
		AppendCount:  rb.appendCount.Load(),
		EvictCount:   rb.evictCount.Load(),
		ClampedCount: rb.clampedCount.Load(),
	}
}

// BufferStats holds buffer statistics.
type BufferStats struct {
	Capacity     int
	Count        int
	UsageRatio   float64
	AppendCount  int64
	EvictCount   int64
	ClampedCount int64 // Samples whose timestamp was raised to keep order
}

// assertInvariants panics when the cursor or length is out of range.
// Compiled out with the production build tag.
func (rb *RingBuffer) assertInvariants() {
	if !invariantChecks {
		return
	}
	capacity := len(rb.ts)
	if rb.length < 0 || rb.length > capacity || rb.cursor < 0 || rb.cursor >= capacity || len(rb.values) != capacity {
		panic(fmt.Sprintf("buffer: corrupted ring (length=%d cursor=%d capacity=%d values=%d)",
			rb.length, rb.cursor, capacity, len(rb.values)))
	}
}
