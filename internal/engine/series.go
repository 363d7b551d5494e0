package engine

import (
	"sync"
	"time"

	"github.com/xtxerr/telemetry/internal/engine/aggregate"
	"github.com/xtxerr/telemetry/internal/engine/alert"
	"github.com/xtxerr/telemetry/internal/engine/buffer"
	"github.com/xtxerr/telemetry/internal/engine/types"
)

// Series is the full state of one (device, metric) pair: raw ring buffer,
// rollups and alert state.
//
// Writers hold mu for append, rollup update, alert evaluation and event
// emission as one unit. Readers hold the read lock for one scan.
type Series struct {
	key     types.SeriesKey
	created time.Time

	mu    sync.RWMutex
	buf   *buffer.RingBuffer
	agg   *aggregate.Aggregator
	state alert.State
}

func newSeries(key types.SeriesKey, capacity int, opts aggregate.Options, now time.Time) *Series {
	return &Series{
		key:     key,
		created: now,
		buf:     buffer.New(capacity),
		agg:     aggregate.New(opts),
	}
}

// Key returns the series key.
func (s *Series) Key() types.SeriesKey {
	return s.key
}

// Scan visits raw samples in [fromTs, toTs] under the read lock.
func (s *Series) Scan(fromTs, toTs int64, visit func(ts int64, value float64)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.buf.Scan(fromTs, toTs, visit)
}

// Rollup reads rollup buckets under the read lock.
func (s *Series) Rollup(res types.Resolution, fromTs, toTs int64) []types.AggregatePoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agg.Read(res, fromTs, toTs)
}

// Len returns the number of stored raw samples.
func (s *Series) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buf.Len()
}

// trimExpired drops rollup buckets older than the retention horizon.
func (s *Series) trimExpired(nowMs int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agg.TrimExpired(nowMs)
}

// Info returns series metadata.
func (s *Series) Info() SeriesInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bs := s.buf.Stats()
	as := s.agg.Stats()
	first, last := s.buf.TimeRange()

	return SeriesInfo{
		DeviceID:      s.key.DeviceID,
		MetricKey:     s.key.MetricKey,
		Count:         bs.Count,
		Capacity:      bs.Capacity,
		FirstTs:       first,
		LastTs:        last,
		Level:         s.state.Level(),
		Transitions:   s.state.Transitions(),
		HourlyBuckets: as.HourlyBuckets,
		DailyBuckets:  as.DailyBuckets,
		Appended:      bs.AppendCount,
		Evicted:       bs.EvictCount,
		Clamped:       bs.ClampedCount,
		CreatedAt:     s.created,
	}
}

// SeriesInfo describes one series.
type SeriesInfo struct {
	DeviceID      string      `json:"deviceId"`
	MetricKey     string      `json:"metricKey"`
	Count         int         `json:"count"`
	Capacity      int         `json:"capacity"`
	FirstTs       int64       `json:"firstTs"` // 0 when empty
	LastTs        int64       `json:"lastTs"`  // 0 when empty
	Level         types.Level `json:"level"`
	Transitions   int64       `json:"transitions"`
	HourlyBuckets int         `json:"hourlyBuckets"`
	DailyBuckets  int         `json:"dailyBuckets"`
	Appended      int64       `json:"appended"`
	Evicted       int64       `json:"evicted"`
	Clamped       int64       `json:"clamped"`
	CreatedAt     time.Time   `json:"createdAt"`
}
