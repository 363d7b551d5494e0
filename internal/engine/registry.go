package engine

import (
	"sort"
	"sync"

	"github.com/xtxerr/telemetry/internal/engine/types"
)

// registry maps series keys to series. Series are created on first write
// and never removed.
type registry struct {
	mu      sync.RWMutex
	series  map[types.SeriesKey]*Series
	devices map[string]map[string]*Series // deviceID -> metricKey -> series
	metrics map[string]int                // metricKey -> number of devices

	create func(types.SeriesKey) *Series
}

func newRegistry(create func(types.SeriesKey) *Series) *registry {
	return &registry{
		series:  make(map[types.SeriesKey]*Series),
		devices: make(map[string]map[string]*Series),
		metrics: make(map[string]int),
		create:  create,
	}
}

// getOrCreate returns the series for key, creating it if needed.
func (r *registry) getOrCreate(key types.SeriesKey) *Series {
	r.mu.RLock()
	s, ok := r.series[key]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if s, ok = r.series[key]; ok {
		return s
	}

	s = r.create(key)
	r.series[key] = s

	byMetric := r.devices[key.DeviceID]
	if byMetric == nil {
		byMetric = make(map[string]*Series)
		r.devices[key.DeviceID] = byMetric
	}
	byMetric[key.MetricKey] = s
	r.metrics[key.MetricKey]++

	return s
}

// get returns the series for key if it exists.
func (r *registry) get(key types.SeriesKey) (*Series, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.series[key]
	return s, ok
}

// device returns the series of one device keyed by metric.
func (r *registry) device(deviceID string) map[string]*Series {
	r.mu.RLock()
	defer r.mu.RUnlock()

	src := r.devices[deviceID]
	cp := make(map[string]*Series, len(src))
	for k, v := range src {
		cp[k] = v
	}
	return cp
}

// snapshot returns all series, for iteration without holding the lock.
func (r *registry) snapshot() []*Series {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Series, 0, len(r.series))
	for _, s := range r.series {
		out = append(out, s)
	}
	return out
}

// keys returns all series keys sorted by device then metric.
func (r *registry) keys() []types.SeriesKey {
	r.mu.RLock()
	keys := make([]types.SeriesKey, 0, len(r.series))
	for k := range r.series {
		keys = append(keys, k)
	}
	r.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].DeviceID != keys[j].DeviceID {
			return keys[i].DeviceID < keys[j].DeviceID
		}
		return keys[i].MetricKey < keys[j].MetricKey
	})
	return keys
}

// counts returns distinct devices, distinct metrics and series.
func (r *registry) counts() (devices, metrics, series int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices), len(r.metrics), len(r.series)
}
