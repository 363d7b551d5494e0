package thresholds

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	defaults "github.com/xtxerr/telemetry/config"
	"github.com/xtxerr/telemetry/internal/constants"
	"github.com/xtxerr/telemetry/internal/engine/config"
	"github.com/xtxerr/telemetry/internal/engine/types"
	"github.com/xtxerr/telemetry/internal/logging"
)

var resolverLog = logging.Component("thresholds")

// =============================================================================
// Resolved Thresholds
// =============================================================================

// Resolved holds the effective thresholds of one device with the layer
// each entry came from.
type Resolved struct {
	Thresholds map[string]types.Threshold
	Sources    map[string]string // metricKey → constants.Source*
}

type layer map[string]types.Threshold

type cacheEntry struct {
	resolved  *Resolved
	createdAt time.Time
}

// =============================================================================
// Resolver
// =============================================================================

// Resolver resolves effective thresholds per device from configuration,
// with caching.
//
// Resolver is safe for concurrent use.
type Resolver struct {
	mu       sync.RWMutex
	catalog  layer
	global   layer
	groups   map[string]layer
	rooms    map[string]layer
	devices  map[string]layer
	deadband float64
	gen      uint64 // bumped by every load; guarded by mu

	// Primary cache: deviceID/group/room → entry
	cache sync.Map

	// Singleflight to prevent thundering herd on cache misses
	group singleflight.Group

	cacheTTL time.Duration
	now      func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

// NewResolver builds a resolver from the thresholds section and the metric
// catalog.
func NewResolver(cfg config.ThresholdsConfig, catalog *Catalog) (*Resolver, error) {
	r := &Resolver{
		cacheTTL: cfg.CacheTTL,
		now:      time.Now,
	}
	if r.cacheTTL <= 0 {
		r.cacheTTL = defaults.DefaultThresholdCacheTTL
	}
	if err := r.load(cfg, catalog); err != nil {
		return nil, err
	}
	return r, nil
}

// Update replaces the configuration and clears the cache.
func (r *Resolver) Update(cfg config.ThresholdsConfig, catalog *Catalog) error {
	if err := r.load(cfg, catalog); err != nil {
		return err
	}
	r.InvalidateAll()
	return nil
}

func (r *Resolver) load(cfg config.ThresholdsConfig, catalog *Catalog) error {
	global, err := convertSet(constants.SourceGlobal, cfg.Global)
	if err != nil {
		return err
	}
	groups, err := convertScoped(constants.SourceGroup, cfg.Groups)
	if err != nil {
		return err
	}
	rooms, err := convertScoped(constants.SourceRoom, cfg.Rooms)
	if err != nil {
		return err
	}
	devices, err := convertScoped(constants.SourceDevice, cfg.Devices)
	if err != nil {
		return err
	}

	var defaultsLayer layer
	if catalog != nil {
		defaultsLayer = catalog.defaults()
	}

	r.mu.Lock()
	r.catalog = defaultsLayer
	r.global = global
	r.groups = groups
	r.rooms = rooms
	r.devices = devices
	r.deadband = cfg.DeadbandPct
	r.gen++
	r.mu.Unlock()
	return nil
}

func convertSet(scope string, set config.ThresholdSet) (layer, error) {
	out := make(layer, len(set))
	for metric, tc := range set {
		th, err := tc.Threshold()
		if err != nil {
			return nil, fmt.Errorf("%s threshold %s: %w", scope, metric, err)
		}
		out[metric] = th
	}
	return out, nil
}

func convertScoped(scope string, sets map[string]config.ThresholdSet) (map[string]layer, error) {
	out := make(map[string]layer, len(sets))
	for name, set := range sets {
		l, err := convertSet(scope+":"+name, set)
		if err != nil {
			return nil, err
		}
		out[name] = l
	}
	return out, nil
}

// EffectiveFor returns the thresholds of every metric of a device.
// device may be nil; then only global and catalog thresholds apply, plus
// device overrides by ID.
func (r *Resolver) EffectiveFor(deviceID string, device *types.Device) (map[string]types.Threshold, error) {
	res, err := r.Resolve(deviceID, device)
	if err != nil {
		return nil, err
	}
	return res.Thresholds, nil
}

// DeadbandPct returns the global deadband in percent.
func (r *Resolver) DeadbandPct() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.deadband
}

// Resolve returns the effective thresholds with source attribution.
// Results are cached for the configured TTL. The returned value is shared
// and must not be modified.
func (r *Resolver) Resolve(deviceID string, device *types.Device) (*Resolved, error) {
	var group, room string
	if device != nil {
		group, room = device.Group, device.Room
	}
	key := cacheKey(deviceID, group, room)

	// Check cache
	if entry, ok := r.cache.Load(key); ok {
		cached := entry.(*cacheEntry)
		if r.now().Sub(cached.createdAt) < r.cacheTTL {
			r.hits.Add(1)
			return cached.resolved, nil
		}
	}
	r.misses.Add(1)

	result, err, _ := r.group.Do(key, func() (any, error) {
		return r.doResolve(key, deviceID, group, room), nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Resolved), nil
}

// doResolve applies the layers in order and caches the result.
func (r *Resolver) doResolve(key, deviceID, group, room string) *Resolved {
	res, gen := r.build(deviceID, group, room)
	r.store(key, res, gen)

	resolverLog.Debug("resolved thresholds",
		"device_id", deviceID,
		"group", group,
		"room", room,
		"metrics", len(res.Thresholds))
	return res
}

// build applies the layers and returns the generation they were read at.
func (r *Resolver) build(deviceID, group, room string) (*Resolved, uint64) {
	res := &Resolved{
		Thresholds: make(map[string]types.Threshold),
		Sources:    make(map[string]string),
	}

	r.mu.RLock()
	apply(res, r.catalog, constants.SourceMetric)
	apply(res, r.global, constants.SourceGlobal)
	if group != "" {
		apply(res, r.groups[group], constants.SourceGroup+":"+group)
	}
	if room != "" {
		apply(res, r.rooms[room], constants.SourceRoom+":"+room)
	}
	apply(res, r.devices[deviceID], constants.SourceDevice+":"+deviceID)
	gen := r.gen
	r.mu.RUnlock()
	return res, gen
}

// store caches res unless a load has replaced the layers it was built from.
// The check and the store share the read lock, so a concurrent Update either
// sees the entry in its InvalidateAll or makes the generation differ.
func (r *Resolver) store(key string, res *Resolved, gen uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.gen != gen {
		return
	}
	r.cache.Store(key, &cacheEntry{resolved: res, createdAt: r.now()})
}

func apply(res *Resolved, l layer, source string) {
	for metric, th := range l {
		res.Thresholds[metric] = th
		res.Sources[metric] = source
	}
}

func cacheKey(deviceID, group, room string) string {
	return deviceID + "/" + group + "/" + room
}

// =============================================================================
// Cache Invalidation
// =============================================================================

// Invalidate removes every cached entry of a device.
func (r *Resolver) Invalidate(deviceID string) {
	prefix := deviceID + "/"
	removed := 0
	r.cache.Range(func(key, _ any) bool {
		if k, ok := key.(string); ok && strings.HasPrefix(k, prefix) {
			r.cache.Delete(key)
			removed++
		}
		return true
	})

	resolverLog.Debug("invalidated threshold cache", "device_id", deviceID, "keys_removed", removed)
}

// InvalidateAll clears the cache.
func (r *Resolver) InvalidateAll() {
	r.cache.Range(func(key, _ any) bool {
		r.cache.Delete(key)
		return true
	})
}

// SetClock replaces time.Now for cache expiry.
func (r *Resolver) SetClock(now func() time.Time) {
	r.now = now
}

// =============================================================================
// Statistics
// =============================================================================

// CacheStats holds cache statistics.
type CacheStats struct {
	Size   int
	Hits   int64
	Misses int64
}

// GetCacheStats returns current cache statistics.
func (r *Resolver) GetCacheStats() CacheStats {
	var size int
	r.cache.Range(func(_, _ any) bool {
		size++
		return true
	})
	return CacheStats{
		Size:   size,
		Hits:   r.hits.Load(),
		Misses: r.misses.Load(),
	}
}
