package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	defaults "github.com/xtxerr/telemetry/config"
	"github.com/xtxerr/telemetry/internal/engine/aggregate"
	"github.com/xtxerr/telemetry/internal/engine/alert"
	"github.com/xtxerr/telemetry/internal/engine/backpressure"
	"github.com/xtxerr/telemetry/internal/engine/config"
	"github.com/xtxerr/telemetry/internal/engine/events"
	"github.com/xtxerr/telemetry/internal/engine/query"
	"github.com/xtxerr/telemetry/internal/engine/retention"
	"github.com/xtxerr/telemetry/internal/engine/types"
	telerrors "github.com/xtxerr/telemetry/internal/errors"
	"github.com/xtxerr/telemetry/internal/logging"
)

// kpiParallelism bounds concurrent per-metric KPI queries.
const kpiParallelism = 8

// UnitCatalog returns the unit of a metric, or "" when unknown.
type UnitCatalog interface {
	Unit(metricKey string) string
}

// Mirror accepts samples for best-effort long-term storage. Enqueue must
// not block; it returns false when the sample was not accepted.
type Mirror interface {
	Enqueue(deviceID, metricKey string, ts int64, value float64) bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithResolver sets the threshold resolver.
func WithResolver(r alert.ThresholdResolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithDevices sets the device directory passed to the resolver.
func WithDevices(d alert.DeviceDirectory) Option {
	return func(e *Engine) { e.devices = d }
}

// WithUnits sets the unit catalog used for KPIs.
func WithUnits(u UnitCatalog) Option {
	return func(e *Engine) { e.units = u }
}

// WithMirror sets the long-term storage mirror.
func WithMirror(m Mirror) Option {
	return func(e *Engine) { e.mirror = m }
}

// WithClock replaces time.Now. Used for retention and uptime.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine is the series registry and the entry point for ingestion and
// queries.
type Engine struct {
	config *config.Config
	logger *slog.Logger
	now    func() time.Time

	registry  *registry
	evaluator *alert.Evaluator
	planner   *query.Planner
	bus       *events.Bus

	// Collaborators
	resolver alert.ThresholdResolver
	devices  alert.DeviceDirectory
	units    UnitCatalog
	mirror   Mirror

	// Background workers
	retention    *retention.Manager
	backpressure *backpressure.Controller

	// State
	running   atomic.Bool
	startTime time.Time

	// Statistics
	ingested       atomic.Int64
	alerts         atomic.Int64
	mirrorRejected atomic.Int64
}

// New creates an Engine from cfg. A nil cfg uses config.DefaultConfig().
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	e := &Engine{
		config:  cfg,
		logger:  logging.Component("engine"),
		now:     time.Now,
		planner: query.NewPlanner(),
		bus:     events.New(cfg.Events.QueueSize),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.evaluator = alert.NewEvaluator(e.resolver, e.devices)

	aggOpts := aggregate.Options{
		RetentionDays:      cfg.Engine.RetentionDays,
		PercentileAccuracy: cfg.Engine.PercentileAccuracy(),
	}
	e.registry = newRegistry(func(key types.SeriesKey) *Series {
		return newSeries(key, cfg.Engine.Capacity, aggOpts, e.now())
	})

	e.retention = retention.New(cfg.Engine.SweepInterval, retention.WithClock(e.now))
	e.retention.Register("rollups", retention.SweeperFunc(e.TrimExpired))

	e.backpressure = backpressure.New(cfg.Backpressure)
	e.backpressure.SetClock(e.now)
	e.backpressure.Watch("events", e.bus)

	e.startTime = e.now()
	return e, nil
}

// Start launches the retention sweep and the backpressure monitor.
// Components disabled in configuration are skipped.
func (e *Engine) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("engine: %w", telerrors.ErrAlreadyRunning)
	}

	if err := e.retention.Start(ctx); err != nil && !telerrors.Is(err, telerrors.ErrDisabled) {
		e.running.Store(false)
		return fmt.Errorf("start retention: %w", err)
	}

	if err := e.backpressure.Start(ctx); err != nil && !telerrors.Is(err, telerrors.ErrDisabled) {
		e.retention.Stop()
		e.running.Store(false)
		return fmt.Errorf("start backpressure: %w", err)
	}

	e.logger.Info("engine started",
		"capacity", e.config.Engine.Capacity,
		"retention_days", e.config.Engine.RetentionDays,
		"percentiles", e.config.Engine.Percentile.Enabled)
	return nil
}

// Stop stops background workers and closes the event bus. Subscribers see
// their channels closed.
func (e *Engine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		e.bus.Close()
		return
	}

	e.backpressure.Stop()
	e.retention.Stop()
	e.bus.Close()

	e.logger.Info("engine stopped", "series", e.SeriesCount())
}

// AddPoint ingests one sample and returns the emitted point event.
//
// Append, rollup update, alert evaluation and event emission happen under
// the series lock. The mirror enqueue happens after it and never blocks.
func (e *Engine) AddPoint(deviceID, metricKey string, ts int64, value float64) types.PointEvent {
	s := e.registry.getOrCreate(types.SeriesKey{DeviceID: deviceID, MetricKey: metricKey})
	nowMs := e.now().UnixMilli()

	s.mu.Lock()
	stored := s.buf.Append(ts, value)
	s.agg.Update(stored, value, nowMs)
	level := e.evaluator.Evaluate(&s.state, deviceID, metricKey, value)

	ev := types.PointEvent{
		DeviceID:  deviceID,
		MetricKey: metricKey,
		Ts:        stored,
		Value:     value,
		Level:     level,
	}
	e.bus.Publish(types.Event{Kind: types.EventPoint, PointEvent: ev})
	if level.IsAlert() {
		e.bus.Publish(types.Event{Kind: types.EventAlert, PointEvent: ev})
		e.alerts.Add(1)
	}
	s.mu.Unlock()

	e.ingested.Add(1)

	if e.mirror != nil && !e.mirror.Enqueue(deviceID, metricKey, stored, value) {
		e.mirrorRejected.Add(1)
	}
	return ev
}

// AddRawPoint coerces an untyped timestamp and value, then calls AddPoint.
// Values that cannot be read as numbers are stored as NaN; timestamps that
// cannot be read default to now.
func (e *Engine) AddRawPoint(deviceID, metricKey string, rawTs, rawValue any) types.PointEvent {
	ts := types.CoerceTimestamp(rawTs, e.now())
	return e.AddPoint(deviceID, metricKey, ts, types.CoerceValue(rawValue))
}

// QuerySeries answers req. Unknown series yield an empty result.
//
// Rollup reads (hourly and daily) return every bucket overlapping
// [From, To], so a range starting mid-bucket still includes the bucket
// holding From. The first bucket's Ts may therefore be earlier than From.
func (e *Engine) QuerySeries(req query.Request) query.Result {
	s, ok := e.registry.get(req.Key())
	if !ok {
		// A nil *Series must not reach the planner as a non-nil Source.
		return e.planner.Execute(nil, req)
	}
	return e.planner.Execute(s, req)
}

// QueryDownsampled answers req and thins the result to the configured
// presentation cap. The newest point is always kept.
func (e *Engine) QueryDownsampled(req query.Request) query.Result {
	return e.QuerySeries(req).Downsample(e.config.Engine.DownsampleMaxPoints)
}

// KpiRequest selects the device and range of a KPI query.
// From and To both zero means the last hour.
type KpiRequest struct {
	DeviceID string `json:"deviceId"`
	From     int64  `json:"from"`
	To       int64  `json:"to"`
}

// GetKpis returns last/min/max/avg per metric of a device over the raw
// samples in range. Metrics without samples in range have nil fields.
// Unknown devices yield an empty map.
func (e *Engine) GetKpis(ctx context.Context, req KpiRequest) (map[string]query.Kpi, error) {
	from, to := req.From, req.To
	if from == 0 && to == 0 {
		to = e.now().UnixMilli()
		from = to - defaults.DefaultKpiWindow.Milliseconds()
	}

	series := e.registry.device(req.DeviceID)
	out := make(map[string]query.Kpi, len(series))
	if len(series) == 0 {
		return out, nil
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(kpiParallelism)

	for metricKey, s := range series {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			res := e.planner.Execute(s, query.Request{
				DeviceID:  req.DeviceID,
				MetricKey: metricKey,
				From:      from,
				To:        to,
			})
			kpi := query.DeriveKpi(res.Points, e.unit(metricKey))

			mu.Lock()
			out[metricKey] = kpi
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("kpis for %s: %w", req.DeviceID, err)
	}
	return out, nil
}

func (e *Engine) unit(metricKey string) string {
	if e.units == nil {
		return ""
	}
	return e.units.Unit(metricKey)
}

// SeriesInfo returns metadata of one series.
func (e *Engine) SeriesInfo(deviceID, metricKey string) (SeriesInfo, bool) {
	s, ok := e.registry.get(types.SeriesKey{DeviceID: deviceID, MetricKey: metricKey})
	if !ok {
		return SeriesInfo{}, false
	}
	return s.Info(), true
}

// ListSeries returns metadata of every series, sorted by device and metric.
func (e *Engine) ListSeries() []SeriesInfo {
	keys := e.registry.keys()
	out := make([]SeriesInfo, 0, len(keys))
	for _, k := range keys {
		if s, ok := e.registry.get(k); ok {
			out = append(out, s.Info())
		}
	}
	return out
}

// SeriesCount returns the number of series.
func (e *Engine) SeriesCount() int {
	_, _, n := e.registry.counts()
	return n
}

// TrimExpired removes expired rollup buckets from every series. It serves
// as the retention sweep target.
func (e *Engine) TrimExpired(now time.Time) (int, error) {
	nowMs := now.UnixMilli()
	removed := 0
	for _, s := range e.registry.snapshot() {
		removed += s.trimExpired(nowMs)
	}
	return removed, nil
}

// Subscribe registers an event subscriber. No kinds means all kinds.
func (e *Engine) Subscribe(name string, kinds ...types.EventKind) *events.Subscription {
	return e.bus.Subscribe(name, kinds...)
}

// RegisterSweeper adds a periodic retention task next to the rollup trim.
func (e *Engine) RegisterSweeper(name string, s retention.Sweeper) {
	e.retention.Register(name, s)
}

// WatchQueue adds a bounded queue to the backpressure monitor.
func (e *Engine) WatchQueue(name string, g backpressure.Gauge) {
	e.backpressure.Watch(name, g)
}

// Config returns the engine configuration.
func (e *Engine) Config() *config.Config {
	return e.config
}

// IsRunning returns whether background workers are running.
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

// Diagnostics holds registry counts.
type Diagnostics struct {
	DeviceCount  int   `json:"deviceCount"`
	MetricCount  int   `json:"metricCount"`
	SeriesCount  int   `json:"seriesCount"`
	TotalSamples int64 `json:"totalSamples"` // Samples currently stored
	UptimeMs     int64 `json:"uptimeMs"`
}

// Diagnostics returns registry counts.
func (e *Engine) Diagnostics() Diagnostics {
	devices, metrics, series := e.registry.counts()

	var total int64
	for _, s := range e.registry.snapshot() {
		total += int64(s.Len())
	}

	return Diagnostics{
		DeviceCount:  devices,
		MetricCount:  metrics,
		SeriesCount:  series,
		TotalSamples: total,
		UptimeMs:     e.now().Sub(e.startTime).Milliseconds(),
	}
}

// Stats holds extended engine statistics.
type Stats struct {
	Diagnostics

	Ingested       int64  `json:"ingested"`
	Alerts         int64  `json:"alerts"`
	MirrorRejected int64  `json:"mirrorRejected"`
	Backpressure   string `json:"backpressure"`

	Events    events.Stats                 `json:"events"`
	Evaluator alert.Stats                  `json:"evaluator"`
	Query     query.Stats                  `json:"query"`
	Retention retention.Stats              `json:"retention"`
	Pressure  backpressure.ControllerStats `json:"pressure"`
}

// Stats returns extended statistics.
func (e *Engine) Stats() Stats {
	return Stats{
		Diagnostics:    e.Diagnostics(),
		Ingested:       e.ingested.Load(),
		Alerts:         e.alerts.Load(),
		MirrorRejected: e.mirrorRejected.Load(),
		Backpressure:   e.backpressure.CurrentLevel().String(),
		Events:         e.bus.Stats(),
		Evaluator:      e.evaluator.Stats(),
		Query:          e.planner.Stats(),
		Retention:      e.retention.Stats(),
		Pressure:       e.backpressure.Stats(),
	}
}
