package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/telemetry/internal/engine/config"
	"github.com/xtxerr/telemetry/internal/engine/query"
	"github.com/xtxerr/telemetry/internal/engine/retention"
	"github.com/xtxerr/telemetry/internal/engine/types"
	testutil "github.com/xtxerr/telemetry/internal/testing"
)

const hourMs = int64(time.Hour / time.Millisecond)

// base is 2023-11-14T00:00:00Z, aligned to the hour and the day.
var base = time.UnixMilli(1_699_920_000_000).UTC()

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type staticResolver struct {
	thresholds map[string]types.Threshold
	deadband   float64
	err        error
	panics     bool
}

func (r *staticResolver) EffectiveFor(string, *types.Device) (map[string]types.Threshold, error) {
	if r.panics {
		panic("resolver exploded")
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.thresholds, nil
}

func (r *staticResolver) DeadbandPct() float64 {
	return r.deadband
}

type unitMap map[string]string

func (u unitMap) Unit(metricKey string) string {
	return u[metricKey]
}

type recordingMirror struct {
	mu      sync.Mutex
	accept  bool
	samples []types.PointEvent
}

func (m *recordingMirror) Enqueue(deviceID, metricKey string, ts int64, value float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.accept {
		return false
	}
	m.samples = append(m.samples, types.PointEvent{DeviceID: deviceID, MetricKey: metricKey, Ts: ts, Value: value})
	return true
}

func newTestEngine(t *testing.T, mutate func(*config.Config), opts ...Option) (*Engine, *testClock) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Engine.Capacity = 1000
	if mutate != nil {
		mutate(cfg)
	}

	clock := &testClock{now: base}
	opts = append([]Option{WithClock(clock.Now)}, opts...)

	e, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(e.Stop)
	return e, clock
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Engine.Capacity = 0

	if _, err := New(cfg); err == nil {
		t.Error("expected error for zero capacity")
	}
}

func TestNew_NilConfig(t *testing.T) {
	e, err := New(nil)
	if err != nil {
		t.Fatalf("New(nil) failed: %v", err)
	}
	defer e.Stop()

	if e.Config().Engine.Capacity <= 0 {
		t.Errorf("expected default capacity, got %d", e.Config().Engine.Capacity)
	}
}

func TestAddPoint_Basic(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	ts := base.UnixMilli()
	ev := e.AddPoint("press-01", "temp", ts, 21.5)

	if ev.DeviceID != "press-01" || ev.MetricKey != "temp" {
		t.Errorf("unexpected key in event: %+v", ev)
	}
	if ev.Ts != ts || ev.Value != 21.5 {
		t.Errorf("expected (%d, 21.5), got (%d, %f)", ts, ev.Ts, ev.Value)
	}
	if ev.Level != types.LevelOK {
		t.Errorf("expected ok without resolver, got %s", ev.Level)
	}

	info, ok := e.SeriesInfo("press-01", "temp")
	if !ok {
		t.Fatal("series not created")
	}
	if info.Count != 1 || info.FirstTs != ts || info.LastTs != ts {
		t.Errorf("unexpected series info: %+v", info)
	}
	if info.HourlyBuckets != 1 || info.DailyBuckets != 1 {
		t.Errorf("expected one bucket per resolution, got %d/%d", info.HourlyBuckets, info.DailyBuckets)
	}
}

func TestAddPoint_ClampReturnsStoredTs(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	ts := base.UnixMilli()
	e.AddPoint("d1", "temp", ts, 1)
	ev := e.AddPoint("d1", "temp", ts-5000, 2)

	if ev.Ts != ts {
		t.Errorf("expected clamped ts %d, got %d", ts, ev.Ts)
	}
	if info, _ := e.SeriesInfo("d1", "temp"); info.Clamped != 1 {
		t.Errorf("expected 1 clamped sample, got %d", info.Clamped)
	}
}

func TestAddPoint_Events(t *testing.T) {
	resolver := &staticResolver{
		thresholds: map[string]types.Threshold{
			"temp": {Warn: types.Float(50), Crit: types.Float(100), Direction: types.DirectionAbove},
		},
		deadband: 5,
	}
	e, _ := newTestEngine(t, nil, WithResolver(resolver))

	points := e.Subscribe("points", types.EventPoint)
	alerts := e.Subscribe("alerts", types.EventAlert)

	ts := base.UnixMilli()
	var levels []types.Level
	for i, v := range []float64{10, 120, 80} {
		levels = append(levels, e.AddPoint("d1", "temp", ts+int64(i)*1000, v).Level)
	}

	expected := []types.Level{types.LevelOK, types.LevelCrit, types.LevelWarn}
	for i := range expected {
		if levels[i] != expected[i] {
			t.Errorf("sample %d: expected %s, got %s", i, expected[i], levels[i])
		}
	}

	for i := 0; i < 3; i++ {
		select {
		case ev := <-points.C():
			if ev.Level != expected[i] {
				t.Errorf("point %d: expected %s, got %s", i, expected[i], ev.Level)
			}
		case <-time.After(time.Second):
			t.Fatalf("point event %d not delivered", i)
		}
	}

	for i, want := range []types.Level{types.LevelCrit, types.LevelWarn} {
		select {
		case ev := <-alerts.C():
			if ev.Kind != types.EventAlert || ev.Level != want {
				t.Errorf("alert %d: expected %s, got %s/%s", i, want, ev.Kind, ev.Level)
			}
		case <-time.After(time.Second):
			t.Fatalf("alert event %d not delivered", i)
		}
	}

	if got := e.Stats().Alerts; got != 2 {
		t.Errorf("expected 2 alerts, got %d", got)
	}
}

func TestAddPoint_ResolverFailureContained(t *testing.T) {
	tests := []struct {
		name     string
		resolver *staticResolver
	}{
		{"error", &staticResolver{err: errors.New("backend down")}},
		{"panic", &staticResolver{panics: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEngine(t, nil, WithResolver(tt.resolver))

			ev := e.AddPoint("d1", "temp", base.UnixMilli(), 500)
			if ev.Level != types.LevelOK {
				t.Errorf("expected ok, got %s", ev.Level)
			}
			if got := e.Stats().Evaluator.ResolverFailures; got != 1 {
				t.Errorf("expected 1 resolver failure, got %d", got)
			}
			if _, ok := e.SeriesInfo("d1", "temp"); !ok {
				t.Error("sample should still be stored")
			}
		})
	}
}

func TestAddPoint_Mirror(t *testing.T) {
	accepting := &recordingMirror{accept: true}
	e, _ := newTestEngine(t, nil, WithMirror(accepting))

	e.AddPoint("d1", "temp", base.UnixMilli(), 1)
	e.AddPoint("d1", "temp", base.UnixMilli()-1, 2)

	if len(accepting.samples) != 2 {
		t.Fatalf("expected 2 mirrored samples, got %d", len(accepting.samples))
	}
	// Mirror sees the stored (clamped) timestamp.
	if accepting.samples[1].Ts != base.UnixMilli() {
		t.Errorf("expected clamped ts, got %d", accepting.samples[1].Ts)
	}

	rejecting := &recordingMirror{}
	e2, _ := newTestEngine(t, nil, WithMirror(rejecting))
	e2.AddPoint("d1", "temp", base.UnixMilli(), 1)

	if got := e2.Stats().MirrorRejected; got != 1 {
		t.Errorf("expected 1 rejected sample, got %d", got)
	}
	if _, ok := e2.SeriesInfo("d1", "temp"); !ok {
		t.Error("rejected mirror must not affect ingestion")
	}
}

func TestAddRawPoint(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	tests := []struct {
		rawTs    any
		rawValue any
		wantTs   int64
		wantNaN  bool
		want     float64
	}{
		{nil, "21.5", base.UnixMilli(), false, 21.5},
		{"2023-11-14T01:00:00Z", 7, base.UnixMilli() + hourMs, false, 7},
		{base.UnixMilli() + 2*hourMs, true, base.UnixMilli() + 2*hourMs, false, 1},
		{base.UnixMilli() + 3*hourMs, "n/a", base.UnixMilli() + 3*hourMs, true, 0},
	}

	for i, tt := range tests {
		ev := e.AddRawPoint("d1", "temp", tt.rawTs, tt.rawValue)
		if ev.Ts != tt.wantTs {
			t.Errorf("case %d: expected ts %d, got %d", i, tt.wantTs, ev.Ts)
		}
		if tt.wantNaN {
			if !math.IsNaN(ev.Value) {
				t.Errorf("case %d: expected NaN, got %f", i, ev.Value)
			}
			continue
		}
		if ev.Value != tt.want {
			t.Errorf("case %d: expected %f, got %f", i, tt.want, ev.Value)
		}
	}
}

func TestQuerySeries_Unknown(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	for _, bucketMs := range []int64{0, 60_000, hourMs, 24 * hourMs} {
		res := e.QuerySeries(query.Request{DeviceID: "ghost", MetricKey: "temp", BucketMs: bucketMs})
		if res.Len() != 0 {
			t.Errorf("bucket %d: expected empty result, got %d", bucketMs, res.Len())
		}
	}
}

func TestQuerySeries_Modes(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	// 120 samples one minute apart: two hours of data.
	start := base.UnixMilli()
	for i := 0; i < 120; i++ {
		e.AddPoint("d1", "temp", start+int64(i)*60_000, float64(i))
	}

	raw := e.QuerySeries(query.Request{DeviceID: "d1", MetricKey: "temp", From: start, Limit: 10})
	if raw.IsAggregate() || len(raw.Points) != 10 {
		t.Fatalf("raw: expected 10 points, got %d", len(raw.Points))
	}
	if raw.Points[9].Value != 119 || raw.Points[0].Value != 110 {
		t.Errorf("raw: expected tail 110..119, got %f..%f", raw.Points[0].Value, raw.Points[9].Value)
	}

	bucketed := e.QuerySeries(query.Request{DeviceID: "d1", MetricKey: "temp", From: start, BucketMs: 30 * 60_000})
	if len(bucketed.Aggregates) != 4 {
		t.Fatalf("bucketed: expected 4 buckets, got %d", len(bucketed.Aggregates))
	}
	if b := bucketed.Aggregates[1]; b.Count != 30 || b.Min != 30 || b.Max != 59 {
		t.Errorf("bucketed: unexpected second bucket %+v", b)
	}

	hourly := e.QuerySeries(query.Request{DeviceID: "d1", MetricKey: "temp", From: start, BucketMs: hourMs})
	if len(hourly.Aggregates) != 2 {
		t.Fatalf("hourly: expected 2 buckets, got %d", len(hourly.Aggregates))
	}
	if b := hourly.Aggregates[0]; b.Count != 60 || b.Sum != 1770 || b.Value != 29.5 {
		t.Errorf("hourly: unexpected first bucket %+v", b)
	}

	daily := e.QuerySeries(query.Request{DeviceID: "d1", MetricKey: "temp", From: start, BucketMs: 24 * hourMs})
	if len(daily.Aggregates) != 1 || daily.Aggregates[0].Count != 120 {
		t.Errorf("daily: expected one bucket of 120, got %+v", daily.Aggregates)
	}
}

func TestQuerySeries_RollupIncludesBucketHoldingFrom(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	start := base.UnixMilli()
	for i := 0; i < 120; i++ {
		e.AddPoint("d1", "temp", start+int64(i)*60_000, float64(i))
	}

	tests := []struct {
		name     string
		from     int64
		bucketMs int64
		wantTs   []int64
	}{
		{"hourly from mid first hour", start + 30*60_000, hourMs, []int64{start, start + hourMs}},
		{"hourly from mid second hour", start + hourMs + 1, hourMs, []int64{start + hourMs}},
		{"daily from mid day", start + 90*60_000, 24 * hourMs, []int64{start}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.QuerySeries(query.Request{DeviceID: "d1", MetricKey: "temp", From: tt.from, BucketMs: tt.bucketMs})
			if len(res.Aggregates) != len(tt.wantTs) {
				t.Fatalf("expected %d buckets, got %+v", len(tt.wantTs), res.Aggregates)
			}
			for i, ts := range tt.wantTs {
				if res.Aggregates[i].Ts != ts {
					t.Errorf("bucket %d: expected ts %d, got %d", i, ts, res.Aggregates[i].Ts)
				}
			}
		})
	}
}

func TestQueryDownsampled(t *testing.T) {
	e, _ := newTestEngine(t, func(c *config.Config) {
		c.Engine.DownsampleMaxPoints = 10
	})

	start := base.UnixMilli()
	for i := 0; i < 95; i++ {
		e.AddPoint("d1", "temp", start+int64(i)*1000, float64(i))
	}

	res := e.QueryDownsampled(query.Request{DeviceID: "d1", MetricKey: "temp"})
	if len(res.Points) > 11 {
		t.Errorf("expected at most 11 points, got %d", len(res.Points))
	}
	if last := res.Points[len(res.Points)-1]; last.Value != 94 {
		t.Errorf("newest point dropped, last value %f", last.Value)
	}
}

func TestGetKpis(t *testing.T) {
	e, clock := newTestEngine(t, nil, WithUnits(unitMap{"temp": "°C"}))

	now := clock.Now().UnixMilli()
	e.AddPoint("d1", "temp", now-2*hourMs, 100) // outside default window
	for i, v := range []float64{20, 24, 22} {
		e.AddPoint("d1", "temp", now-30*60_000+int64(i)*60_000, v)
	}
	e.AddPoint("d1", "hum", now-2*hourMs, 40)

	kpis, err := e.GetKpis(context.Background(), KpiRequest{DeviceID: "d1"})
	if err != nil {
		t.Fatalf("GetKpis failed: %v", err)
	}
	if len(kpis) != 2 {
		t.Fatalf("expected KPIs for 2 metrics, got %d", len(kpis))
	}

	temp := kpis["temp"]
	if !temp.HasData() {
		t.Fatal("temp should have data")
	}
	if *temp.Last != 22 || *temp.Min != 20 || *temp.Max != 24 || *temp.Avg != 22 {
		t.Errorf("unexpected temp KPI: last=%f min=%f max=%f avg=%f", *temp.Last, *temp.Min, *temp.Max, *temp.Avg)
	}
	if temp.Unit != "°C" {
		t.Errorf("expected unit °C, got %q", temp.Unit)
	}

	if hum := kpis["hum"]; hum.HasData() || hum.Min != nil || hum.Avg != nil {
		t.Errorf("hum should have no data in range, got %+v", hum)
	}

	// Explicit range covering everything
	all, err := e.GetKpis(context.Background(), KpiRequest{DeviceID: "d1", From: now - 3*hourMs, To: now})
	if err != nil {
		t.Fatalf("GetKpis failed: %v", err)
	}
	if *all["temp"].Max != 100 || !all["hum"].HasData() {
		t.Errorf("explicit range should include older samples: %+v", all)
	}
}

func TestGetKpis_UnknownDevice(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	kpis, err := e.GetKpis(context.Background(), KpiRequest{DeviceID: "ghost"})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(kpis) != 0 {
		t.Errorf("expected empty map, got %v", kpis)
	}
}

func TestGetKpis_Canceled(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	e.AddPoint("d1", "temp", base.UnixMilli(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := e.GetKpis(ctx, KpiRequest{DeviceID: "d1"}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestDiagnostics(t *testing.T) {
	e, clock := newTestEngine(t, nil)

	ts := base.UnixMilli()
	e.AddPoint("d1", "temp", ts, 1)
	e.AddPoint("d1", "temp", ts+1, 2)
	e.AddPoint("d1", "hum", ts, 40)
	e.AddPoint("d2", "temp", ts, 3)

	clock.Advance(90 * time.Second)

	d := e.Diagnostics()
	expected := Diagnostics{
		DeviceCount:  2,
		MetricCount:  2,
		SeriesCount:  3,
		TotalSamples: 4,
		UptimeMs:     90_000,
	}
	if d != expected {
		t.Errorf("expected %+v, got %+v", expected, d)
	}

	list := e.ListSeries()
	if len(list) != 3 {
		t.Fatalf("expected 3 series, got %d", len(list))
	}
	if list[0].DeviceID != "d1" || list[0].MetricKey != "hum" || list[2].DeviceID != "d2" {
		t.Errorf("series not sorted: %s/%s first", list[0].DeviceID, list[0].MetricKey)
	}
}

func TestTrimExpired(t *testing.T) {
	e, clock := newTestEngine(t, func(c *config.Config) {
		c.Engine.RetentionDays = 1
	})

	e.AddPoint("d1", "temp", base.UnixMilli(), 1)
	clock.Advance(72 * time.Hour)

	removed, err := e.TrimExpired(clock.Now())
	if err != nil {
		t.Fatalf("TrimExpired failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 buckets removed, got %d", removed)
	}

	info, _ := e.SeriesInfo("d1", "temp")
	if info.HourlyBuckets != 0 || info.DailyBuckets != 0 {
		t.Errorf("expected no buckets, got %d/%d", info.HourlyBuckets, info.DailyBuckets)
	}
	// Raw samples are bounded by capacity only.
	if info.Count != 1 {
		t.Errorf("raw sample should survive trim, count %d", info.Count)
	}
}

func TestRegisterSweeper(t *testing.T) {
	e, clock := newTestEngine(t, nil)

	var swept []time.Time
	e.RegisterSweeper("archive", retention.SweeperFunc(func(now time.Time) (int, error) {
		swept = append(swept, now)
		return 3, nil
	}))

	results := e.retention.RunOnce()
	if len(results) != 2 {
		t.Fatalf("expected rollups and archive sweeps, got %+v", results)
	}
	if results[1].Target != "archive" || results[1].Removed != 3 {
		t.Errorf("unexpected archive result %+v", results[1])
	}
	if len(swept) != 1 || !swept[0].Equal(clock.Now()) {
		t.Errorf("sweeper should run once with the engine clock, got %v", swept)
	}
}

func TestStartStop(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !e.IsRunning() {
		t.Error("engine should be running")
	}
	if err := e.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}

	sub := e.Subscribe("test")
	e.Stop()

	if e.IsRunning() {
		t.Error("engine should be stopped")
	}
	if _, ok := <-sub.C(); ok {
		t.Error("subscription should be closed after Stop")
	}

	// Ingestion keeps working without background workers.
	e.AddPoint("d1", "temp", base.UnixMilli(), 1)
}

func TestConcurrentWritersAndReaders(t *testing.T) {
	e, _ := newTestEngine(t, func(c *config.Config) {
		c.Engine.Capacity = 20000
	})

	const writers = 8
	const perWriter = 1000

	gt := testutil.NewGoroutineTestWithTimeout(t, 30*time.Second)

	for w := 0; w < writers; w++ {
		gt.Go(func() error {
			for i := 0; i < perWriter; i++ {
				ts := base.UnixMilli() + int64(i)
				e.AddPoint("shared", "temp", ts, float64(i))
				e.AddPoint(fmt.Sprintf("dev-%d", w), "temp", ts, float64(i))
			}
			return nil
		})
	}

	for r := 0; r < 4; r++ {
		gt.Go(func() error {
			prev := int64(math.MinInt64)
			for i := 0; i < 200; i++ {
				res := e.QuerySeries(query.Request{DeviceID: "shared", MetricKey: "temp"})
				for _, p := range res.Points {
					if p.Ts < prev {
						return fmt.Errorf("timestamps out of order: %d after %d", p.Ts, prev)
					}
					prev = p.Ts
				}
				prev = math.MinInt64
				e.QuerySeries(query.Request{DeviceID: "shared", MetricKey: "temp", BucketMs: hourMs})
			}
			return nil
		})
	}

	gt.Wait()

	info, ok := e.SeriesInfo("shared", "temp")
	if !ok {
		t.Fatal("shared series missing")
	}
	if info.Count != writers*perWriter {
		t.Errorf("expected %d samples, got %d", writers*perWriter, info.Count)
	}

	hourly := e.QuerySeries(query.Request{DeviceID: "shared", MetricKey: "temp", BucketMs: hourMs})
	var count int64
	for _, b := range hourly.Aggregates {
		count += b.Count
	}
	if count != writers*perWriter {
		t.Errorf("rollups count %d samples, expected %d", count, writers*perWriter)
	}

	if got := e.SeriesCount(); got != writers+1 {
		t.Errorf("expected %d series, got %d", writers+1, got)
	}
}
