package aggregate

import (
	"math"
	"testing"
	"time"

	"github.com/xtxerr/telemetry/internal/engine/types"
)

var (
	hourMs = time.Hour.Milliseconds()
	dayMs  = 24 * hourMs
)

func TestBucket_Statistics(t *testing.T) {
	b := NewBucket(0, 0)

	values := []float64{10, 20, 30, 40, 50}
	for _, v := range values {
		b.Add(v)
	}

	p := b.Point()

	if p.Count != 5 {
		t.Errorf("expected count=5, got %d", p.Count)
	}
	if p.Sum != 150 {
		t.Errorf("expected sum=150, got %f", p.Sum)
	}
	if p.Value != 30 {
		t.Errorf("expected value=30, got %f", p.Value)
	}
	if p.Min != 10 {
		t.Errorf("expected min=10, got %f", p.Min)
	}
	if p.Max != 50 {
		t.Errorf("expected max=50, got %f", p.Max)
	}
	if p.HasPercentiles() {
		t.Error("percentiles should be disabled")
	}
}

func TestBucket_NegativeValues(t *testing.T) {
	b := NewBucket(0, 0)
	b.Add(-5)
	b.Add(-20)

	p := b.Point()
	if p.Max != -5 || p.Min != -20 {
		t.Errorf("expected min=-20 max=-5, got min=%f max=%f", p.Min, p.Max)
	}
}

func TestBucket_Percentiles(t *testing.T) {
	b := NewBucket(0, 0.01)

	for i := 1; i <= 100; i++ {
		b.Add(float64(i))
	}

	p := b.Point()
	if !p.HasPercentiles() {
		t.Fatal("expected percentiles")
	}

	// DDSketch has 1% relative accuracy
	if math.Abs(*p.P50-50) > 1.5 {
		t.Errorf("expected p50≈50, got %f", *p.P50)
	}
	if math.Abs(*p.P99-99) > 2 {
		t.Errorf("expected p99≈99, got %f", *p.P99)
	}
}

func TestBucket_NaN(t *testing.T) {
	b := NewBucket(0, 0.01)
	b.Add(5)
	b.Add(math.NaN())
	b.Add(7)

	p := b.Point()
	if p.Count != 3 {
		t.Errorf("expected count=3, got %d", p.Count)
	}
	if !math.IsNaN(p.Sum) {
		t.Errorf("expected NaN sum, got %f", p.Sum)
	}
	if p.Min != 5 || p.Max != 7 {
		t.Errorf("NaN should not win comparisons, got min=%f max=%f", p.Min, p.Max)
	}
	if !p.HasPercentiles() {
		t.Error("finite values should still feed the sketch")
	}
}

func TestRollup_UpdateRead(t *testing.T) {
	r := NewRollup(types.ResolutionHourly, 0)

	base := int64(1_700_000_000_000) / hourMs * hourMs

	r.Update(base+1000, 1)
	r.Update(base+2000, 3)
	r.Update(base+hourMs+5, 10)
	r.Update(base+3*hourMs, 20)

	if r.Len() != 3 {
		t.Fatalf("expected 3 buckets, got %d", r.Len())
	}

	all := r.Read(math.MinInt64/2, math.MaxInt64/2)
	if len(all) != 3 {
		t.Fatalf("expected 3 points, got %d", len(all))
	}

	expected := []struct {
		ts    int64
		count int64
		sum   float64
	}{
		{base, 2, 4},
		{base + hourMs, 1, 10},
		{base + 3*hourMs, 1, 20},
	}
	for i, e := range expected {
		if all[i].Ts != e.ts || all[i].Count != e.count || all[i].Sum != e.sum {
			t.Errorf("bucket %d: expected ts=%d count=%d sum=%f, got ts=%d count=%d sum=%f",
				i, e.ts, e.count, e.sum, all[i].Ts, all[i].Count, all[i].Sum)
		}
	}
	if all[0].Value != 2 {
		t.Errorf("expected avg=2, got %f", all[0].Value)
	}

	// Overlap: a range starting mid-bucket includes that bucket
	mid := r.Read(base+hourMs+30*60*1000, base+2*hourMs)
	if len(mid) != 1 || mid[0].Ts != base+hourMs {
		t.Errorf("expected the second bucket only, got %+v", mid)
	}

	if got := r.Read(base+4*hourMs, base+5*hourMs); len(got) != 0 {
		t.Errorf("expected empty read, got %d", len(got))
	}
	if got := r.Read(base+hourMs, base); got != nil {
		t.Errorf("inverted range should be nil, got %v", got)
	}
}

func TestRollup_BackfillKeepsOrder(t *testing.T) {
	r := NewRollup(types.ResolutionHourly, 0)

	for _, h := range []int64{5, 1, 3, 0, 4, 2} {
		r.Update(h*hourMs, float64(h))
	}

	points := r.Read(0, 10*hourMs)
	if len(points) != 6 {
		t.Fatalf("expected 6 points, got %d", len(points))
	}
	for i, p := range points {
		if p.Ts != int64(i)*hourMs {
			t.Errorf("index %d: expected ts=%d, got %d", i, int64(i)*hourMs, p.Ts)
		}
	}
}

func TestRollup_Trim(t *testing.T) {
	r := NewRollup(types.ResolutionHourly, 0)

	// Newest first, then backfill: trimming must not depend on insertion order
	r.Update(10*hourMs, 1)
	r.Update(2*hourMs, 1)
	r.Update(7*hourMs, 1)
	r.Update(1*hourMs, 1)

	removed := r.Trim(7 * hourMs)
	if removed != 2 {
		t.Errorf("expected 2 buckets removed, got %d", removed)
	}

	points := r.Read(0, 20*hourMs)
	if len(points) != 2 || points[0].Ts != 7*hourMs || points[1].Ts != 10*hourMs {
		t.Errorf("unexpected buckets after trim: %+v", points)
	}

	// Horizon equal to a bucket start keeps it
	if n := r.Trim(7 * hourMs); n != 0 {
		t.Errorf("expected no removal, got %d", n)
	}
}

func TestAggregator_BothResolutions(t *testing.T) {
	a := New(Options{RetentionDays: 30})

	now := int64(1_700_000_000_000)
	start := now - 2*hourMs

	for i := int64(0); i < 120; i++ {
		a.Update(start+i*60*1000, float64(i), now)
	}

	hourly := a.Read(types.ResolutionHourly, start-dayMs, now)
	var total int64
	for _, p := range hourly {
		total += p.Count
	}
	if total != 120 {
		t.Errorf("hourly counts should sum to 120, got %d", total)
	}

	daily := a.Read(types.ResolutionDaily, start-dayMs, now)
	total = 0
	var sum float64
	for _, p := range daily {
		total += p.Count
		sum += p.Sum
	}
	if total != 120 {
		t.Errorf("daily counts should sum to 120, got %d", total)
	}
	if sum != 7140 {
		t.Errorf("expected daily sum=7140, got %f", sum)
	}

	stats := a.Stats()
	if stats.HourlyBuckets < 2 || stats.DailyBuckets < 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestAggregator_ZeroRetention(t *testing.T) {
	a := New(Options{RetentionDays: 0})

	now := time.Now().UnixMilli()
	ts := now - 2*dayMs

	a.Update(ts, 42, now)

	for _, res := range types.AllResolutions() {
		if got := a.Read(res, ts-dayMs, now); len(got) != 0 {
			t.Errorf("%s: expected expired bucket to be trimmed, got %+v", res, got)
		}
	}

	if a.Stats().Trimmed != 2 {
		t.Errorf("expected 2 trimmed buckets, got %d", a.Stats().Trimmed)
	}
}

func TestAggregator_TrimExpired(t *testing.T) {
	a := New(Options{RetentionDays: 1})

	now := int64(100) * dayMs
	a.Update(now-hourMs, 1, now)

	if a.Stats().HourlyBuckets != 1 {
		t.Fatalf("expected 1 hourly bucket, got %d", a.Stats().HourlyBuckets)
	}

	// Two days later without writes
	removed := a.TrimExpired(now + 2*dayMs)
	if removed != 2 {
		t.Errorf("expected 2 buckets removed, got %d", removed)
	}
	if a.Stats().HourlyBuckets != 0 || a.Stats().DailyBuckets != 0 {
		t.Errorf("expected empty rollups, got %+v", a.Stats())
	}
}

func TestAggregator_Horizon(t *testing.T) {
	a := New(Options{RetentionDays: 7})
	if got := a.Horizon(10 * dayMs); got != 3*dayMs {
		t.Errorf("expected horizon=%d, got %d", 3*dayMs, got)
	}
	if a.Retention() != 7*24*time.Hour {
		t.Errorf("unexpected retention %v", a.Retention())
	}
}
