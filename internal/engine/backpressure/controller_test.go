package backpressure

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xtxerr/telemetry/internal/engine/config"
	telerrors "github.com/xtxerr/telemetry/internal/errors"
)

// ratio is a settable gauge.
type ratio struct {
	v atomic.Value
}

func (r *ratio) set(v float64) {
	r.v.Store(v)
}

func (r *ratio) UsageRatio() float64 {
	v, _ := r.v.Load().(float64)
	return v
}

func testConfig() config.BackpressureConfig {
	cfg := config.DefaultConfig().Backpressure
	cfg.Enabled = true
	cfg.Thresholds.Warning = 0.50
	cfg.Thresholds.Critical = 0.80
	cfg.Thresholds.Emergency = 0.95
	cfg.Recovery.Hysteresis = 0.05
	cfg.Recovery.Cooldown = 0 // Disable cooldown for testing
	return cfg
}

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{LevelNormal, "normal"},
		{LevelWarning, "warning"},
		{LevelCritical, "critical"},
		{LevelEmergency, "emergency"},
	}

	for _, tt := range tests {
		if tt.level.String() != tt.expected {
			t.Errorf("level %d: expected %s, got %s", tt.level, tt.expected, tt.level.String())
		}
	}
}

func TestController_Check(t *testing.T) {
	c := New(testConfig())

	events := &ratio{}
	mirror := &ratio{}
	c.Watch("events", events)
	c.Watch("mirror", mirror)

	if level := c.Check(); level != LevelNormal {
		t.Errorf("expected normal, got %s", level)
	}

	steps := []struct {
		events, mirror float64
		expected       Level
	}{
		{0.50, 0.10, LevelWarning},
		{0.10, 0.85, LevelCritical},
		{0.10, 1.00, LevelEmergency},
		{0.10, 0.92, LevelEmergency}, // Hysteresis: 0.92 >= 0.95-0.05
		{0.10, 0.89, LevelCritical},
		{0.10, 0.76, LevelCritical}, // 0.76 >= 0.80-0.05
		{0.10, 0.70, LevelWarning},
		{0.46, 0.10, LevelWarning},
		{0.40, 0.10, LevelNormal},
	}

	for i, s := range steps {
		events.set(s.events)
		mirror.set(s.mirror)
		if level := c.Check(); level != s.expected {
			t.Errorf("step %d (events=%.2f mirror=%.2f): expected %s, got %s",
				i, s.events, s.mirror, s.expected, level)
		}
	}

	stats := c.Stats()
	if stats.EmergencyCount != 1 {
		t.Errorf("expected 1 emergency, got %d", stats.EmergencyCount)
	}
	if stats.CurrentLevel != LevelNormal {
		t.Errorf("expected final level normal, got %s", stats.CurrentLevel)
	}
}

func TestController_Callback(t *testing.T) {
	c := New(testConfig())
	g := &ratio{}
	c.Watch("mirror", g)

	var changes []Level
	c.SetOnLevelChange(func(_, new Level) {
		changes = append(changes, new)
	})

	g.set(0.99)
	c.Check()
	g.set(0.0)
	c.Check()

	if len(changes) != 2 || changes[0] != LevelEmergency || changes[1] != LevelNormal {
		t.Errorf("unexpected changes: %v", changes)
	}
	if c.Stats().HottestQueue != "mirror" {
		t.Errorf("expected hottest queue mirror, got %q", c.Stats().HottestQueue)
	}
}

func TestController_Cooldown(t *testing.T) {
	cfg := testConfig()
	cfg.Recovery.Cooldown = time.Minute

	c := New(cfg)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.SetClock(func() time.Time { return now })

	g := &ratio{}
	c.Watch("events", g)

	g.set(0.9)
	if level := c.Check(); level != LevelCritical {
		t.Fatalf("expected critical, got %s", level)
	}

	// Within cooldown the level holds
	g.set(0.0)
	now = now.Add(10 * time.Second)
	if level := c.Check(); level != LevelCritical {
		t.Errorf("expected critical during cooldown, got %s", level)
	}

	now = now.Add(time.Minute)
	if level := c.Check(); level != LevelNormal {
		t.Errorf("expected normal after cooldown, got %s", level)
	}
}

func TestController_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	c := New(cfg)
	c.Watch("events", GaugeFunc(func() float64 { return 1 }))

	if level := c.Check(); level != LevelNormal {
		t.Errorf("disabled controller should report normal, got %s", level)
	}
	if err := c.Start(context.Background()); !errors.Is(err, telerrors.ErrDisabled) {
		t.Errorf("expected ErrDisabled, got %v", err)
	}
}

func TestController_StartStop(t *testing.T) {
	cfg := testConfig()
	cfg.Interval = 5 * time.Millisecond

	c := New(cfg)
	c.Watch("events", GaugeFunc(func() float64 { return 0.99 }))

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for c.CurrentLevel() != LevelEmergency && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.CurrentLevel() != LevelEmergency {
		t.Errorf("expected emergency from periodic checks, got %s", c.CurrentLevel())
	}
}
