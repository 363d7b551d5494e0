// Package backpressure watches the saturation of the bounded queues behind
// the engine (event subscribers, mirror queue) and reports a load level.
//
// Ingestion never blocks on these queues, so saturation shows up as
// dropped events and mirror writes. The level makes that visible before
// drops start and is reported in diagnostics.
package backpressure

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/telemetry/internal/engine/config"
	telerrors "github.com/xtxerr/telemetry/internal/errors"
	"github.com/xtxerr/telemetry/internal/logging"
)

// Level represents the current backpressure level.
type Level int

const (
	// LevelNormal - queues drain faster than they fill.
	LevelNormal Level = iota

	// LevelWarning - a queue is filling up.
	LevelWarning

	// LevelCritical - a queue is close to full.
	LevelCritical

	// LevelEmergency - a queue is full and dropping.
	LevelEmergency
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Gauge reports the fill ratio (0.0 - 1.0) of a bounded queue.
type Gauge interface {
	UsageRatio() float64
}

// GaugeFunc adapts a function to Gauge.
type GaugeFunc func() float64

// UsageRatio calls f.
func (f GaugeFunc) UsageRatio() float64 {
	return f()
}

// Controller derives a level from the fullest watched queue.
type Controller struct {
	mu sync.RWMutex

	config config.BackpressureConfig
	gauges map[string]Gauge
	now    func() time.Time
	logger *slog.Logger

	// Current state
	level     atomic.Int32
	lastCheck time.Time
	lastLevel Level
	lastUsage float64
	hottest   string

	// Statistics
	stats Stats

	// Level change callback
	onLevelChange func(old, new Level)

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Stats holds backpressure statistics.
type Stats struct {
	LevelChanges   int64
	WarningCount   int64
	CriticalCount  int64
	EmergencyCount int64
	Checks         int64
}

// New creates a new backpressure controller.
func New(cfg config.BackpressureConfig) *Controller {
	return &Controller{
		config: cfg,
		gauges: make(map[string]Gauge),
		now:    time.Now,
		logger: logging.Component("backpressure"),
	}
}

// Watch adds a queue to the controller.
func (c *Controller) Watch(name string, g Gauge) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[name] = g
}

// SetOnLevelChange sets the callback for level changes.
func (c *Controller) SetOnLevelChange(fn func(old, new Level)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLevelChange = fn
}

// SetClock replaces time.Now.
func (c *Controller) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Check evaluates current conditions and updates the level.
// This should be called periodically.
func (c *Controller) Check() Level {
	if !c.config.Enabled {
		return LevelNormal
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.stats.Checks++

	var usage float64
	var hottest string
	for name, g := range c.gauges {
		if u := g.UsageRatio(); u > usage || hottest == "" {
			usage, hottest = u, name
		}
	}
	c.lastUsage = usage
	c.hottest = hottest

	newLevel := c.determineLevel(usage)
	if newLevel == c.lastLevel {
		return newLevel
	}

	// Respect cooldown between changes
	if !c.lastCheck.IsZero() && now.Sub(c.lastCheck) < c.config.Recovery.Cooldown {
		return c.lastLevel
	}

	c.lastCheck = now
	c.setLevel(newLevel)
	return newLevel
}

// determineLevel determines the backpressure level based on usage.
// Rising pressure takes effect at once; a falling level is held while
// usage stays within the hysteresis band below its threshold.
func (c *Controller) determineLevel(usage float64) Level {
	raw := c.levelFor(usage)
	if raw >= c.lastLevel {
		return raw
	}

	if usage >= c.threshold(c.lastLevel)-c.config.Recovery.Hysteresis {
		return c.lastLevel
	}
	return raw
}

// levelFor maps usage to a level without hysteresis.
func (c *Controller) levelFor(usage float64) Level {
	thresholds := c.config.Thresholds
	switch {
	case usage >= thresholds.Emergency:
		return LevelEmergency
	case usage >= thresholds.Critical:
		return LevelCritical
	case usage >= thresholds.Warning:
		return LevelWarning
	default:
		return LevelNormal
	}
}

// threshold returns the usage ratio at which level is entered.
func (c *Controller) threshold(level Level) float64 {
	switch level {
	case LevelEmergency:
		return c.config.Thresholds.Emergency
	case LevelCritical:
		return c.config.Thresholds.Critical
	case LevelWarning:
		return c.config.Thresholds.Warning
	default:
		return 0
	}
}

// setLevel updates the current level and fires callback.
func (c *Controller) setLevel(newLevel Level) {
	oldLevel := c.lastLevel
	c.lastLevel = newLevel
	c.level.Store(int32(newLevel))
	c.stats.LevelChanges++

	switch newLevel {
	case LevelWarning:
		c.stats.WarningCount++
	case LevelCritical:
		c.stats.CriticalCount++
	case LevelEmergency:
		c.stats.EmergencyCount++
	}

	log := c.logger.Info
	if newLevel > oldLevel {
		log = c.logger.Warn
	}
	log("backpressure level changed",
		"from", oldLevel.String(),
		"to", newLevel.String(),
		"usage", c.lastUsage,
		"queue", c.hottest)

	if c.onLevelChange != nil {
		c.onLevelChange(oldLevel, newLevel)
	}
}

// CurrentLevel returns the current backpressure level.
func (c *Controller) CurrentLevel() Level {
	return Level(c.level.Load())
}

// Start launches periodic checks at the configured interval.
func (c *Controller) Start(ctx context.Context) error {
	if !c.config.Enabled || c.config.Interval <= 0 {
		return fmt.Errorf("backpressure: %w", telerrors.ErrDisabled)
	}
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("backpressure: %w", telerrors.ErrAlreadyRunning)
	}

	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Check()
			}
		}
	}()
	return nil
}

// Stop stops periodic checks.
func (c *Controller) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	c.cancel()
	c.wg.Wait()
}

// Stats returns current statistics.
func (c *Controller) Stats() ControllerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ControllerStats{
		CurrentLevel:   c.CurrentLevel(),
		LevelChanges:   c.stats.LevelChanges,
		WarningCount:   c.stats.WarningCount,
		CriticalCount:  c.stats.CriticalCount,
		EmergencyCount: c.stats.EmergencyCount,
		Checks:         c.stats.Checks,
		Usage:          c.lastUsage,
		HottestQueue:   c.hottest,
	}
}

// ControllerStats holds controller statistics.
type ControllerStats struct {
	CurrentLevel   Level
	LevelChanges   int64
	WarningCount   int64
	CriticalCount  int64
	EmergencyCount int64
	Checks         int64
	Usage          float64
	HottestQueue   string
}

// IsEnabled returns whether backpressure monitoring is enabled.
func (c *Controller) IsEnabled() bool {
	return c.config.Enabled
}
