// Package retention runs periodic expiry sweeps.
//
// Rollups are trimmed on every write, so a series that stops receiving
// samples would keep its expired buckets forever. The manager sweeps every
// registered target on an interval to cover that case.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	telerrors "github.com/xtxerr/telemetry/internal/errors"
	"github.com/xtxerr/telemetry/internal/logging"
)

// Sweeper removes expired data relative to now and returns the number of
// items removed.
type Sweeper interface {
	Sweep(now time.Time) (int, error)
}

// SweeperFunc adapts a function to Sweeper.
type SweeperFunc func(now time.Time) (int, error)

// Sweep calls f(now).
func (f SweeperFunc) Sweep(now time.Time) (int, error) {
	return f(now)
}

// Manager sweeps registered targets periodically.
type Manager struct {
	mu      sync.Mutex
	targets []target
	stats   Stats

	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type target struct {
	name    string
	sweeper Sweeper
}

// Stats holds retention statistics.
type Stats struct {
	LastRunTime  time.Time
	Runs         int64
	ItemsRemoved int64
	Errors       int64
}

// Result holds the result of one sweep of one target.
type Result struct {
	Target  string
	Removed int
	Err     error
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New creates a retention manager sweeping every interval.
func New(interval time.Duration, opts ...Option) *Manager {
	m := &Manager{
		interval: interval,
		now:      time.Now,
		logger:   logging.Component("retention"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a sweep target.
func (m *Manager) Register(name string, s Sweeper) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets = append(m.targets, target{name: name, sweeper: s})
}

// RunOnce sweeps every target now.
func (m *Manager) RunOnce() []Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.stats.LastRunTime = now
	m.stats.Runs++

	results := make([]Result, 0, len(m.targets))
	for _, t := range m.targets {
		n, err := t.sweeper.Sweep(now)
		results = append(results, Result{Target: t.name, Removed: n, Err: err})

		m.stats.ItemsRemoved += int64(n)
		if err != nil {
			m.stats.Errors++
			m.logger.Warn("sweep failed", "target", t.name, "error", err)
			continue
		}
		if n > 0 {
			m.logger.Debug("sweep removed expired data", "target", t.name, "removed", n)
		}
	}
	return results
}

// Start launches the periodic sweep. An interval <= 0 disables it.
func (m *Manager) Start(ctx context.Context) error {
	if m.interval <= 0 {
		return fmt.Errorf("retention sweep: %w", telerrors.ErrDisabled)
	}
	if !m.running.CompareAndSwap(false, true) {
		return fmt.Errorf("retention sweep: %w", telerrors.ErrAlreadyRunning)
	}

	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.loop(ctx)

	m.logger.Info("retention sweep started", "interval", m.interval)
	return nil
}

// Stop stops the periodic sweep and waits for a running sweep to finish.
func (m *Manager) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunOnce()
		}
	}
}

// Stats returns retention statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// IsRunning returns whether the periodic sweep is running.
func (m *Manager) IsRunning() bool {
	return m.running.Load()
}
