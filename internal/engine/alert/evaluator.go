package alert

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/xtxerr/telemetry/internal/engine/types"
	"github.com/xtxerr/telemetry/internal/logging"
)

// ThresholdResolver supplies effective thresholds per device.
// Precedence of overrides (device > room > group > global) is the
// resolver's concern.
type ThresholdResolver interface {
	// EffectiveFor returns the thresholds of every metric of a device,
	// keyed by metric key. device may be nil for unknown devices.
	EffectiveFor(deviceID string, device *types.Device) (map[string]types.Threshold, error)

	// DeadbandPct returns the global deadband as a percentage.
	DeadbandPct() float64
}

// DeviceDirectory looks up device metadata.
type DeviceDirectory interface {
	Device(id string) (*types.Device, bool)
}

// Evaluator resolves thresholds and drives the per-series State.
// Resolver errors and panics are contained and evaluate as "no thresholds".
type Evaluator struct {
	resolver ThresholdResolver
	devices  DeviceDirectory
	logger   *slog.Logger

	evaluations atomic.Int64
	failures    atomic.Int64
}

// NewEvaluator creates an Evaluator. Both collaborators are optional: a
// nil resolver disables alerting and a nil directory passes nil device
// metadata to the resolver.
func NewEvaluator(resolver ThresholdResolver, devices DeviceDirectory) *Evaluator {
	return &Evaluator{
		resolver: resolver,
		devices:  devices,
		logger:   logging.Component("alert"),
	}
}

// Evaluate advances state with value and returns the new level.
func (e *Evaluator) Evaluate(state *State, deviceID, metricKey string, value float64) types.Level {
	e.evaluations.Add(1)
	th, deadband := e.Resolve(deviceID, metricKey)
	level, changed := state.Observe(th, value, deadband)
	if changed {
		e.logger.Debug("level changed",
			"device_id", deviceID,
			"metric", metricKey,
			"level", level.String(),
			"value", value)
	}
	return level
}

// Resolve returns the effective threshold and deadband for a series.
func (e *Evaluator) Resolve(deviceID, metricKey string) (th types.Threshold, deadbandPct float64) {
	deadbandPct = DefaultDeadbandPct
	if e.resolver == nil {
		return th, deadbandPct
	}

	defer func() {
		if r := recover(); r != nil {
			e.failures.Add(1)
			e.logger.Debug("threshold resolver panicked",
				"device_id", deviceID,
				"panic", fmt.Sprint(r))
			th = types.Threshold{}
			deadbandPct = DefaultDeadbandPct
		}
	}()

	var device *types.Device
	if e.devices != nil {
		if d, ok := e.devices.Device(deviceID); ok {
			device = d
		}
	}

	all, err := e.resolver.EffectiveFor(deviceID, device)
	if err != nil {
		e.failures.Add(1)
		e.logger.Debug("threshold resolver failed",
			"device_id", deviceID,
			"error", err)
		return types.Threshold{}, DefaultDeadbandPct
	}

	if db := e.resolver.DeadbandPct(); db >= 0 {
		deadbandPct = db
	}
	return all[metricKey], deadbandPct
}

// Stats returns evaluator statistics.
func (e *Evaluator) Stats() Stats {
	return Stats{
		Evaluations:      e.evaluations.Load(),
		ResolverFailures: e.failures.Load(),
	}
}

// Stats holds evaluator statistics.
type Stats struct {
	Evaluations      int64
	ResolverFailures int64
}
