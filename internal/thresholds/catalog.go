package thresholds

import (
	"fmt"
	"sort"

	"github.com/xtxerr/telemetry/internal/engine/config"
	"github.com/xtxerr/telemetry/internal/engine/types"
)

// Catalog is the read-only metric catalog: units and default thresholds.
type Catalog struct {
	metrics map[string]types.MetricDefinition
}

// NewCatalog builds a catalog from configuration.
func NewCatalog(metrics []config.MetricConfig) (*Catalog, error) {
	c := &Catalog{metrics: make(map[string]types.MetricDefinition, len(metrics))}
	for _, m := range metrics {
		th, err := m.Threshold.Threshold()
		if err != nil {
			return nil, fmt.Errorf("metric %s: %w", m.Key, err)
		}
		c.metrics[m.Key] = types.MetricDefinition{Key: m.Key, Unit: m.Unit, Threshold: th}
	}
	return c, nil
}

// Unit returns the unit of a metric, or "" if unknown.
func (c *Catalog) Unit(metricKey string) string {
	return c.metrics[metricKey].Unit
}

// Definition returns the catalog entry of a metric.
func (c *Catalog) Definition(metricKey string) (types.MetricDefinition, bool) {
	m, ok := c.metrics[metricKey]
	return m, ok
}

// Definitions returns all entries sorted by key.
func (c *Catalog) Definitions() []types.MetricDefinition {
	out := make([]types.MetricDefinition, 0, len(c.metrics))
	for _, m := range c.metrics {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// defaults returns the catalog thresholds as a layer.
func (c *Catalog) defaults() map[string]types.Threshold {
	out := make(map[string]types.Threshold, len(c.metrics))
	for k, m := range c.metrics {
		if !m.Threshold.IsZero() {
			out[k] = m.Threshold
		}
	}
	return out
}

// Len returns the number of metrics.
func (c *Catalog) Len() int {
	return len(c.metrics)
}
