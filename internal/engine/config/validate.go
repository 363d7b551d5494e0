package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xtxerr/telemetry/internal/constants"
	telerrors "github.com/xtxerr/telemetry/internal/errors"
	"github.com/xtxerr/telemetry/internal/validation"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if err := c.Engine.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("engine: %w", err))
	}

	if c.Events.QueueSize <= 0 {
		errs = append(errs, errors.New("events: queue_size must be positive"))
	}

	if err := c.Thresholds.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("thresholds: %w", err))
	}

	if err := validateMetrics(c.Metrics); err != nil {
		errs = append(errs, fmt.Errorf("metrics: %w", err))
	}

	if err := validateDevices(c.Devices); err != nil {
		errs = append(errs, fmt.Errorf("devices: %w", err))
	}

	if err := c.Mirror.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("mirror: %w", err))
	}

	if err := c.MQTT.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("mqtt: %w", err))
	}

	if err := c.SNMP.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("snmp: %w", err))
	}

	if c.EventLog.Enabled && c.EventLog.Path == "" {
		errs = append(errs, telerrors.NewMissingField("event_log.path"))
	}

	if err := c.Backpressure.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("backpressure: %w", err))
	}

	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}

	if c.DrainTimeout < 0 {
		errs = append(errs, errors.New("drain_timeout must be non-negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the engine configuration.
func (c *EngineConfig) Validate() error {
	var errs []error

	if c.Capacity <= 0 {
		errs = append(errs, errors.New("capacity must be positive"))
	}

	if c.RetentionDays < 0 {
		errs = append(errs, errors.New("retention_days must be non-negative"))
	}

	if c.DownsampleMaxPoints < 0 {
		errs = append(errs, errors.New("downsample_max_points must be non-negative"))
	}

	if c.SweepInterval < 0 {
		errs = append(errs, errors.New("sweep_interval must be non-negative"))
	}

	if c.Percentile.Enabled {
		if c.Percentile.Accuracy <= 0 || c.Percentile.Accuracy >= 1 {
			errs = append(errs, errors.New("percentile.accuracy must be between 0 and 1"))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the threshold configuration.
func (c *ThresholdsConfig) Validate() error {
	var errs []error

	if c.DeadbandPct < 0 || c.DeadbandPct > 100 {
		errs = append(errs, errors.New("deadband_pct must be between 0 and 100"))
	}

	if c.CacheTTL < 0 {
		errs = append(errs, errors.New("cache_ttl must be non-negative"))
	}

	errs = append(errs, validateSet("global", c.Global)...)
	for _, scope := range []struct {
		name string
		sets map[string]ThresholdSet
	}{
		{constants.SourceGroup, c.Groups},
		{constants.SourceRoom, c.Rooms},
		{constants.SourceDevice, c.Devices},
	} {
		for name, set := range scope.sets {
			errs = append(errs, validateSet(scope.name+"."+name, set)...)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func validateSet(scope string, set ThresholdSet) []error {
	var errs []error
	for metric, th := range set {
		if err := th.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s.%s: %w", scope, metric, err))
		}
	}
	return errs
}

// Validate checks a single threshold entry.
func (c ThresholdConfig) Validate() error {
	if !constants.IsValidDirection(c.Direction) {
		return fmt.Errorf("direction %q: %w", c.Direction, telerrors.ErrInvalidDirection)
	}
	if c.Warn == nil || c.Crit == nil {
		return nil
	}

	// crit must be at least as severe as warn
	below := c.Direction == constants.DirectionBelow
	if (!below && *c.Crit < *c.Warn) || (below && *c.Crit > *c.Warn) {
		return fmt.Errorf("warn %v and crit %v out of order for direction %q: %w",
			*c.Warn, *c.Crit, c.direction(), telerrors.ErrInvalidThreshold)
	}
	return nil
}

func (c ThresholdConfig) direction() string {
	if c.Direction == "" {
		return constants.DirectionAbove
	}
	return c.Direction
}

func validateMetrics(metrics []MetricConfig) error {
	var errs []error
	seen := make(map[string]bool, len(metrics))

	for i, m := range metrics {
		key := strings.TrimSpace(m.Key)
		if key == "" {
			errs = append(errs, telerrors.NewMissingField(fmt.Sprintf("[%d].key", i)))
			continue
		}
		if err := validation.ValidateMetricKey(key); err != nil {
			errs = append(errs, fmt.Errorf("[%d].key: %w", i, err))
		}
		if seen[key] {
			errs = append(errs, fmt.Errorf("duplicate metric key %q", key))
		}
		seen[key] = true

		if err := m.Threshold.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func validateDevices(devices []DeviceConfig) error {
	var errs []error
	seen := make(map[string]bool, len(devices))

	for i, d := range devices {
		if d.ID == "" {
			errs = append(errs, telerrors.NewMissingField(fmt.Sprintf("[%d].id", i)))
			continue
		}
		if err := validation.ValidateDeviceID(d.ID); err != nil {
			errs = append(errs, fmt.Errorf("[%d].id: %w", i, err))
		}
		if seen[d.ID] {
			errs = append(errs, fmt.Errorf("duplicate device id %q", d.ID))
		}
		seen[d.ID] = true
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the mirror configuration.
func (c *MirrorConfig) Validate() error {
	if !c.Enabled() {
		return nil
	}

	var errs []error

	if c.QueueSize <= 0 {
		errs = append(errs, errors.New("queue_size must be positive"))
	}
	if c.Workers <= 0 {
		errs = append(errs, errors.New("workers must be positive"))
	}
	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}

	if c.Influx.Enabled {
		if c.Influx.URL == "" {
			errs = append(errs, telerrors.NewMissingField("influx.url"))
		}
		if c.Influx.Org == "" {
			errs = append(errs, telerrors.NewMissingField("influx.org"))
		}
		if c.Influx.Bucket == "" {
			errs = append(errs, telerrors.NewMissingField("influx.bucket"))
		}
	}

	if c.Archive.Enabled {
		if c.Archive.Dir == "" {
			errs = append(errs, telerrors.NewMissingField("archive.dir"))
		}
		validAlgorithms := map[string]bool{
			"snappy": true,
			"zstd":   true,
			"lz4":    true,
			"none":   true,
			"":       true, // Empty defaults to zstd
		}
		if !validAlgorithms[c.Archive.Compression] {
			errs = append(errs, errors.New("archive.compression must be one of: snappy, zstd, lz4, none"))
		}
		if c.Archive.MaxRows < 0 {
			errs = append(errs, errors.New("archive.max_rows must be non-negative"))
		}
		if c.Archive.Retention < 0 {
			errs = append(errs, errors.New("archive.retention must be non-negative"))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the MQTT configuration.
func (c *MQTTConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error

	if c.Broker == "" {
		errs = append(errs, telerrors.NewMissingField("broker"))
	}
	if c.ClientID == "" {
		errs = append(errs, telerrors.NewMissingField("client_id"))
	}
	if c.QoS > 2 {
		errs = append(errs, errors.New("qos must be 0, 1 or 2"))
	}
	if c.TopicPrefix == "" {
		errs = append(errs, telerrors.NewMissingField("topic_prefix"))
	} else if err := validation.ValidateTopicPrefix(c.TopicPrefix); err != nil {
		errs = append(errs, fmt.Errorf("topic_prefix: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the SNMP configuration.
func (c *SNMPConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error

	if c.IntervalMs <= 0 {
		errs = append(errs, errors.New("interval_ms must be positive"))
	}
	if c.TimeoutMs <= 0 {
		errs = append(errs, errors.New("timeout_ms must be positive"))
	}
	if c.Retries < 0 {
		errs = append(errs, errors.New("retries must be non-negative"))
	}
	if c.Workers <= 0 {
		errs = append(errs, errors.New("workers must be positive"))
	}

	for i, t := range c.Targets {
		prefix := fmt.Sprintf("targets[%d]", i)
		if t.DeviceID == "" {
			errs = append(errs, telerrors.NewMissingField(prefix+".device_id"))
		} else if err := validation.ValidateDeviceID(t.DeviceID); err != nil {
			errs = append(errs, fmt.Errorf("%s.device_id: %w", prefix, err))
		}
		if t.Host == "" {
			errs = append(errs, telerrors.NewMissingField(prefix+".host"))
		}
		if t.IntervalMs < 0 {
			errs = append(errs, fmt.Errorf("%s.interval_ms must be non-negative", prefix))
		}
		switch t.Version {
		case "1", "2c", "":
			if t.Community == "" {
				errs = append(errs, telerrors.NewMissingField(prefix+".community"))
			}
		case "3":
			if t.V3 == nil || t.V3.SecurityName == "" {
				errs = append(errs, telerrors.NewMissingField(prefix+".v3.security_name"))
			}
		default:
			errs = append(errs, fmt.Errorf("%s.version must be one of: 1, 2c, 3", prefix))
		}
		if len(t.OIDs) == 0 {
			errs = append(errs, fmt.Errorf("%s.oids must not be empty", prefix))
		}
		for j, o := range t.OIDs {
			if o.OID == "" || o.Metric == "" {
				errs = append(errs, telerrors.NewMissingField(fmt.Sprintf("%s.oids[%d]", prefix, j)))
				continue
			}
			if err := validation.ValidateMetricKey(o.Metric); err != nil {
				errs = append(errs, fmt.Errorf("%s.oids[%d].metric: %w", prefix, j, err))
			}
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the backpressure configuration.
func (c *BackpressureConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error

	if c.Interval <= 0 {
		errs = append(errs, errors.New("interval must be positive"))
	}

	// Thresholds must be in order
	if c.Thresholds.Warning <= 0 || c.Thresholds.Warning >= 1 {
		errs = append(errs, errors.New("thresholds.warning must be between 0 and 1"))
	}
	if c.Thresholds.Critical <= 0 || c.Thresholds.Critical >= 1 {
		errs = append(errs, errors.New("thresholds.critical must be between 0 and 1"))
	}
	if c.Thresholds.Emergency <= 0 || c.Thresholds.Emergency > 1 {
		errs = append(errs, errors.New("thresholds.emergency must be between 0 and 1"))
	}
	if c.Thresholds.Warning >= c.Thresholds.Critical {
		errs = append(errs, errors.New("thresholds.warning must be < thresholds.critical"))
	}
	if c.Thresholds.Critical >= c.Thresholds.Emergency {
		errs = append(errs, errors.New("thresholds.critical must be < thresholds.emergency"))
	}

	// Recovery
	if c.Recovery.Hysteresis < 0 || c.Recovery.Hysteresis >= 0.5 {
		errs = append(errs, errors.New("recovery.hysteresis must be between 0 and 0.5"))
	}
	if c.Recovery.Cooldown < 0 {
		errs = append(errs, errors.New("recovery.cooldown must be non-negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the logging configuration.
func (c *LoggingConfig) Validate() error {
	var errs []error

	switch strings.ToLower(strings.TrimSpace(c.Level)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("level %q must be one of: debug, info, warn, error", c.Level))
	}
	if c.MaxSizeMB < 0 || c.MaxBackups < 0 || c.MaxAgeDays < 0 {
		errs = append(errs, errors.New("max_size_mb, max_backups and max_age_days must be non-negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
