// Package config provides configuration defaults for the telemetry daemon.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via the YAML configuration file.
package config

import "time"

// =============================================================================
// Engine Defaults
// =============================================================================

const (
	// DefaultSeriesCapacity is the number of raw samples kept per series.
	// Memory per series is roughly 16 bytes per sample.
	// Override via config: engine.capacity
	DefaultSeriesCapacity = 20000

	// DefaultRetentionDays is how long hourly and daily rollups are kept.
	// Override via config: engine.retention_days
	DefaultRetentionDays = 30

	// DefaultDownsampleMaxPoints caps presentation series.
	// Override via config: engine.downsample_max_points
	DefaultDownsampleMaxPoints = 500

	// DefaultKpiWindow is the KPI range when a request gives none.
	DefaultKpiWindow = time.Hour

	// DefaultPercentileAccuracy is the DDSketch relative accuracy (1%).
	// Override via config: engine.percentile.accuracy
	DefaultPercentileAccuracy = 0.01

	// DefaultSweepInterval is how often idle series have expired rollup
	// buckets trimmed.
	// Override via config: engine.sweep_interval
	DefaultSweepInterval = time.Minute
)

// =============================================================================
// Alert Defaults
// =============================================================================

const (
	// DefaultDeadbandPct is the hysteresis band in percent of the threshold.
	// Range: 0-100
	// Override via config: thresholds.deadband_pct
	DefaultDeadbandPct = 5.0

	// DefaultThresholdCacheTTL is how long resolved thresholds are cached.
	// Override via config: thresholds.cache_ttl
	DefaultThresholdCacheTTL = 30 * time.Second
)

// =============================================================================
// Event Defaults
// =============================================================================

const (
	// DefaultEventQueueSize is the capacity of each subscriber channel.
	// When full, events for that subscriber are dropped.
	// Range: 100-100000
	// Override via config: events.queue_size
	DefaultEventQueueSize = 1024
)

// =============================================================================
// Mirror Defaults
// =============================================================================

const (
	// DefaultMirrorQueueSize is the capacity of the mirror queue.
	// When full, samples are not mirrored.
	// Override via config: mirror.queue_size
	DefaultMirrorQueueSize = 10000

	// DefaultMirrorWorkers is the number of mirror workers.
	// Override via config: mirror.workers
	DefaultMirrorWorkers = 2

	// DefaultMirrorTimeout bounds a single sink write.
	// Override via config: mirror.timeout
	DefaultMirrorTimeout = 5 * time.Second

	// DefaultInfluxBatchSize is the InfluxDB client batch size.
	// Override via config: mirror.influx.batch_size
	DefaultInfluxBatchSize = 100

	// DefaultInfluxFlushInterval is the InfluxDB client flush interval.
	// Override via config: mirror.influx.flush_interval
	DefaultInfluxFlushInterval = time.Second

	// DefaultArchiveRotateInterval is how long a Parquet file stays open.
	// Override via config: mirror.archive.rotate_interval
	DefaultArchiveRotateInterval = time.Hour

	// DefaultArchiveMaxRows rotates a Parquet file early.
	// Override via config: mirror.archive.max_rows
	DefaultArchiveMaxRows = 1_000_000
)

// =============================================================================
// MQTT Defaults
// =============================================================================

const (
	// DefaultMQTTBroker is the default broker address.
	// Override via config: mqtt.broker
	DefaultMQTTBroker = "tcp://localhost:1883"

	// DefaultMQTTClientID is the default client identifier.
	// Override via config: mqtt.client_id
	DefaultMQTTClientID = "telemetryd"

	// DefaultMQTTQoS is the QoS used for publish and subscribe.
	// Override via config: mqtt.qos
	DefaultMQTTQoS = 1

	// DefaultMQTTConnectTimeout bounds the initial connection.
	// Override via config: mqtt.connect_timeout
	DefaultMQTTConnectTimeout = 10 * time.Second

	// DefaultMQTTPublishTimeout bounds waiting for a publish token.
	// Override via config: mqtt.publish_timeout
	DefaultMQTTPublishTimeout = 2 * time.Second
)

// =============================================================================
// SNMP Defaults
// =============================================================================

const (
	// DefaultSNMPTimeoutMs is the timeout for a single SNMP request.
	// Override via config: snmp.timeout_ms
	DefaultSNMPTimeoutMs = 5000

	// DefaultSNMPRetries is the number of retry attempts after timeout.
	// Override via config: snmp.retries
	DefaultSNMPRetries = 2

	// DefaultSNMPIntervalMs is the default polling interval.
	// Override via config: snmp.interval_ms
	DefaultSNMPIntervalMs = 60000

	// DefaultSNMPPort is the default agent port.
	DefaultSNMPPort = 161

	// DefaultSNMPWorkers is the number of concurrent target polls.
	// Override via config: snmp.workers
	DefaultSNMPWorkers = 4

	// DefaultSchedulerTickInterval is how often the poll scheduler checks
	// for due targets.
	DefaultSchedulerTickInterval = 100 * time.Millisecond
)

// =============================================================================
// Event Log Defaults
// =============================================================================

const (
	// DefaultMaxEventSize bounds one framed event log record.
	DefaultMaxEventSize = 64 * 1024

	// DefaultEventLogFlushInterval is how often buffered records are
	// flushed to disk.
	DefaultEventLogFlushInterval = time.Second
)

// =============================================================================
// Backpressure Defaults
// =============================================================================

const (
	// DefaultBackpressureInterval is how often queue saturation is sampled.
	// Override via config: backpressure.interval
	DefaultBackpressureInterval = time.Second

	// DefaultBackpressureWarning is the warning usage ratio.
	DefaultBackpressureWarning = 0.70

	// DefaultBackpressureCritical is the critical usage ratio.
	DefaultBackpressureCritical = 0.85

	// DefaultBackpressureEmergency is the emergency usage ratio.
	DefaultBackpressureEmergency = 0.95

	// DefaultBackpressureHysteresis is subtracted from a threshold before
	// the level drops back below it.
	DefaultBackpressureHysteresis = 0.05

	// DefaultBackpressureCooldown is the minimum time between level changes.
	DefaultBackpressureCooldown = 5 * time.Second
)

// =============================================================================
// Logging Defaults
// =============================================================================

const (
	// DefaultLogMaxSizeMB is the size at which the log file is rotated.
	// Override via config: logging.max_size_mb
	DefaultLogMaxSizeMB = 100

	// DefaultLogMaxBackups is the number of rotated log files kept.
	// Override via config: logging.max_backups
	DefaultLogMaxBackups = 5

	// DefaultLogMaxAgeDays is how long rotated log files are kept.
	// Override via config: logging.max_age_days
	DefaultLogMaxAgeDays = 28
)

// =============================================================================
// Shutdown Defaults
// =============================================================================

const (
	// DefaultDrainTimeoutSec is how long to wait for queued mirror writes
	// during shutdown. After this timeout, remaining writes are abandoned.
	// Override via config: drain_timeout_sec
	DefaultDrainTimeoutSec = 30
)
