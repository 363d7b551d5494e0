// Package config holds the YAML configuration of the telemetry daemon.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	defaults "github.com/xtxerr/telemetry/config"
	"github.com/xtxerr/telemetry/internal/engine/types"
)

// Config represents the complete daemon configuration.
type Config struct {
	// Engine configures the in-memory series engine.
	Engine EngineConfig `yaml:"engine"`

	// Events configures the event bus.
	Events EventsConfig `yaml:"events"`

	// Thresholds configures alert thresholds and their overrides.
	Thresholds ThresholdsConfig `yaml:"thresholds"`

	// Metrics is the metric catalog (units and default thresholds).
	Metrics []MetricConfig `yaml:"metrics"`

	// Devices is the device directory.
	Devices []DeviceConfig `yaml:"devices"`

	// Mirror configures best-effort long-term storage.
	Mirror MirrorConfig `yaml:"mirror"`

	// MQTT configures the MQTT bridge.
	MQTT MQTTConfig `yaml:"mqtt"`

	// SNMP configures the SNMP poller.
	SNMP SNMPConfig `yaml:"snmp"`

	// EventLog configures the length-delimited protobuf event log.
	EventLog EventLogConfig `yaml:"event_log"`

	// Backpressure configures queue saturation monitoring.
	Backpressure BackpressureConfig `yaml:"backpressure"`

	// Logging configures the process logger.
	Logging LoggingConfig `yaml:"logging"`

	// DrainTimeout bounds shutdown.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// EngineConfig configures the in-memory series engine.
type EngineConfig struct {
	// Capacity is the number of raw samples kept per series.
	Capacity int `yaml:"capacity"`

	// RetentionDays is the rollup retention horizon. 0 keeps nothing older
	// than the current instant.
	RetentionDays int `yaml:"retention_days"`

	// DownsampleMaxPoints caps presentation series.
	DownsampleMaxPoints int `yaml:"downsample_max_points"`

	// SweepInterval is the period of the idle-series retention sweep.
	// 0 disables the sweep.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// Percentile configures DDSketch percentiles in rollup buckets.
	Percentile PercentileConfig `yaml:"percentile"`
}

// PercentileConfig configures DDSketch percentile calculation.
type PercentileConfig struct {
	// Enabled enables percentile calculation.
	Enabled bool `yaml:"enabled"`

	// Accuracy is the relative accuracy (0.01 = 1% error).
	Accuracy float64 `yaml:"accuracy"`
}

// EventsConfig configures the event bus.
type EventsConfig struct {
	// QueueSize is the capacity of each subscriber channel.
	QueueSize int `yaml:"queue_size"`
}

// ThresholdConfig is one threshold entry. Missing warn or crit means the
// level is never raised for that side.
type ThresholdConfig struct {
	Warn      *float64 `yaml:"warn"`
	Crit      *float64 `yaml:"crit"`
	Direction string   `yaml:"direction"` // above (default) or below
}

// Threshold converts the entry to an engine threshold.
func (c ThresholdConfig) Threshold() (types.Threshold, error) {
	dir, err := types.ParseDirection(c.Direction)
	if err != nil {
		return types.Threshold{}, err
	}
	return types.Threshold{Warn: c.Warn, Crit: c.Crit, Direction: dir}, nil
}

// ThresholdSet maps metric keys to thresholds.
type ThresholdSet map[string]ThresholdConfig

// ThresholdsConfig configures alert thresholds.
//
// Precedence, highest first: devices, rooms, groups, global, metric
// catalog defaults. Overrides replace the whole entry of a metric.
type ThresholdsConfig struct {
	// DeadbandPct is the hysteresis band in percent.
	DeadbandPct float64 `yaml:"deadband_pct"`

	// CacheTTL is how long resolved thresholds are cached per device.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	Global  ThresholdSet            `yaml:"global"`
	Groups  map[string]ThresholdSet `yaml:"groups"`
	Rooms   map[string]ThresholdSet `yaml:"rooms"`
	Devices map[string]ThresholdSet `yaml:"devices"`
}

// MetricConfig is one metric catalog entry.
type MetricConfig struct {
	Key       string          `yaml:"key"`
	Unit      string          `yaml:"unit"`
	Threshold ThresholdConfig `yaml:",inline"`
}

// DeviceConfig is one device directory entry.
type DeviceConfig struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Group string `yaml:"group"`
	Room  string `yaml:"room"`
}

// Device converts the entry to engine device metadata.
func (c DeviceConfig) Device() types.Device {
	return types.Device{ID: c.ID, Name: c.Name, Group: c.Group, Room: c.Room}
}

// MirrorConfig configures best-effort long-term storage.
type MirrorConfig struct {
	// QueueSize is the mirror queue capacity.
	QueueSize int `yaml:"queue_size"`

	// Workers is the number of mirror workers.
	Workers int `yaml:"workers"`

	// Timeout bounds a single sink write.
	Timeout time.Duration `yaml:"timeout"`

	// Influx configures the InfluxDB sink.
	Influx InfluxConfig `yaml:"influx"`

	// Archive configures the Parquet archive sink.
	Archive ArchiveConfig `yaml:"archive"`
}

// Enabled returns true if any sink is enabled.
func (c *MirrorConfig) Enabled() bool {
	return c.Influx.Enabled || c.Archive.Enabled
}

// InfluxConfig configures the InfluxDB sink.
type InfluxConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	Token         string        `yaml:"token"`
	Org           string        `yaml:"org"`
	Bucket        string        `yaml:"bucket"`
	Measurement   string        `yaml:"measurement"`
	BatchSize     uint          `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// ArchiveConfig configures the Parquet archive sink.
type ArchiveConfig struct {
	Enabled bool `yaml:"enabled"`

	// Dir is the directory Parquet files are written to.
	Dir string `yaml:"dir"`

	// RotateInterval closes the current file after this long.
	RotateInterval time.Duration `yaml:"rotate_interval"`

	// MaxRows closes the current file after this many rows.
	MaxRows int `yaml:"max_rows"`

	// Retention deletes closed files older than this. 0 keeps files forever.
	Retention time.Duration `yaml:"retention"`

	// Compression is the compression algorithm: snappy, zstd, lz4, none.
	Compression string `yaml:"compression"`

	// MemoryLimit is the DuckDB memory limit for history queries.
	MemoryLimit string `yaml:"memory_limit"`
}

// MQTTConfig configures the MQTT bridge.
type MQTTConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	QoS            byte          `yaml:"qos"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	PublishPoints  bool          `yaml:"publish_points"`
	PublishAlerts  bool          `yaml:"publish_alerts"`
	Ingest         bool          `yaml:"ingest"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// SNMPConfig configures the SNMP poller.
type SNMPConfig struct {
	Enabled    bool         `yaml:"enabled"`
	IntervalMs int          `yaml:"interval_ms"`
	TimeoutMs  int          `yaml:"timeout_ms"`
	Retries    int          `yaml:"retries"`
	Workers    int          `yaml:"workers"`
	Targets    []SNMPTarget `yaml:"targets"`
}

// SNMPTarget is one polled agent.
type SNMPTarget struct {
	DeviceID  string        `yaml:"device_id"`
	Host      string        `yaml:"host"`
	Port      uint16        `yaml:"port"`
	Version   string        `yaml:"version"` // 1, 2c or 3
	Community string        `yaml:"community"`
	V3        *SNMPv3Config `yaml:"v3"`
	OIDs      []SNMPOID     `yaml:"oids"`

	// IntervalMs overrides snmp.interval_ms for this target.
	IntervalMs int `yaml:"interval_ms"`
}

// SNMPv3Config holds SNMPv3 USM credentials.
type SNMPv3Config struct {
	SecurityName  string `yaml:"security_name"`
	SecurityLevel string `yaml:"security_level"` // noAuthNoPriv, authNoPriv, authPriv
	AuthProtocol  string `yaml:"auth_protocol"`  // MD5, SHA, SHA256, SHA512
	AuthPassword  string `yaml:"auth_password"`
	PrivProtocol  string `yaml:"priv_protocol"` // DES, AES, AES256
	PrivPassword  string `yaml:"priv_password"`
	ContextName   string `yaml:"context_name"`
}

// SNMPOID maps an OID to a metric key.
type SNMPOID struct {
	OID    string  `yaml:"oid"`
	Metric string  `yaml:"metric"`
	Scale  float64 `yaml:"scale"` // Multiplier; 0 means 1
}

// EventLogConfig configures the protobuf event log.
type EventLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`

	// AlertsOnly skips point events.
	AlertsOnly bool `yaml:"alerts_only"`
}

// BackpressureConfig configures queue saturation monitoring.
type BackpressureConfig struct {
	// Enabled enables the monitor.
	Enabled bool `yaml:"enabled"`

	// Interval is the sampling period.
	Interval time.Duration `yaml:"interval"`

	// Thresholds defines queue usage thresholds for level changes.
	Thresholds BackpressureThresholds `yaml:"thresholds"`

	// Recovery configures recovery behavior.
	Recovery BackpressureRecovery `yaml:"recovery"`
}

// BackpressureThresholds defines queue usage thresholds.
type BackpressureThresholds struct {
	Warning   float64 `yaml:"warning"`
	Critical  float64 `yaml:"critical"`
	Emergency float64 `yaml:"emergency"`
}

// BackpressureRecovery configures recovery behavior.
type BackpressureRecovery struct {
	// Hysteresis to prevent flapping (0.0-0.5).
	Hysteresis float64 `yaml:"hysteresis"`

	// Cooldown is the minimum time between level changes.
	Cooldown time.Duration `yaml:"cooldown"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`

	// File switches output from stdout to a rotated log file.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with sensible defaults.
// Every collaborator is disabled.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			Capacity:            defaults.DefaultSeriesCapacity,
			RetentionDays:       defaults.DefaultRetentionDays,
			DownsampleMaxPoints: defaults.DefaultDownsampleMaxPoints,
			SweepInterval:       defaults.DefaultSweepInterval,
			Percentile: PercentileConfig{
				Enabled:  false,
				Accuracy: defaults.DefaultPercentileAccuracy,
			},
		},
		Events: EventsConfig{
			QueueSize: defaults.DefaultEventQueueSize,
		},
		Thresholds: ThresholdsConfig{
			DeadbandPct: defaults.DefaultDeadbandPct,
			CacheTTL:    defaults.DefaultThresholdCacheTTL,
		},
		Mirror: MirrorConfig{
			QueueSize: defaults.DefaultMirrorQueueSize,
			Workers:   defaults.DefaultMirrorWorkers,
			Timeout:   defaults.DefaultMirrorTimeout,
			Influx: InfluxConfig{
				Measurement:   "telemetry",
				BatchSize:     defaults.DefaultInfluxBatchSize,
				FlushInterval: defaults.DefaultInfluxFlushInterval,
			},
			Archive: ArchiveConfig{
				Dir:            "/var/lib/telemetry/archive",
				RotateInterval: defaults.DefaultArchiveRotateInterval,
				MaxRows:        defaults.DefaultArchiveMaxRows,
				Compression:    "zstd",
				MemoryLimit:    "1GB",
			},
		},
		MQTT: MQTTConfig{
			Broker:         defaults.DefaultMQTTBroker,
			ClientID:       defaults.DefaultMQTTClientID,
			QoS:            defaults.DefaultMQTTQoS,
			TopicPrefix:    "telemetry",
			PublishPoints:  true,
			PublishAlerts:  true,
			ConnectTimeout: defaults.DefaultMQTTConnectTimeout,
			PublishTimeout: defaults.DefaultMQTTPublishTimeout,
		},
		SNMP: SNMPConfig{
			IntervalMs: defaults.DefaultSNMPIntervalMs,
			TimeoutMs:  defaults.DefaultSNMPTimeoutMs,
			Retries:    defaults.DefaultSNMPRetries,
			Workers:    defaults.DefaultSNMPWorkers,
		},
		EventLog: EventLogConfig{
			Path: "/var/lib/telemetry/events.pb",
		},
		Backpressure: BackpressureConfig{
			Enabled:  true,
			Interval: defaults.DefaultBackpressureInterval,
			Thresholds: BackpressureThresholds{
				Warning:   defaults.DefaultBackpressureWarning,
				Critical:  defaults.DefaultBackpressureCritical,
				Emergency: defaults.DefaultBackpressureEmergency,
			},
			Recovery: BackpressureRecovery{
				Hysteresis: defaults.DefaultBackpressureHysteresis,
				Cooldown:   defaults.DefaultBackpressureCooldown,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  defaults.DefaultLogMaxSizeMB,
			MaxBackups: defaults.DefaultLogMaxBackups,
			MaxAgeDays: defaults.DefaultLogMaxAgeDays,
		},
		DrainTimeout: defaults.DefaultDrainTimeoutSec * time.Second,
	}
}

// PercentileAccuracy returns the sketch accuracy, or 0 when disabled.
func (c *EngineConfig) PercentileAccuracy() float64 {
	if !c.Percentile.Enabled {
		return 0
	}
	return c.Percentile.Accuracy
}
