// Package constants provides centralized domain-specific constants
// for the entire telemetry application.
package constants

// =============================================================================
// Alert Levels - Published per-series alert state
// =============================================================================

const (
	// LevelOK indicates the value is within all thresholds
	LevelOK = "ok"

	// LevelWarn indicates the warning threshold was crossed
	LevelWarn = "warn"

	// LevelCrit indicates the critical threshold was crossed
	LevelCrit = "crit"
)

// ValidLevels contains all valid alert level values
var ValidLevels = []string{LevelOK, LevelWarn, LevelCrit}

// =============================================================================
// Threshold Directions
// =============================================================================

const (
	// DirectionAbove alerts when the value rises to or above a threshold
	DirectionAbove = "above"

	// DirectionBelow alerts when the value falls to or below a threshold
	DirectionBelow = "below"
)

// ValidDirections contains all valid threshold direction values
var ValidDirections = []string{DirectionAbove, DirectionBelow}

// IsValidDirection checks if a direction is valid.
// The empty string is accepted and means DirectionAbove.
func IsValidDirection(d string) bool {
	if d == "" {
		return true
	}
	for _, v := range ValidDirections {
		if v == d {
			return true
		}
	}
	return false
}

// =============================================================================
// Event Kinds
// =============================================================================

const (
	// EventKindPoint is emitted for every ingested sample
	EventKindPoint = "point"

	// EventKindAlert is emitted when a sample evaluates to warn or crit
	EventKindAlert = "alert"
)

// =============================================================================
// Threshold Sources - Where an effective threshold came from
// =============================================================================

const (
	SourceMetric = "metric"
	SourceGlobal = "global"
	SourceGroup  = "group"
	SourceRoom   = "room"
	SourceDevice = "device"
)

// =============================================================================
// MQTT Topics
// =============================================================================

const (
	// TopicPrefix is the root of all telemetry topics
	TopicPrefix = "telemetry"

	// TopicPoints is the segment under which point events are published
	TopicPoints = "points"

	// TopicAlerts is the segment under which alert events are published
	TopicAlerts = "alerts"

	// TopicIngest is the segment adapters publish raw samples to
	TopicIngest = "ingest"
)
