// Package engine is the in-memory telemetry time-series engine.
//
// The Engine keeps one Series per (device, metric) pair. Each series owns a
// bounded ring buffer of raw samples, hourly and daily rollups, and an alert
// hysteresis state. Writes to one series are serialized; distinct series
// are written in parallel.
//
// Ingestion never fails: malformed values are coerced (NaN when they cannot
// be), out-of-order timestamps are clamped, and failures of collaborators
// (threshold resolver, mirror) are contained and counted.
//
// Collaborators:
//
//	alert.ThresholdResolver  effective thresholds per device
//	alert.DeviceDirectory    device metadata for the resolver
//	UnitCatalog              metric units for KPIs
//	Mirror                   non-blocking long-term storage enqueue
//
// Subscribers receive point and alert events from the event bus; publishing
// never blocks ingestion.
package engine
