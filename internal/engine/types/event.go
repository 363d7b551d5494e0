package types

import "github.com/xtxerr/telemetry/internal/constants"

// EventKind distinguishes point events from alert events.
type EventKind string

const (
	EventPoint EventKind = constants.EventKindPoint
	EventAlert EventKind = constants.EventKindAlert
)

// PointEvent is the payload returned by AddPoint and carried by every event.
type PointEvent struct {
	DeviceID  string  `json:"deviceId"`
	MetricKey string  `json:"metricKey"`
	Ts        int64   `json:"ts"`
	Value     float64 `json:"value"`
	Level     Level   `json:"level"`
}

// Key returns the series key of the event.
func (e PointEvent) Key() SeriesKey {
	return SeriesKey{DeviceID: e.DeviceID, MetricKey: e.MetricKey}
}

// Event is a published notification.
type Event struct {
	Kind EventKind
	PointEvent
}
