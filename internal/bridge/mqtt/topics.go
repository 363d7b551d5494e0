package mqtt

import (
	"strings"

	"github.com/xtxerr/telemetry/internal/constants"
)

// Topics builds and parses bridge topics under one prefix.
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return constants.TopicPrefix
	}
	return strings.TrimSuffix(t.Prefix, "/")
}

// Points returns the topic a series' point events are published to.
func (t Topics) Points(deviceID, metricKey string) string {
	return t.prefix() + "/" + constants.TopicPoints + "/" + deviceID + "/" + metricKey
}

// Alerts returns the topic a series' alert events are published to.
func (t Topics) Alerts(deviceID, metricKey string) string {
	return t.prefix() + "/" + constants.TopicAlerts + "/" + deviceID + "/" + metricKey
}

// Ingest returns the topic adapters publish a series' raw samples to.
func (t Topics) Ingest(deviceID, metricKey string) string {
	return t.prefix() + "/" + constants.TopicIngest + "/" + deviceID + "/" + metricKey
}

// AllIngest matches every ingest topic.
func (t Topics) AllIngest() string {
	return t.prefix() + "/" + constants.TopicIngest + "/#"
}

// ParseIngest splits an ingest topic into device and metric. The device is
// the first level after the ingest segment; the metric is the rest, so
// metric keys may contain slashes.
func (t Topics) ParseIngest(topic string) (deviceID, metricKey string, ok bool) {
	rest, found := strings.CutPrefix(topic, t.prefix()+"/"+constants.TopicIngest+"/")
	if !found {
		return "", "", false
	}
	deviceID, metricKey, found = strings.Cut(rest, "/")
	if !found || deviceID == "" || metricKey == "" {
		return "", "", false
	}
	return deviceID, metricKey, true
}
