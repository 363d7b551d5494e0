package types

// Device is the metadata the threshold resolver needs to apply room and
// group overrides.
type Device struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name,omitempty" yaml:"name"`
	Group string `json:"group,omitempty" yaml:"group"`
	Room  string `json:"room,omitempty" yaml:"room"`
}

// MetricDefinition describes a metric of the catalog.
type MetricDefinition struct {
	Key       string    `json:"key" yaml:"key"`
	Unit      string    `json:"unit,omitempty" yaml:"unit"`
	Threshold Threshold `json:"threshold" yaml:"-"`
}
