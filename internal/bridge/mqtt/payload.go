package mqtt

import (
	"bytes"
	"encoding/json"
	"math"

	"github.com/xtxerr/telemetry/internal/engine/types"
	telerrors "github.com/xtxerr/telemetry/internal/errors"
)

var errMissingValue = telerrors.NewMissingField("value")

// eventPayload is the JSON body of point and alert messages. Non-finite
// values are encoded as null.
type eventPayload struct {
	DeviceID  string      `json:"deviceId"`
	MetricKey string      `json:"metricKey"`
	Ts        int64       `json:"ts"`
	Value     *float64    `json:"value"`
	Level     types.Level `json:"level"`
}

func encodeEvent(ev types.PointEvent) ([]byte, error) {
	p := eventPayload{
		DeviceID:  ev.DeviceID,
		MetricKey: ev.MetricKey,
		Ts:        ev.Ts,
		Level:     ev.Level,
	}
	if !math.IsNaN(ev.Value) && !math.IsInf(ev.Value, 0) {
		v := ev.Value
		p.Value = &v
	}
	return json.Marshal(p)
}

// decodeIngest reads a raw sample. The payload is either a bare JSON
// scalar (the value, stamped now) or an object with "value" and an
// optional "ts". Anything that is not JSON is taken as a string value.
// An object without "value" is rejected.
func decodeIngest(payload []byte) (rawTs, rawValue any, err error) {
	trimmed := bytes.TrimSpace(payload)

	var v any
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, string(trimmed), nil
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return nil, number(v), nil
	}
	value, ok := obj["value"]
	if !ok {
		return nil, nil, errMissingValue
	}
	rawTs = obj["ts"]
	if rawTs == nil {
		rawTs = obj["timestamp"]
	}
	return number(rawTs), number(value), nil
}

// number converts json.Number to int64 where possible so millisecond
// timestamps keep their precision through coercion.
func number(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}
