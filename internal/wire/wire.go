// Package wire provides protobuf framing for the event log.
//
// Each record is a google.protobuf.Struct, length-delimited with
// protobuf's standard varint prefix, so a log can be streamed and
// appended to without an index.
package wire

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"

	defaults "github.com/xtxerr/telemetry/config"
	"github.com/xtxerr/telemetry/internal/engine/types"
	telerrors "github.com/xtxerr/telemetry/internal/errors"
)

// Record field names.
const (
	FieldKind      = "kind"
	FieldDeviceID  = "deviceId"
	FieldMetricKey = "metricKey"
	FieldTs        = "ts"
	FieldValue     = "value"
	FieldLevel     = "level"
)

// Reader reads length-delimited records from an io.Reader.
// It is safe for concurrent use.
type Reader struct {
	r  *bufio.Reader
	mu sync.Mutex
}

// NewReader creates a Reader wrapping the given io.Reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Read reads the next record. It returns io.EOF at a clean end of input.
func (r *Reader) Read() (*structpb.Struct, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := &structpb.Struct{}
	opts := protodelim.UnmarshalOptions{
		MaxSize: defaults.DefaultMaxEventSize,
	}
	if err := opts.UnmarshalFrom(r.r, rec); err != nil {
		if telerrors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read record: %w", err)
	}
	return rec, nil
}

// ReadEvent reads the next record as an event.
func (r *Reader) ReadEvent() (types.Event, error) {
	rec, err := r.Read()
	if err != nil {
		return types.Event{}, err
	}
	return DecodeEvent(rec)
}

// Writer writes length-delimited records to an io.Writer.
// It is safe for concurrent use.
type Writer struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriter creates a Writer wrapping the given io.Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write marshals and writes a record with length prefix.
func (w *Writer) Write(rec *structpb.Struct) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := protodelim.MarshalTo(w.w, rec); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// WriteEvent encodes and writes ev.
func (w *Writer) WriteEvent(ev types.Event) error {
	return w.Write(EncodeEvent(ev))
}

// =============================================================================
// Event Encoding
// =============================================================================

// EncodeEvent converts an event to a record. Non-finite values are kept;
// the binary encoding carries them unchanged.
func EncodeEvent(ev types.Event) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		FieldKind:      structpb.NewStringValue(string(ev.Kind)),
		FieldDeviceID:  structpb.NewStringValue(ev.DeviceID),
		FieldMetricKey: structpb.NewStringValue(ev.MetricKey),
		FieldTs:        structpb.NewNumberValue(float64(ev.Ts)),
		FieldValue:     structpb.NewNumberValue(ev.Value),
		FieldLevel:     structpb.NewStringValue(ev.Level.String()),
	}}
}

// DecodeEvent converts a record back to an event.
func DecodeEvent(rec *structpb.Struct) (types.Event, error) {
	fields := rec.GetFields()

	str := func(name string) (string, error) {
		v, ok := fields[name]
		if !ok {
			return "", telerrors.NewMissingField(name)
		}
		return v.GetStringValue(), nil
	}
	num := func(name string) (float64, error) {
		v, ok := fields[name]
		if !ok {
			return 0, telerrors.NewMissingField(name)
		}
		return v.GetNumberValue(), nil
	}

	var ev types.Event
	kind, err := str(FieldKind)
	if err != nil {
		return ev, err
	}
	ev.Kind = types.EventKind(kind)
	if ev.DeviceID, err = str(FieldDeviceID); err != nil {
		return ev, err
	}
	if ev.MetricKey, err = str(FieldMetricKey); err != nil {
		return ev, err
	}
	ts, err := num(FieldTs)
	if err != nil {
		return ev, err
	}
	ev.Ts = int64(ts)
	if ev.Value, err = num(FieldValue); err != nil {
		return ev, err
	}
	level, err := str(FieldLevel)
	if err != nil {
		return ev, err
	}
	if ev.Level, err = types.ParseLevel(level); err != nil {
		return ev, err
	}
	return ev, nil
}
