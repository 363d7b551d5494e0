package wire

import (
	"bytes"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xtxerr/telemetry/internal/engine/config"
	"github.com/xtxerr/telemetry/internal/engine/events"
	"github.com/xtxerr/telemetry/internal/engine/types"
	telerrors "github.com/xtxerr/telemetry/internal/errors"
)

func event(kind types.EventKind, ts int64, value float64, level types.Level) types.Event {
	return types.Event{
		Kind: kind,
		PointEvent: types.PointEvent{
			DeviceID:  "press-01",
			MetricKey: "temp",
			Ts:        ts,
			Value:     value,
			Level:     level,
		},
	}
}

func TestReadWriteEvents(t *testing.T) {
	in := []types.Event{
		event(types.EventPoint, 1_700_000_000_123, 21.5, types.LevelOK),
		event(types.EventAlert, 1_700_000_001_000, 95, types.LevelCrit),
		event(types.EventPoint, 1_700_000_002_000, math.Inf(1), types.LevelWarn),
	}

	var buf bytes.Buffer
	w := NewWriter(&buf)
	for _, ev := range in {
		if err := w.WriteEvent(ev); err != nil {
			t.Fatalf("WriteEvent: %v", err)
		}
	}

	r := NewReader(&buf)
	for i, want := range in {
		got, err := r.ReadEvent()
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if got != want {
			t.Errorf("record %d: got %+v, want %+v", i, got, want)
		}
	}
	if _, err := r.ReadEvent(); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestNaNSurvivesEncoding(t *testing.T) {
	var buf bytes.Buffer
	if err := NewWriter(&buf).WriteEvent(event(types.EventPoint, 1000, math.NaN(), types.LevelOK)); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	got, err := NewReader(&buf).ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent: %v", err)
	}
	if !math.IsNaN(got.Value) {
		t.Errorf("expected NaN, got %v", got.Value)
	}
}

func TestDecodeEvent_Invalid(t *testing.T) {
	valid := EncodeEvent(event(types.EventAlert, 1000, 1, types.LevelWarn))

	for _, field := range []string{FieldKind, FieldDeviceID, FieldMetricKey, FieldTs, FieldValue, FieldLevel} {
		rec := &structpb.Struct{Fields: make(map[string]*structpb.Value)}
		for k, v := range valid.Fields {
			if k != field {
				rec.Fields[k] = v
			}
		}
		if _, err := DecodeEvent(rec); !telerrors.Is(err, telerrors.ErrMissingField) {
			t.Errorf("without %s: expected ErrMissingField, got %v", field, err)
		}
	}

	valid.Fields[FieldLevel] = structpb.NewStringValue("bogus")
	if _, err := DecodeEvent(valid); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestReader_MaxSize(t *testing.T) {
	big := &structpb.Struct{Fields: map[string]*structpb.Value{
		"blob": structpb.NewStringValue(string(make([]byte, 128*1024))),
	}}

	var buf bytes.Buffer
	if _, err := protodelim.MarshalTo(&buf, big); err != nil {
		t.Fatalf("MarshalTo: %v", err)
	}
	if _, err := NewReader(&buf).Read(); err == nil {
		t.Error("expected error for oversized record")
	}
}

func TestEventLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "events.pb")
	bus := events.New(16)
	defer bus.Close()

	l, err := OpenEventLog(config.EventLogConfig{Enabled: true, Path: path})
	if err != nil {
		t.Fatalf("OpenEventLog: %v", err)
	}
	if err := l.Start(t.Context(), bus); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := l.Start(t.Context(), bus); !telerrors.Is(err, telerrors.ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}

	bus.Publish(event(types.EventPoint, 1000, 10, types.LevelOK))
	bus.Publish(event(types.EventPoint, 2000, 90, types.LevelCrit))
	bus.Publish(event(types.EventAlert, 2000, 90, types.LevelCrit))

	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	var got []types.Event
	if err := ReadEventLog(path, func(ev types.Event) error {
		got = append(got, ev)
		return nil
	}); err != nil {
		t.Fatalf("ReadEventLog: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	if got[2].Kind != types.EventAlert || got[2].Level != types.LevelCrit {
		t.Errorf("unexpected last event %+v", got[2])
	}
	if l.Stats().Written != 3 {
		t.Errorf("expected 3 written, got %d", l.Stats().Written)
	}
}

func TestEventLog_AlertsOnlyAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.pb")
	cfg := config.EventLogConfig{Enabled: true, Path: path, AlertsOnly: true}

	for run := 0; run < 2; run++ {
		bus := events.New(16)
		l, err := OpenEventLog(cfg)
		if err != nil {
			t.Fatalf("run %d: OpenEventLog: %v", run, err)
		}
		if err := l.Start(t.Context(), bus); err != nil {
			t.Fatalf("run %d: Start: %v", run, err)
		}
		bus.Publish(event(types.EventPoint, 1000, 60, types.LevelWarn))
		bus.Publish(event(types.EventAlert, 1000, 60, types.LevelWarn))
		if err := l.Close(); err != nil {
			t.Fatalf("run %d: Close: %v", run, err)
		}
		bus.Close()
	}

	count := 0
	if err := ReadEventLog(path, func(ev types.Event) error {
		if ev.Kind != types.EventAlert {
			t.Errorf("unexpected %s event in alerts-only log", ev.Kind)
		}
		count++
		return nil
	}); err != nil {
		t.Fatalf("ReadEventLog: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 alerts across both runs, got %d", count)
	}
}

func TestEventLog_TruncatedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.pb")

	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.WriteEvent(event(types.EventPoint, 1000, 1, types.LevelOK))
	w.WriteEvent(event(types.EventPoint, 2000, 2, types.LevelOK))
	data := buf.Bytes()[:buf.Len()-3]
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	count := 0
	err := ReadEventLog(path, func(types.Event) error { count++; return nil })
	if err == nil {
		t.Error("expected error for truncated record")
	}
	if count != 1 {
		t.Errorf("expected 1 complete record before the error, got %d", count)
	}
}

func TestOpenEventLog_Disabled(t *testing.T) {
	if _, err := OpenEventLog(config.EventLogConfig{}); !telerrors.Is(err, telerrors.ErrDisabled) {
		t.Errorf("expected ErrDisabled, got %v", err)
	}
	if _, err := OpenEventLog(config.EventLogConfig{Enabled: true}); !telerrors.Is(err, telerrors.ErrMissingField) {
		t.Errorf("expected ErrMissingField, got %v", err)
	}
}

func TestEventLog_PeriodicFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.pb")
	bus := events.New(16)
	defer bus.Close()

	l, err := OpenEventLog(config.EventLogConfig{Enabled: true, Path: path})
	if err != nil {
		t.Fatalf("OpenEventLog: %v", err)
	}
	defer l.Close()
	if err := l.Start(t.Context(), bus); err != nil {
		t.Fatalf("Start: %v", err)
	}

	bus.Publish(event(types.EventPoint, 1000, 1, types.LevelOK))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if info, err := os.Stat(path); err == nil && info.Size() > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("event was not flushed while running")
}
