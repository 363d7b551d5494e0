package snmp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/xtxerr/telemetry/internal/engine/config"
	"github.com/xtxerr/telemetry/internal/engine/types"
	telerrors "github.com/xtxerr/telemetry/internal/errors"
	testutil "github.com/xtxerr/telemetry/internal/testing"
)

type sample struct {
	device, metric string
	ts             int64
	value          float64
}

type recordingIngestor struct {
	mu      sync.Mutex
	samples []sample
}

func (r *recordingIngestor) AddPoint(deviceID, metricKey string, ts int64, value float64) types.PointEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, sample{deviceID, metricKey, ts, value})
	return types.PointEvent{DeviceID: deviceID, MetricKey: metricKey, Ts: ts, Value: value}
}

func (r *recordingIngestor) byMetric() map[string]sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]sample, len(r.samples))
	for _, s := range r.samples {
		out[s.metric] = s
	}
	return out
}

func (r *recordingIngestor) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples)
}

// fakeSession answers GETs from a variable table.
type fakeSession struct {
	mu       sync.Mutex
	vars     map[string]gosnmp.SnmpPDU
	getErr   error
	agentErr gosnmp.SNMPError
	gets     int
	closed   bool
}

func (f *fakeSession) Get(oids []string) (*gosnmp.SnmpPacket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.getErr != nil {
		return nil, f.getErr
	}
	packet := &gosnmp.SnmpPacket{Error: f.agentErr}
	for _, oid := range oids {
		v, ok := f.vars[oid]
		if !ok {
			v = gosnmp.SnmpPDU{Type: gosnmp.NoSuchObject}
		}
		v.Name = "." + oid
		packet.Variables = append(packet.Variables, v)
	}
	return packet, nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func dialer(s *fakeSession) Dialer {
	return func(config.SNMPTarget, time.Duration, int) (Session, error) {
		return s, nil
	}
}

func testConfig(oids ...config.SNMPOID) config.SNMPConfig {
	return config.SNMPConfig{
		Enabled:    true,
		IntervalMs: 1000,
		TimeoutMs:  100,
		Retries:    1,
		Workers:    2,
		Targets: []config.SNMPTarget{{
			DeviceID:  "press-01",
			Host:      "10.0.0.1",
			Community: "public",
			OIDs:      oids,
		}},
	}
}

var testTime = time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)

func fixedClock() time.Time { return testTime }

func TestPoll_Conversions(t *testing.T) {
	session := &fakeSession{vars: map[string]gosnmp.SnmpPDU{
		"1.3.6.1.2.1.1.3.0":      {Type: gosnmp.TimeTicks, Value: uint32(12345)},
		"1.3.6.1.4.1.100.1":      {Type: gosnmp.Integer, Value: 215},
		"1.3.6.1.4.1.100.2":      {Type: gosnmp.Counter64, Value: uint64(1 << 40)},
		"1.3.6.1.4.1.100.3":      {Type: gosnmp.Gauge32, Value: uint(77)},
		"1.3.6.1.4.1.100.4":      {Type: gosnmp.OctetString, Value: []byte(" 48.5 ")},
		"1.3.6.1.4.1.100.5":      {Type: gosnmp.OctetString, Value: []byte("running")},
		"1.3.6.1.4.1.100.6":      {Type: gosnmp.OpaqueFloat, Value: float32(1.5)},
		"1.3.6.1.4.1.100.7":      {Type: gosnmp.NoSuchInstance},
		"1.3.6.1.2.1.2.2.1.10.1": {Type: gosnmp.Counter32, Value: uint(900)},
	}}
	ingest := &recordingIngestor{}

	p, err := New(testConfig(
		config.SNMPOID{OID: ".1.3.6.1.2.1.1.3.0", Metric: "uptime", Scale: 0.01},
		config.SNMPOID{OID: "1.3.6.1.4.1.100.1", Metric: "temp", Scale: 0.1},
		config.SNMPOID{OID: "1.3.6.1.4.1.100.2", Metric: "energy"},
		config.SNMPOID{OID: "1.3.6.1.4.1.100.3", Metric: "load"},
		config.SNMPOID{OID: "1.3.6.1.4.1.100.4", Metric: "hum"},
		config.SNMPOID{OID: "1.3.6.1.4.1.100.5", Metric: "state"},
		config.SNMPOID{OID: "1.3.6.1.4.1.100.6", Metric: "pressure"},
		config.SNMPOID{OID: "1.3.6.1.4.1.100.7", Metric: "gone"},
		config.SNMPOID{OID: "1.3.6.1.2.1.2.2.1.10.1", Metric: "if_in_octets"},
	), ingest, WithDialer(dialer(session)), WithClock(fixedClock))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := p.Poll(t.Context(), "press-01@10.0.0.1"); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	got := ingest.byMetric()
	tests := []struct {
		metric string
		want   float64
	}{
		{"uptime", 123.45},
		{"temp", 21.5},
		{"energy", float64(1 << 40)},
		{"load", 77},
		{"hum", 48.5},
		{"pressure", 1.5},
		{"if_in_octets", 900},
	}
	for _, tt := range tests {
		s, ok := got[tt.metric]
		if !ok {
			t.Errorf("%s: no sample", tt.metric)
			continue
		}
		if math.Abs(s.value-tt.want) > 1e-9 {
			t.Errorf("%s: value %v, want %v", tt.metric, s.value, tt.want)
		}
		if s.device != "press-01" || s.ts != testTime.UnixMilli() {
			t.Errorf("%s: unexpected sample %+v", tt.metric, s)
		}
	}

	if s, ok := got["state"]; !ok || !math.IsNaN(s.value) {
		t.Errorf("non-numeric string should be ingested as NaN, got %+v", s)
	}
	if _, ok := got["gone"]; ok {
		t.Error("missing instance should not be ingested")
	}

	stats := p.Stats()
	if stats.Samples != 8 || stats.Missing != 1 || stats.Polls != 1 || stats.Failures != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if !session.closed {
		t.Error("session should be closed after poll")
	}
}

func TestPoll_Chunking(t *testing.T) {
	const n = 2*gosnmp.MaxOids + 10

	session := &fakeSession{vars: make(map[string]gosnmp.SnmpPDU)}
	var oids []config.SNMPOID
	for i := 0; i < n; i++ {
		oid := fmt.Sprintf("1.3.6.1.4.1.200.%d", i)
		session.vars[oid] = gosnmp.SnmpPDU{Type: gosnmp.Integer, Value: i}
		oids = append(oids, config.SNMPOID{OID: oid, Metric: fmt.Sprintf("m%d", i)})
	}
	ingest := &recordingIngestor{}

	p, err := New(testConfig(oids...), ingest, WithDialer(dialer(session)), WithClock(fixedClock))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Poll(t.Context(), "press-01@10.0.0.1"); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	if session.gets != 3 {
		t.Errorf("expected 3 GET requests, got %d", session.gets)
	}
	if ingest.len() != n {
		t.Errorf("expected %d samples, got %d", n, ingest.len())
	}
}

func TestPoll_Failures(t *testing.T) {
	oid := config.SNMPOID{OID: "1.3.6.1.4.1.100.1", Metric: "temp"}

	tests := []struct {
		name      string
		dial      Dialer
		transient bool
	}{
		{
			name: "connect",
			dial: func(config.SNMPTarget, time.Duration, int) (Session, error) {
				return nil, errors.New("no route to host")
			},
			transient: true,
		},
		{
			name:      "timeout",
			dial:      dialer(&fakeSession{getErr: errors.New("request timeout (after 1 retries)")}),
			transient: true,
		},
		{
			name:      "agent error",
			dial:      dialer(&fakeSession{agentErr: gosnmp.GenErr}),
			transient: false,
		},
	}

	for _, tt := range tests {
		ingest := &recordingIngestor{}
		p, err := New(testConfig(oid), ingest, WithDialer(tt.dial))
		if err != nil {
			t.Fatalf("%s: New: %v", tt.name, err)
		}

		err = p.Poll(t.Context(), "press-01@10.0.0.1")
		if err == nil {
			t.Errorf("%s: expected error", tt.name)
			continue
		}
		if telerrors.IsTransient(err) != tt.transient {
			t.Errorf("%s: IsTransient(%v) = %v, want %v", tt.name, err, !tt.transient, tt.transient)
		}
		if ingest.len() != 0 {
			t.Errorf("%s: expected no samples, got %d", tt.name, ingest.len())
		}
		if p.Stats().Failures != 1 {
			t.Errorf("%s: expected 1 failure, got %d", tt.name, p.Stats().Failures)
		}
	}
}

func TestPoll_UnknownTargetAndCanceled(t *testing.T) {
	session := &fakeSession{}
	p, err := New(testConfig(config.SNMPOID{OID: "1.3.6.1.4.1.100.1", Metric: "temp"}),
		&recordingIngestor{}, WithDialer(dialer(session)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := p.Poll(t.Context(), "nope"); !telerrors.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if err := p.Poll(ctx, "press-01@10.0.0.1"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if session.gets != 0 {
		t.Errorf("canceled poll should not reach the agent, got %d gets", session.gets)
	}
}

func TestNew(t *testing.T) {
	oid := config.SNMPOID{OID: "1.3.6.1.4.1.100.1", Metric: "temp"}

	if _, err := New(config.SNMPConfig{}, &recordingIngestor{}); !telerrors.Is(err, telerrors.ErrDisabled) {
		t.Errorf("expected ErrDisabled, got %v", err)
	}

	invalid := testConfig(oid)
	invalid.Targets[0].Community = ""
	if _, err := New(invalid, &recordingIngestor{}); err == nil {
		t.Error("expected validation error for missing community")
	}

	dup := testConfig(oid)
	dup.Targets = append(dup.Targets, dup.Targets[0])
	if _, err := New(dup, &recordingIngestor{}); err == nil {
		t.Error("expected error for duplicate target")
	}

	override := testConfig(oid)
	override.Targets[0].IntervalMs = 250
	p, err := New(override, &recordingIngestor{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := p.targets["press-01@10.0.0.1"].interval; got != 250*time.Millisecond {
		t.Errorf("interval = %v, want 250ms", got)
	}
}

func TestPoller_StartStop(t *testing.T) {
	session := &fakeSession{vars: map[string]gosnmp.SnmpPDU{
		"1.3.6.1.4.1.100.1":      {Type: gosnmp.Integer, Value: 20},
	}}
	ingest := &recordingIngestor{}

	cfg := testConfig(config.SNMPOID{OID: "1.3.6.1.4.1.100.1", Metric: "temp"})
	cfg.IntervalMs = 20
	p, err := New(cfg, ingest, WithDialer(dialer(session)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Start(); !telerrors.Is(err, telerrors.ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}

	if err := testutil.Eventually(2*time.Second, 10*time.Millisecond, func() bool {
		return ingest.len() >= 2
	}); err != nil {
		t.Fatalf("expected repeated polls, got %d samples", ingest.len())
	}

	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	p.Stop(ctx)
	p.Stop(ctx)

	n := ingest.len()
	time.Sleep(60 * time.Millisecond)
	if ingest.len() != n {
		t.Errorf("polls continued after Stop: %d -> %d", n, ingest.len())
	}
}
