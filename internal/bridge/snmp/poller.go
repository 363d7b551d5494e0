// Package snmp polls SNMP agents and feeds the readings to the engine.
//
// Each configured target is one scheduled job. A poll fetches every OID
// of the target in as few GET requests as the agent allows, scales the
// values and calls AddPoint with the poll start time as timestamp.
package snmp

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/xtxerr/telemetry/internal/engine/config"
	"github.com/xtxerr/telemetry/internal/engine/types"
	telerrors "github.com/xtxerr/telemetry/internal/errors"
	"github.com/xtxerr/telemetry/internal/logging"
	"github.com/xtxerr/telemetry/internal/scheduler"
)

var log = logging.Component("snmp")

// Ingestor receives polled samples.
type Ingestor interface {
	AddPoint(deviceID, metricKey string, ts int64, value float64) types.PointEvent
}

type metricRef struct {
	metric string
	scale  float64
}

type target struct {
	cfg      config.SNMPTarget
	interval time.Duration
	oids     []string
	metrics  map[string]metricRef // normalized OID -> metric
}

// Poller polls all configured targets on their intervals.
type Poller struct {
	targets map[string]*target
	engine  Ingestor
	dial    Dialer
	now     func() time.Time
	timeout time.Duration
	retries int

	sched   *scheduler.Scheduler
	running atomic.Bool

	polls    atomic.Int64
	failures atomic.Int64
	samples  atomic.Int64
	missing  atomic.Int64
}

// Option configures a Poller.
type Option func(*Poller)

// WithDialer replaces the gosnmp dialer.
func WithDialer(d Dialer) Option {
	return func(p *Poller) { p.dial = d }
}

// WithClock sets the clock used to timestamp samples.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// New creates a poller for cfg. It returns ErrDisabled when SNMP is off.
func New(cfg config.SNMPConfig, engine Ingestor, opts ...Option) (*Poller, error) {
	if !cfg.Enabled {
		return nil, telerrors.ErrDisabled
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Poller{
		targets: make(map[string]*target, len(cfg.Targets)),
		engine:  engine,
		dial:    Dial,
		now:     time.Now,
		timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond,
		retries: cfg.Retries,
	}
	for _, opt := range opts {
		opt(p)
	}

	for _, tc := range cfg.Targets {
		key := targetKey(tc)
		if _, dup := p.targets[key]; dup {
			return nil, telerrors.NewInvalidValue("snmp target", key, "duplicate")
		}

		intervalMs := tc.IntervalMs
		if intervalMs == 0 {
			intervalMs = cfg.IntervalMs
		}
		t := &target{
			cfg:      tc,
			interval: time.Duration(intervalMs) * time.Millisecond,
			metrics:  make(map[string]metricRef, len(tc.OIDs)),
		}
		for _, o := range tc.OIDs {
			oid := normalizeOID(o.OID)
			scale := o.Scale
			if scale == 0 {
				scale = 1
			}
			if _, dup := t.metrics[oid]; !dup {
				t.oids = append(t.oids, oid)
			}
			t.metrics[oid] = metricRef{metric: o.Metric, scale: scale}
		}
		p.targets[key] = t
	}

	p.sched = scheduler.New(&scheduler.Config{
		Workers:     cfg.Workers,
		PollTimeout: p.pollTimeout(),
	}, p.Poll)

	return p, nil
}

// pollTimeout covers every retry of every request of the largest target.
func (p *Poller) pollTimeout() time.Duration {
	requests := 1
	for _, t := range p.targets {
		requests = max(requests, (len(t.oids)+gosnmp.MaxOids-1)/gosnmp.MaxOids)
	}
	return p.timeout * time.Duration((p.retries+1)*requests+1)
}

func targetKey(t config.SNMPTarget) string {
	return t.DeviceID + "@" + t.Host
}

func normalizeOID(oid string) string {
	return strings.TrimPrefix(strings.TrimSpace(oid), ".")
}

// Start schedules every target.
func (p *Poller) Start() error {
	if !p.running.CompareAndSwap(false, true) {
		return telerrors.ErrAlreadyRunning
	}

	p.sched.Start()
	for key, t := range p.targets {
		p.sched.Add(key, t.interval)
	}

	log.Info("snmp poller started", "targets", len(p.targets))
	return nil
}

// Stop stops polling and waits for in-flight polls until ctx is done.
func (p *Poller) Stop(ctx context.Context) {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.sched.StopWithContext(ctx)

	log.Info("snmp poller stopped",
		"polls", p.polls.Load(),
		"failures", p.failures.Load(),
		"samples", p.samples.Load())
}

// Poll polls one target by key and ingests what it reads.
func (p *Poller) Poll(ctx context.Context, key string) error {
	t, ok := p.targets[key]
	if !ok {
		return fmt.Errorf("snmp target %s: %w", key, telerrors.ErrNotFound)
	}

	p.polls.Add(1)
	if err := p.poll(ctx, t); err != nil {
		p.failures.Add(1)
		if telerrors.IsTransient(err) {
			log.Debug("poll failed", "target", key, "error", err)
		} else {
			log.Warn("poll failed", "target", key, "error", err)
		}
		return err
	}
	return nil
}

func (p *Poller) poll(ctx context.Context, t *target) error {
	ts := p.now().UnixMilli()

	if err := ctx.Err(); err != nil {
		return err
	}

	session, err := p.dial(t.cfg, p.timeout, p.retries)
	if err != nil {
		return fmt.Errorf("connect %s: %w: %w", t.cfg.Host, telerrors.ErrConnectionFailed, err)
	}
	defer session.Close()

	for start := 0; start < len(t.oids); start += gosnmp.MaxOids {
		if err := ctx.Err(); err != nil {
			return err
		}

		chunk := t.oids[start:min(start+gosnmp.MaxOids, len(t.oids))]
		packet, err := session.Get(chunk)
		if err != nil {
			if isTimeout(err) {
				return fmt.Errorf("get %s: %w: %w", t.cfg.Host, telerrors.ErrTimeout, err)
			}
			return fmt.Errorf("get %s: %w", t.cfg.Host, err)
		}
		if packet.Error != gosnmp.NoError {
			return fmt.Errorf("get %s: agent error %v at index %d", t.cfg.Host, packet.Error, packet.ErrorIndex)
		}

		for _, v := range packet.Variables {
			ref, ok := t.metrics[normalizeOID(v.Name)]
			if !ok {
				continue
			}
			value, ok := toFloat(v)
			if !ok {
				p.missing.Add(1)
				log.Debug("oid without value", "target", t.cfg.Host, "oid", v.Name, "type", v.Type)
				continue
			}
			p.engine.AddPoint(t.cfg.DeviceID, ref.metric, ts, value*ref.scale)
			p.samples.Add(1)
		}
	}
	return nil
}

// toFloat converts a variable to a sample value. Missing objects and
// unsupported types report false. Octet strings are parsed as numbers and
// read as NaN when they are not numeric.
func toFloat(v gosnmp.SnmpPDU) (float64, bool) {
	switch v.Type {
	case gosnmp.Counter32, gosnmp.Counter64, gosnmp.Gauge32, gosnmp.Uinteger32:
		return float64(gosnmp.ToBigInt(v.Value).Uint64()), true
	case gosnmp.Integer:
		n, ok := v.Value.(int)
		return float64(n), ok
	case gosnmp.TimeTicks:
		n, ok := v.Value.(uint32)
		return float64(n), ok
	case gosnmp.OpaqueFloat:
		f, ok := v.Value.(float32)
		return float64(f), ok
	case gosnmp.OpaqueDouble:
		f, ok := v.Value.(float64)
		return f, ok
	case gosnmp.OctetString:
		b, ok := v.Value.([]byte)
		if !ok {
			return math.NaN(), true
		}
		return types.CoerceValue(string(b)), true
	default:
		return 0, false
	}
}

func isTimeout(err error) bool {
	return strings.Contains(err.Error(), "timeout") ||
		telerrors.Is(err, context.DeadlineExceeded)
}

// Stats returns poller statistics.
func (p *Poller) Stats() Stats {
	return Stats{
		Targets:   len(p.targets),
		Polls:     p.polls.Load(),
		Failures:  p.failures.Load(),
		Samples:   p.samples.Load(),
		Missing:   p.missing.Load(),
		Scheduler: p.sched.Stats(),
	}
}

// Stats holds poller statistics.
type Stats struct {
	Targets   int
	Polls     int64
	Failures  int64
	Samples   int64
	Missing   int64 // Variables with no readable value
	Scheduler scheduler.Stats
}
