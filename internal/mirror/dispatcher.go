// Package mirror copies ingested samples to long-term storage sinks on a
// best-effort basis.
//
// The engine hands samples to a Dispatcher, which never blocks: when the
// queue is full the sample is dropped and counted. Workers write each
// sample to every sink with a per-call timeout. Failed writes are logged
// at debug level and counted, never retried.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	defaults "github.com/xtxerr/telemetry/config"
	"github.com/xtxerr/telemetry/internal/engine/config"
	telerrors "github.com/xtxerr/telemetry/internal/errors"
	"github.com/xtxerr/telemetry/internal/logging"
)

var log = logging.Component("mirror")

// Sample is one mirrored sample.
type Sample struct {
	DeviceID  string
	MetricKey string
	Ts        int64 // Unix milliseconds
	Value     float64
}

// Time returns the sample timestamp.
func (s Sample) Time() time.Time {
	return time.UnixMilli(s.Ts)
}

// Sink is a long-term storage target.
type Sink interface {
	// Name identifies the sink in logs and statistics.
	Name() string

	// Write stores one sample. It must honor ctx.
	Write(ctx context.Context, s Sample) error

	// Close flushes and releases the sink.
	Close() error
}

// Dispatcher queues samples and fans them out to sinks.
type Dispatcher struct {
	queue   chan Sample
	sinks   []*sinkState
	timeout time.Duration
	workers int

	// State
	started  atomic.Bool
	closed   atomic.Bool
	shutdown chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// Statistics
	enqueued   atomic.Int64
	dropped    atomic.Int64
	dispatched atomic.Int64
}

type sinkState struct {
	sink    Sink
	written atomic.Int64
	failed  atomic.Int64
}

// New creates a dispatcher. Zero values in cfg use defaults.
func New(cfg config.MirrorConfig, sinks ...Sink) *Dispatcher {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaults.DefaultMirrorQueueSize
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaults.DefaultMirrorWorkers
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaults.DefaultMirrorTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		queue:    make(chan Sample, queueSize),
		timeout:  timeout,
		workers:  workers,
		shutdown: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, s := range sinks {
		d.sinks = append(d.sinks, &sinkState{sink: s})
	}
	return d
}

// Start launches the workers.
func (d *Dispatcher) Start() error {
	if d.closed.Load() {
		return fmt.Errorf("mirror: %w", telerrors.ErrClosed)
	}
	if !d.started.CompareAndSwap(false, true) {
		return fmt.Errorf("mirror: %w", telerrors.ErrAlreadyRunning)
	}

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}

	names := make([]string, 0, len(d.sinks))
	for _, s := range d.sinks {
		names = append(names, s.sink.Name())
	}
	log.Info("mirror started", "workers", d.workers, "queue_size", cap(d.queue), "sinks", names)
	return nil
}

// Enqueue offers a sample without blocking. It returns false if the
// dispatcher is closed or the queue is full.
func (d *Dispatcher) Enqueue(deviceID, metricKey string, ts int64, value float64) bool {
	if d.closed.Load() {
		d.dropped.Add(1)
		return false
	}

	select {
	case d.queue <- Sample{DeviceID: deviceID, MetricKey: metricKey, Ts: ts, Value: value}:
		d.enqueued.Add(1)
		return true
	default:
		d.dropped.Add(1)
		return false
	}
}

// UsageRatio returns the queue fill ratio (0.0 - 1.0).
func (d *Dispatcher) UsageRatio() float64 {
	return float64(len(d.queue)) / float64(cap(d.queue))
}

// Stop stops accepting samples, drains the queue until ctx ends, then
// closes every sink.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	log.Info("mirror stopping", "queued", len(d.queue))

	close(d.shutdown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("mirror drained")
	case <-ctx.Done():
		log.Warn("mirror drain timeout", "abandoned", len(d.queue))
		d.cancel()
		<-done
	}
	d.cancel()

	var errs []error
	for _, s := range d.sinks {
		if err := s.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case s := <-d.queue:
			d.dispatch(s)
		case <-d.shutdown:
			d.drain()
			return
		}
	}
}

// drain writes what is left in the queue until it is empty or the drain
// is abandoned.
func (d *Dispatcher) drain() {
	for {
		if d.ctx.Err() != nil {
			return
		}
		select {
		case s := <-d.queue:
			d.dispatch(s)
		default:
			return
		}
	}
}

func (d *Dispatcher) dispatch(s Sample) {
	d.dispatched.Add(1)
	for _, st := range d.sinks {
		if err := d.write(st, s); err != nil {
			st.failed.Add(1)
			log.Debug("mirror write failed",
				"sink", st.sink.Name(),
				"device_id", s.DeviceID,
				"metric", s.MetricKey,
				"error", err)
			continue
		}
		st.written.Add(1)
	}
}

// write calls the sink with a timeout and converts panics to errors.
func (d *Dispatcher) write(st *sinkState, s Sample) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v: %w", r, telerrors.ErrWriteFailed)
		}
	}()

	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()

	return st.sink.Write(ctx, s)
}

// SinkStats holds per-sink statistics.
type SinkStats struct {
	Written int64 `json:"written"`
	Failed  int64 `json:"failed"`
}

// Stats holds dispatcher statistics.
type Stats struct {
	Enqueued   int64                `json:"enqueued"`
	Dropped    int64                `json:"dropped"`
	Dispatched int64                `json:"dispatched"`
	QueueLen   int                  `json:"queueLen"`
	QueueCap   int                  `json:"queueCap"`
	Sinks      map[string]SinkStats `json:"sinks"`
}

// Stats returns dispatcher statistics.
func (d *Dispatcher) Stats() Stats {
	st := Stats{
		Enqueued:   d.enqueued.Load(),
		Dropped:    d.dropped.Load(),
		Dispatched: d.dispatched.Load(),
		QueueLen:   len(d.queue),
		QueueCap:   cap(d.queue),
		Sinks:      make(map[string]SinkStats, len(d.sinks)),
	}
	for _, s := range d.sinks {
		st.Sinks[s.sink.Name()] = SinkStats{
			Written: s.written.Load(),
			Failed:  s.failed.Load(),
		}
	}
	return st
}
