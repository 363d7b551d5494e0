// Package influx mirrors samples to InfluxDB v2.
//
// Writes are non-blocking and batched by the client library; errors from
// the asynchronous write path are logged and counted. Failed batches are
// never retried.
package influx

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	defaults "github.com/xtxerr/telemetry/config"
	"github.com/xtxerr/telemetry/internal/engine/config"
	telerrors "github.com/xtxerr/telemetry/internal/errors"
	"github.com/xtxerr/telemetry/internal/logging"
	"github.com/xtxerr/telemetry/internal/mirror"
)

var log = logging.Component("mirror.influx")

const (
	defaultConnectTimeout = 10 * time.Second
	defaultMeasurement    = "telemetry"
)

// ErrNonFinite is returned for NaN and infinite values, which line
// protocol cannot carry.
var ErrNonFinite = fmt.Errorf("non-finite value: %w", telerrors.ErrWriteFailed)

// pointWriter is the subset of api.WriteAPI the sink uses.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
	Errors() <-chan error
}

// Sink writes samples as points with device_id and metric tags and a
// single "value" field.
type Sink struct {
	client      influxdb2.Client
	writer      pointWriter
	measurement string

	mu        sync.RWMutex
	connected bool

	asyncErrors atomic.Int64
	done        chan struct{}
}

// Connect creates the client, verifies the server with a ping and sets up
// the non-blocking write API.
func Connect(ctx context.Context, cfg config.InfluxConfig) (*Sink, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("influx: %w", telerrors.ErrDisabled)
	}

	batchSize := cfg.BatchSize
	if batchSize == 0 {
		batchSize = defaults.DefaultInfluxBatchSize
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = defaults.DefaultInfluxFlushInterval
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, clientOptions(batchSize, flushInterval))

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", telerrors.ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", telerrors.ErrConnectionFailed)
	}

	s := newSink(client.WriteAPI(cfg.Org, cfg.Bucket), cfg.Measurement)
	s.client = client

	log.Info("connected to influxdb", "url", cfg.URL, "org", cfg.Org, "bucket", cfg.Bucket)
	return s, nil
}

// clientOptions batches writes and disables the client's retry queue. A
// failed batch is dropped and reported on the error channel.
func clientOptions(batchSize uint, flushInterval time.Duration) *influxdb2.Options {
	return influxdb2.DefaultOptions().
		SetBatchSize(batchSize).
		SetFlushInterval(uint(flushInterval.Milliseconds())).
		SetMaxRetries(0).
		SetRetryBufferLimit(batchSize)
}

func newSink(w pointWriter, measurement string) *Sink {
	if measurement == "" {
		measurement = defaultMeasurement
	}
	s := &Sink{
		writer:      w,
		measurement: measurement,
		connected:   true,
		done:        make(chan struct{}),
	}
	go s.handleWriteErrors(w.Errors())
	return s
}

// handleWriteErrors drains asynchronous write errors.
func (s *Sink) handleWriteErrors(errorsCh <-chan error) {
	defer close(s.done)
	for err := range errorsCh {
		s.asyncErrors.Add(1)
		log.Debug("influx write failed", "error", err)
	}
}

// Name implements mirror.Sink.
func (s *Sink) Name() string {
	return "influx"
}

// Write implements mirror.Sink. The point is queued in the client's batch
// and sent asynchronously.
func (s *Sink) Write(ctx context.Context, sample mirror.Sample) error {
	if !s.IsConnected() {
		return telerrors.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if math.IsNaN(sample.Value) || math.IsInf(sample.Value, 0) {
		return ErrNonFinite
	}

	point := write.NewPoint(
		s.measurement,
		map[string]string{
			"device_id": sample.DeviceID,
			"metric":    sample.MetricKey,
		},
		map[string]any{
			"value": sample.Value,
		},
		sample.Time(),
	)
	s.writer.WritePoint(point)
	return nil
}

// Close flushes pending points and closes the client.
func (s *Sink) Close() error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil
	}
	s.connected = false
	s.mu.Unlock()

	s.writer.Flush()
	if s.client != nil {
		// Closing the client closes the error channel.
		s.client.Close()
		<-s.done
	}
	return nil
}

// IsConnected returns the last known connection state.
func (s *Sink) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// AsyncErrors returns the number of failed batch writes.
func (s *Sink) AsyncErrors() int64 {
	return s.asyncErrors.Load()
}
