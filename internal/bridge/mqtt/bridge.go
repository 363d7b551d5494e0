package mqtt

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/xtxerr/telemetry/internal/engine/config"
	"github.com/xtxerr/telemetry/internal/engine/events"
	"github.com/xtxerr/telemetry/internal/engine/types"
	telerrors "github.com/xtxerr/telemetry/internal/errors"
	"github.com/xtxerr/telemetry/internal/validation"
)

// Engine is the part of the engine the bridge drives.
type Engine interface {
	Subscribe(name string, kinds ...types.EventKind) *events.Subscription
	AddRawPoint(deviceID, metricKey string, rawTs, rawValue any) types.PointEvent
}

// Bridge publishes engine events and ingests raw samples over one
// connection.
type Bridge struct {
	cfg    config.MQTTConfig
	conn   Conn
	engine Engine
	topics Topics

	sub     *events.Subscription
	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	published     atomic.Int64
	publishFailed atomic.Int64
	ingested      atomic.Int64
	rejected      atomic.Int64
}

// New creates a bridge over an established connection.
func New(cfg config.MQTTConfig, conn Conn, engine Engine) *Bridge {
	return &Bridge{
		cfg:    cfg,
		conn:   conn,
		engine: engine,
		topics: Topics{Prefix: cfg.TopicPrefix},
	}
}

// Start subscribes to the engine and, when ingest is enabled, to the
// ingest topics.
func (b *Bridge) Start(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return telerrors.ErrAlreadyRunning
	}

	if b.cfg.Ingest {
		if err := b.conn.Subscribe(b.topics.AllIngest(), b.cfg.QoS, b.handleIngest); err != nil {
			b.running.Store(false)
			return telerrors.Wrap(err, "subscribe ingest")
		}
	}

	var kinds []types.EventKind
	if b.cfg.PublishPoints {
		kinds = append(kinds, types.EventPoint)
	}
	if b.cfg.PublishAlerts {
		kinds = append(kinds, types.EventAlert)
	}

	if len(kinds) > 0 {
		ctx, b.cancel = context.WithCancel(ctx)
		b.sub = b.engine.Subscribe("mqtt", kinds...)
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.sub.Consume(ctx, b.publish)
		}()
	}

	log.Info("bridge started",
		"prefix", b.topics.prefix(),
		"points", b.cfg.PublishPoints,
		"alerts", b.cfg.PublishAlerts,
		"ingest", b.cfg.Ingest)
	return nil
}

// Stop unsubscribes, waits for the publisher and closes the connection.
// Idempotent.
func (b *Bridge) Stop() error {
	if !b.running.CompareAndSwap(true, false) {
		return nil
	}
	if b.sub != nil {
		b.sub.Close()
	}
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()

	log.Info("bridge stopped",
		"published", b.published.Load(),
		"publish_failed", b.publishFailed.Load(),
		"ingested", b.ingested.Load())
	return b.conn.Close()
}

func (b *Bridge) publish(ev types.Event) {
	topic := b.topics.Points(ev.DeviceID, ev.MetricKey)
	if ev.Kind == types.EventAlert {
		topic = b.topics.Alerts(ev.DeviceID, ev.MetricKey)
	}

	payload, err := encodeEvent(ev.PointEvent)
	if err != nil {
		b.publishFailed.Add(1)
		log.Warn("encode event failed", "topic", topic, "error", err)
		return
	}

	if err := b.conn.Publish(topic, payload, b.cfg.QoS, false); err != nil {
		b.publishFailed.Add(1)
		if telerrors.IsTransient(err) {
			log.Debug("publish failed", "topic", topic, "error", err)
		} else {
			log.Warn("publish failed", "topic", topic, "error", err)
		}
		return
	}
	b.published.Add(1)
}

func (b *Bridge) handleIngest(topic string, payload []byte) error {
	deviceID, metricKey, ok := b.topics.ParseIngest(topic)
	if !ok {
		b.rejected.Add(1)
		return telerrors.NewInvalidValue("topic", topic, "want <prefix>/ingest/<device>/<metric>")
	}
	if err := validation.ValidateSeries(deviceID, metricKey); err != nil {
		b.rejected.Add(1)
		return err
	}

	rawTs, rawValue, err := decodeIngest(payload)
	if err != nil {
		b.rejected.Add(1)
		return err
	}

	b.engine.AddRawPoint(deviceID, metricKey, rawTs, rawValue)
	b.ingested.Add(1)
	return nil
}

// Stats returns bridge statistics.
func (b *Bridge) Stats() Stats {
	return Stats{
		Published:     b.published.Load(),
		PublishFailed: b.publishFailed.Load(),
		Ingested:      b.ingested.Load(),
		Rejected:      b.rejected.Load(),
	}
}

// Stats holds bridge statistics.
type Stats struct {
	Published     int64
	PublishFailed int64
	Ingested      int64
	Rejected      int64 // Ingest messages with a bad topic or payload
}
