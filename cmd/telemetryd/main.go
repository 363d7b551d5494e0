// telemetryd is the in-memory telemetry engine daemon.
//
// It loads the YAML configuration, builds the engine with its threshold
// resolver and mirror sinks, attaches the enabled bridges (MQTT, SNMP,
// event log) and runs until SIGINT or SIGTERM.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/VividCortex/ewma"
	"golang.org/x/sync/errgroup"

	mqttbridge "github.com/xtxerr/telemetry/internal/bridge/mqtt"
	snmpbridge "github.com/xtxerr/telemetry/internal/bridge/snmp"
	"github.com/xtxerr/telemetry/internal/engine"
	"github.com/xtxerr/telemetry/internal/engine/config"
	"github.com/xtxerr/telemetry/internal/engine/types"
	telerrors "github.com/xtxerr/telemetry/internal/errors"
	"github.com/xtxerr/telemetry/internal/logging"
	"github.com/xtxerr/telemetry/internal/mirror"
	"github.com/xtxerr/telemetry/internal/mirror/archive"
	"github.com/xtxerr/telemetry/internal/mirror/influx"
	"github.com/xtxerr/telemetry/internal/thresholds"
	"github.com/xtxerr/telemetry/internal/wire"
)

// Version is set at build time via ldflags
var Version = "dev"

var log = logging.Component("telemetryd")

const statsInterval = time.Minute

func main() {
	cfgPath := flag.String("config", "telemetry.yaml", "config file path")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	dumpEvents := flag.String("dump-events", "", "print the event log at this path as JSON lines and exit")
	archiveSQL := flag.String("archive-sql", "", "run a SQL query over the Parquet archive (view \"archive\") and exit")
	flag.Parse()

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetryd: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	logFile := logging.Setup(logging.Options{
		Level:      logging.ParseLevel(cfg.Logging.Level),
		JSON:       cfg.Logging.JSON,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})

	switch {
	case *dumpEvents != "":
		err = dumpEventLog(*dumpEvents)
	case *archiveSQL != "":
		err = queryArchive(cfg.Mirror.Archive, *archiveSQL)
	default:
		log.Info("telemetryd starting", "version", Version, "config", *cfgPath)
		err = run(cfg)
	}
	if err != nil {
		log.Error("telemetryd failed", "error", err)
		logFile.Close()
		os.Exit(1)
	}
	logFile.Close()
}

// loadConfig reads path. A missing file means defaults.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return config.DefaultConfig(), nil
	}
	return cfg, err
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// =========================================================================
	// Thresholds and Device Directory
	// =========================================================================

	catalog, err := thresholds.NewCatalog(cfg.Metrics)
	if err != nil {
		return fmt.Errorf("metric catalog: %w", err)
	}
	resolver, err := thresholds.NewResolver(cfg.Thresholds, catalog)
	if err != nil {
		return fmt.Errorf("thresholds: %w", err)
	}
	devices := thresholds.NewDirectory(cfg.Devices)

	log.Info("thresholds loaded", "metrics", catalog.Len(), "devices", devices.Len())

	// =========================================================================
	// Mirror Sinks
	// =========================================================================

	var (
		sinks    []mirror.Sink
		archWr   *archive.Writer
		dispatch *mirror.Dispatcher
		running  bool
	)
	// Until the mirror runs, no dispatcher owns the sinks.
	defer func() {
		if !running {
			closeSinks(sinks)
		}
	}()

	if cfg.Mirror.Influx.Enabled {
		connectCtx, cancel := context.WithTimeout(ctx, cfg.Mirror.Timeout)
		sink, err := influx.Connect(connectCtx, cfg.Mirror.Influx)
		cancel()
		if err != nil {
			// The mirror is best effort; the engine runs without it.
			log.Warn("influx sink unavailable", "url", cfg.Mirror.Influx.URL, "error", err)
		} else {
			sinks = append(sinks, sink)
		}
	}

	if cfg.Mirror.Archive.Enabled {
		archWr, err = archive.NewWriter(cfg.Mirror.Archive)
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		sinks = append(sinks, archWr)
	}

	opts := []engine.Option{
		engine.WithResolver(resolver),
		engine.WithDevices(devices),
		engine.WithUnits(catalog),
	}
	if len(sinks) > 0 {
		dispatch = mirror.New(cfg.Mirror, sinks...)
		opts = append(opts, engine.WithMirror(dispatch))
	}

	// =========================================================================
	// Engine
	// =========================================================================

	eng, err := engine.New(cfg, opts...)
	if err != nil {
		return err
	}
	if dispatch != nil {
		eng.WatchQueue("mirror", dispatch)
	}
	if archWr != nil && cfg.Mirror.Archive.Retention > 0 {
		eng.RegisterSweeper("archive", archWr)
	}

	if err := eng.Start(ctx); err != nil {
		return err
	}
	if dispatch != nil {
		if err := dispatch.Start(); err != nil {
			eng.Stop()
			return fmt.Errorf("start mirror: %w", err)
		}
	}
	running = true

	// =========================================================================
	// Event Consumers and Ingestion Bridges
	// =========================================================================

	var eventLog *wire.EventLog
	if cfg.EventLog.Enabled {
		eventLog, err = wire.OpenEventLog(cfg.EventLog)
		if err != nil {
			log.Warn("event log unavailable", "path", cfg.EventLog.Path, "error", err)
		} else if err := eventLog.Start(ctx, eng); err != nil {
			log.Warn("event log not started", "error", err)
		}
	}

	var bridge *mqttbridge.Bridge
	if cfg.MQTT.Enabled {
		client, err := mqttbridge.Connect(cfg.MQTT)
		if err != nil {
			log.Warn("mqtt bridge unavailable", "broker", cfg.MQTT.Broker, "error", err)
		} else {
			bridge = mqttbridge.New(cfg.MQTT, client, eng)
			if err := bridge.Start(ctx); err != nil {
				log.Warn("mqtt bridge not started", "error", err)
				client.Close()
				bridge = nil
			}
		}
	}

	var poller *snmpbridge.Poller
	if cfg.SNMP.Enabled {
		poller, err = snmpbridge.New(cfg.SNMP, eng)
		if err != nil {
			log.Warn("snmp poller unavailable", "error", err)
		} else if err := poller.Start(); err != nil {
			log.Warn("snmp poller not started", "error", err)
			poller = nil
		}
	}

	// =========================================================================
	// Run
	// =========================================================================

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		reportStats(gctx, eng, dispatch)
		return nil
	})

	log.Info("telemetryd running",
		"mirror_sinks", len(sinks),
		"mqtt", bridge != nil,
		"snmp", poller != nil,
		"event_log", eventLog != nil)

	_ = g.Wait()

	// =========================================================================
	// Graceful Shutdown
	// =========================================================================

	log.Info("shutting down", "drain_timeout", cfg.DrainTimeout)

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer cancel()

	// Stop ingestion first, then the engine, then the consumers.
	if poller != nil {
		poller.Stop(drainCtx)
	}
	if bridge != nil {
		if err := bridge.Stop(); err != nil {
			log.Warn("mqtt bridge stop", "error", err)
		}
	}

	eng.Stop()

	if eventLog != nil {
		if err := eventLog.Close(); err != nil {
			log.Warn("event log close", "error", err)
		}
	}
	if dispatch != nil {
		if err := dispatch.Stop(drainCtx); err != nil {
			log.Warn("mirror stop", "error", err)
		}
	}

	d := eng.Diagnostics()
	log.Info("telemetryd stopped", "series", d.SeriesCount, "samples", d.TotalSamples)
	return nil
}

// closeSinks releases sinks that no dispatcher has taken over. Errors are
// logged; every sink is closed.
func closeSinks(sinks []mirror.Sink) {
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			log.Warn("sink close", "sink", s.Name(), "error", err)
		}
	}
}

// reportStats logs engine statistics until ctx is done. The ingest rate is
// smoothed across reports.
func reportStats(ctx context.Context, eng *engine.Engine, dispatch *mirror.Dispatcher) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	rate := ewma.NewMovingAverage()
	last := eng.Stats().Ingested

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := eng.Stats()
			rate.Add(float64(st.Ingested-last) / statsInterval.Seconds())
			last = st.Ingested

			args := []any{
				"series", st.SeriesCount,
				"samples", st.TotalSamples,
				"ingested", st.Ingested,
				"ingest_rate", math.Round(rate.Value()*10) / 10,
				"alerts", st.Alerts,
				"events_dropped", st.Events.Dropped,
				"backpressure", st.Backpressure,
			}
			if dispatch != nil {
				ms := dispatch.Stats()
				args = append(args, "mirror_dispatched", ms.Dispatched, "mirror_dropped", ms.Dropped)
			}
			log.Info("stats", args...)
		}
	}
}

// dumpedEvent is one JSON line of -dump-events. Non-finite values are
// written as null.
type dumpedEvent struct {
	Kind      types.EventKind `json:"kind"`
	DeviceID  string          `json:"deviceId"`
	MetricKey string          `json:"metricKey"`
	Ts        int64           `json:"ts"`
	Value     *float64        `json:"value"`
	Level     types.Level     `json:"level"`
}

func dumpEventLog(path string) error {
	enc := json.NewEncoder(os.Stdout)
	return wire.ReadEventLog(path, func(ev types.Event) error {
		out := dumpedEvent{
			Kind:      ev.Kind,
			DeviceID:  ev.DeviceID,
			MetricKey: ev.MetricKey,
			Ts:        ev.Ts,
			Level:     ev.Level,
		}
		if !math.IsNaN(ev.Value) && !math.IsInf(ev.Value, 0) {
			v := ev.Value
			out.Value = &v
		}
		return enc.Encode(out)
	})
}

func queryArchive(cfg config.ArchiveConfig, stmt string) error {
	if cfg.Dir == "" {
		return telerrors.NewMissingField("mirror.archive.dir")
	}
	r, err := archive.NewReader(cfg.Dir, cfg.MemoryLimit)
	if err != nil {
		return err
	}
	defer r.Close()

	rows, err := r.ExecuteSQL(context.Background(), stmt)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	return nil
}
