package wire

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	defaults "github.com/xtxerr/telemetry/config"
	"github.com/xtxerr/telemetry/internal/engine/config"
	"github.com/xtxerr/telemetry/internal/engine/events"
	"github.com/xtxerr/telemetry/internal/engine/types"
	telerrors "github.com/xtxerr/telemetry/internal/errors"
	"github.com/xtxerr/telemetry/internal/logging"
)

var log = logging.Component("eventlog")

// Subscriber is the event source of an EventLog.
type Subscriber interface {
	Subscribe(name string, kinds ...types.EventKind) *events.Subscription
}

// EventLog appends engine events to a file.
type EventLog struct {
	cfg  config.EventLogConfig
	file *os.File
	buf  *bufio.Writer
	w    *Writer

	// mu guards buf between the consumer and the flusher
	mu sync.Mutex

	sub      *events.Subscription
	running  atomic.Bool
	cancel   context.CancelFunc
	consumed chan struct{}
	flushed  chan struct{}

	written atomic.Int64
	failed  atomic.Int64
}

// OpenEventLog opens cfg.Path for appending, creating it if needed.
func OpenEventLog(cfg config.EventLogConfig) (*EventLog, error) {
	if !cfg.Enabled {
		return nil, telerrors.ErrDisabled
	}
	if cfg.Path == "" {
		return nil, telerrors.NewMissingField("event_log.path")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, telerrors.Wrap(err, "create event log directory")
	}

	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, telerrors.Wrap(err, "open event log")
	}

	buf := bufio.NewWriter(f)
	return &EventLog{
		cfg:  cfg,
		file: f,
		buf:  buf,
		w:    NewWriter(buf),
	}, nil
}

// Start subscribes to src and writes events until Stop.
func (l *EventLog) Start(ctx context.Context, src Subscriber) error {
	if !l.running.CompareAndSwap(false, true) {
		return telerrors.ErrAlreadyRunning
	}

	kinds := []types.EventKind{types.EventPoint, types.EventAlert}
	if l.cfg.AlertsOnly {
		kinds = []types.EventKind{types.EventAlert}
	}
	l.sub = src.Subscribe("eventlog", kinds...)

	l.consumed = make(chan struct{})
	l.flushed = make(chan struct{})

	ch := l.sub.C()
	go func() {
		defer close(l.consumed)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				l.write(ev)
			}
		}
	}()

	flushCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	go func() {
		defer close(l.flushed)
		l.flushLoop(flushCtx)
	}()

	log.Info("event log started", "path", l.cfg.Path, "alerts_only", l.cfg.AlertsOnly)
	return nil
}

func (l *EventLog) write(ev types.Event) {
	l.mu.Lock()
	err := l.w.WriteEvent(ev)
	l.mu.Unlock()

	if err != nil {
		l.failed.Add(1)
		log.Warn("write event failed", "error", err)
		return
	}
	l.written.Add(1)
}

func (l *EventLog) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(defaults.DefaultEventLogFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Flush(); err != nil {
				log.Warn("flush event log failed", "error", err)
			}
		}
	}
}

// Flush writes buffered records to the file.
func (l *EventLog) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Flush()
}

// Close writes the events already queued, flushes and closes the file.
// Idempotent.
func (l *EventLog) Close() error {
	if l.running.CompareAndSwap(true, false) {
		l.sub.Close()
		<-l.consumed
		l.cancel()
		<-l.flushed
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	flushErr := l.buf.Flush()
	closeErr := l.file.Close()
	l.file = nil

	log.Info("event log closed", "written", l.written.Load(), "failed", l.failed.Load())
	return telerrors.Join(flushErr, closeErr)
}

// Stats returns event log statistics.
func (l *EventLog) Stats() EventLogStats {
	return EventLogStats{
		Written: l.written.Load(),
		Failed:  l.failed.Load(),
	}
}

// EventLogStats holds event log statistics.
type EventLogStats struct {
	Written int64
	Failed  int64
}

// ReadEventLog calls fn for every event in the log at path, oldest first.
// A truncated final record ends the read with an error.
func ReadEventLog(path string, fn func(types.Event) error) error {
	f, err := os.Open(path)
	if err != nil {
		return telerrors.Wrap(err, "open event log")
	}
	defer f.Close()

	r := NewReader(f)
	for {
		ev, err := r.ReadEvent()
		if telerrors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}
