// Package scheduler provides heap-based poll scheduling.
//
// The scheduler keeps a min-heap ordered by next due time. Due jobs are
// queued to a fixed worker pool; a job is rescheduled one interval after
// its poll completes, so a slow poll never overlaps itself.
//
// Key features:
//   - O(log n) add/remove/update operations
//   - Jitter on the first poll to prevent thundering herd
//   - Backpressure handling when workers are busy
//   - Graceful shutdown with drain timeout
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	defaults "github.com/xtxerr/telemetry/config"
	"github.com/xtxerr/telemetry/internal/logging"
)

var log = logging.Component("scheduler")

// PollFunc polls one job. Errors are counted and logged by the scheduler.
type PollFunc func(ctx context.Context, key string) error

// =============================================================================
// Heap Implementation
// =============================================================================

// item is one scheduled job.
type item struct {
	key        string
	nextPollMs int64 // Unix ms when the next poll is due
	intervalMs int64
	polling    bool // Currently queued or being polled
	deleted    bool // Removed while polling
	index      int  // Heap index, -1 when not in the heap
}

type pollHeap []*item

func (h pollHeap) Len() int { return len(h) }

func (h pollHeap) Less(i, j int) bool {
	return h[i].nextPollMs < h[j].nextPollMs
}

func (h pollHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *pollHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *pollHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

func (h pollHeap) peek() *item {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// =============================================================================
// Scheduler Configuration
// =============================================================================

// BackpressureDelayMs is the delay applied when the job queue is full.
const BackpressureDelayMs = 1000

// Config holds scheduler configuration.
type Config struct {
	// Workers is the number of concurrent poll workers.
	Workers int

	// QueueSize is the job queue capacity.
	QueueSize int

	// TickInterval is how often the scheduler checks for due polls.
	TickInterval time.Duration

	// PollTimeout bounds a single poll.
	PollTimeout time.Duration

	// DrainTimeout is how long to wait for in-flight polls during shutdown.
	DrainTimeout time.Duration
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		Workers:      defaults.DefaultSNMPWorkers,
		QueueSize:    64,
		TickInterval: defaults.DefaultSchedulerTickInterval,
		PollTimeout:  30 * time.Second,
		DrainTimeout: defaults.DefaultDrainTimeoutSec * time.Second,
	}
}

// =============================================================================
// Scheduler
// =============================================================================

// Scheduler runs poll jobs on their intervals.
//
// Scheduler is safe for concurrent use.
type Scheduler struct {
	mu      sync.Mutex
	heap    pollHeap
	heapIdx map[string]*item

	jobs     chan string
	pollFunc PollFunc

	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	wakeup   chan struct{}

	activeWorkers atomic.Int32

	workers      int
	tickInterval time.Duration
	pollTimeout  time.Duration
	drainTimeout time.Duration

	// Metrics
	backpressure atomic.Int64
	polls        atomic.Int64
	failures     atomic.Int64
}

// New creates a scheduler. Zero fields in cfg take their defaults.
func New(cfg *Config, fn PollFunc) *Scheduler {
	def := DefaultConfig()
	if cfg == nil {
		cfg = def
	}
	c := *cfg
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = def.PollTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = def.DrainTimeout
	}

	return &Scheduler{
		heap:         make(pollHeap, 0),
		heapIdx:      make(map[string]*item),
		jobs:         make(chan string, c.QueueSize),
		pollFunc:     fn,
		shutdown:     make(chan struct{}),
		wakeup:       make(chan struct{}, 1),
		workers:      c.Workers,
		tickInterval: c.TickInterval,
		pollTimeout:  c.PollTimeout,
		drainTimeout: c.DrainTimeout,
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start starts the workers and the schedule loop.
func (s *Scheduler) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}

	s.wg.Add(1)
	go s.scheduleLoop()

	log.Info("scheduler started", "workers", s.workers)
}

// Stop stops the scheduler, waiting up to the drain timeout for in-flight
// polls.
func (s *Scheduler) Stop() {
	s.StopWithContext(context.Background())
}

// StopWithContext stops the scheduler. The drain timeout is still
// respected as a maximum. Idempotent.
func (s *Scheduler) StopWithContext(ctx context.Context) {
	s.stopOnce.Do(func() {
		log.Info("scheduler stopping")
		close(s.shutdown)

		drainCtx, cancel := context.WithTimeout(ctx, s.drainTimeout)
		defer cancel()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			log.Info("scheduler stopped gracefully")
		case <-drainCtx.Done():
			log.Warn("scheduler drain timeout",
				"active_workers", s.activeWorkers.Load())
		}
	})
}

// =============================================================================
// Job Management
// =============================================================================

// Add schedules key every interval. The first poll is due after a random
// jitter within one interval. Adding an existing key is a no-op.
func (s *Scheduler) Add(key string, interval time.Duration) {
	intervalMs := interval.Milliseconds()
	if intervalMs <= 0 {
		intervalMs = 1
	}
	jitter := rand.Int64N(intervalMs)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.heapIdx[key]; ok {
		return
	}

	it := &item{
		key:        key,
		nextPollMs: time.Now().UnixMilli() + jitter,
		intervalMs: intervalMs,
	}
	heap.Push(&s.heap, it)
	s.heapIdx[key] = it
	s.signalWakeup()

	log.Debug("job added", "key", key, "interval", interval)
}

// Remove unschedules key. A job removed while polling is cleaned up when
// the poll completes.
func (s *Scheduler) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.heapIdx[key]
	if !ok {
		return
	}
	it.deleted = true

	if !it.polling {
		if it.index >= 0 {
			heap.Remove(&s.heap, it.index)
		}
		delete(s.heapIdx, key)
	}

	log.Debug("job removed", "key", key, "was_polling", it.polling)
}

// UpdateInterval changes the interval of key from its next reschedule on.
func (s *Scheduler) UpdateInterval(key string, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.heapIdx[key]
	if !ok {
		return
	}
	it.intervalMs = max(interval.Milliseconds(), 1)

	log.Debug("job interval updated", "key", key, "interval", interval)
}

// Contains returns true if key is scheduled.
func (s *Scheduler) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.heapIdx[key]
	return ok && !it.deleted
}

// Count returns the number of scheduled jobs.
func (s *Scheduler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, it := range s.heapIdx {
		if !it.deleted {
			count++
		}
	}
	return count
}

// NextPollTime returns when key is next due. Jobs being polled have no
// due time.
func (s *Scheduler) NextPollTime(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.heapIdx[key]
	if !ok || it.deleted || it.polling {
		return time.Time{}, false
	}
	return time.UnixMilli(it.nextPollMs), true
}

// =============================================================================
// Schedule Loop
// =============================================================================

func (s *Scheduler) scheduleLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processDueItems()
		case <-s.wakeup:
			s.processDueItems()
		case <-s.shutdown:
			return
		}
	}
}

func (s *Scheduler) processDueItems() {
	now := time.Now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	for s.heap.Len() > 0 {
		if s.heap.peek().nextPollMs > now {
			break
		}

		it := heap.Pop(&s.heap).(*item)
		if it.deleted {
			delete(s.heapIdx, it.key)
			continue
		}

		it.polling = true
		select {
		case s.jobs <- it.key:
		default:
			// Queue full, retry later
			it.nextPollMs = now + BackpressureDelayMs
			it.polling = false
			heap.Push(&s.heap, it)
			s.backpressure.Add(1)
		}
	}
}

// markComplete reschedules key one interval from now.
func (s *Scheduler) markComplete(key string) {
	now := time.Now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.heapIdx[key]
	if !ok {
		return
	}
	if it.deleted {
		delete(s.heapIdx, key)
		return
	}

	it.nextPollMs = now + it.intervalMs
	it.polling = false
	if it.index < 0 {
		heap.Push(&s.heap, it)
	} else {
		heap.Fix(&s.heap, it.index)
	}
	s.signalWakeup()
}

// =============================================================================
// Worker
// =============================================================================

func (s *Scheduler) worker() {
	defer s.wg.Done()

	for {
		select {
		case key := <-s.jobs:
			if err := s.execute(key); err != nil {
				s.failures.Add(1)
				log.Debug("poll failed", "key", key, "error", err)
			}
			s.markComplete(key)
		case <-s.shutdown:
			return
		}
	}
}

// execute runs one poll with a timeout and converts panics to errors.
func (s *Scheduler) execute(key string) (err error) {
	s.activeWorkers.Add(1)
	s.polls.Add(1)

	defer func() {
		s.activeWorkers.Add(-1)
		if r := recover(); r != nil {
			log.Error("panic in poll", "key", key, "panic", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	if s.pollFunc == nil {
		return fmt.Errorf("no poll function configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.pollTimeout)
	defer cancel()

	// Abort in-flight polls on shutdown
	go func() {
		select {
		case <-s.shutdown:
			cancel()
		case <-ctx.Done():
		}
	}()

	return s.pollFunc(ctx, key)
}

func (s *Scheduler) signalWakeup() {
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}

// =============================================================================
// Stats
// =============================================================================

// Stats returns scheduler statistics.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	heapSize := s.heap.Len()
	s.mu.Unlock()

	return Stats{
		HeapSize:      heapSize,
		QueueUsed:     len(s.jobs),
		ActiveWorkers: int(s.activeWorkers.Load()),
		Polls:         s.polls.Load(),
		Failures:      s.failures.Load(),
		Backpressure:  s.backpressure.Load(),
	}
}

// Stats holds scheduler statistics.
type Stats struct {
	HeapSize      int
	QueueUsed     int
	ActiveWorkers int
	Polls         int64
	Failures      int64
	Backpressure  int64 // Due jobs delayed because the queue was full
}
