// Package dispatcher admits detected trades into a bounded FIFO queue and runs
// up to N executions concurrently.
package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"copy_trader/internal/config"
	"copy_trader/internal/core"
	"copy_trader/internal/risk"
	"copy_trader/internal/trading/dedup"
	"copy_trader/internal/trading/execution"
	"copy_trader/internal/trading/position"
	"copy_trader/pkg/concurrency"
	"copy_trader/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Rejection reasons returned by Submit
const (
	ReasonInvalid        = "invalid event"
	ReasonForeignAccount = "event not from monitored account"
	ReasonBelowMinimum   = "trade value below minimum"
	ReasonDuplicate      = "duplicate event"
	ReasonProcessed      = "already processed"
	ReasonPending        = "already queued or executing"
	ReasonQueueFull      = "queue full"
	ReasonStopped        = "dispatcher stopped"
)

// TradeExecutor runs one event synchronously
type TradeExecutor interface {
	Execute(ctx context.Context, event core.TradeEvent) execution.Result
}

// Config holds the admission-control knobs
type Config struct {
	QueueCapacity       int
	Workers             int
	DedupWindow         time.Duration
	DedupMaxEntries     int
	MinSourceTradeValue decimal.Decimal
	MonitoredAccount    string
	// MirrorMonitored applies accepted events to the monitored-account book
	MirrorMonitored bool
}

// ConfigFromConfig maps the application configuration onto dispatcher settings
func ConfigFromConfig(cfg *config.Config) Config {
	return Config{
		QueueCapacity:       cfg.Dispatcher.QueueCapacity,
		Workers:             cfg.Dispatcher.Workers,
		DedupWindow:         cfg.Dispatcher.DedupWindow,
		DedupMaxEntries:     cfg.Dispatcher.DedupMaxEntries,
		MinSourceTradeValue: decimal.NewFromFloat(cfg.Copy.MinSourceTradeValue),
		MonitoredAccount:    cfg.App.MonitoredAccount,
		MirrorMonitored:     true,
	}
}

// SubmitResult tells the caller whether the event was queued
type SubmitResult struct {
	Accepted bool
	Reason   string
}

func accepted() SubmitResult {
	return SubmitResult{Accepted: true}
}

func dropped(reason string) SubmitResult {
	return SubmitResult{Reason: reason}
}

// Dispatcher owns the queue, the worker slots and the processing metrics
type Dispatcher struct {
	config Config
	exec   TradeExecutor
	store  *position.Store
	dedup  *dedup.Window
	logger core.ILogger

	mu      sync.Mutex
	queue   []core.TradeEvent
	pending map[string]struct{} // ids queued or executing
	stopped bool

	slots *semaphore.Weighted
	pool  taskPool
	wg    sync.WaitGroup

	inFlight    atomic.Int64
	maxInFlight atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	metrics *ProcessingMetrics

	// status collaborators, optional
	client  core.IOrderClient
	breaker *risk.CircuitBreaker
}

type taskPool interface {
	Submit(task func()) error
	Stop()
}

// New creates a dispatcher. meter may be nil.
func New(cfg Config, exec TradeExecutor, store *position.Store, logger core.ILogger, meter metric.Meter) *Dispatcher {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 100
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 60 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger = logger.WithField("component", "dispatcher")

	d := &Dispatcher{
		config:  cfg,
		exec:    exec,
		store:   store,
		dedup:   dedup.NewWindow(cfg.DedupWindow, cfg.DedupMaxEntries),
		logger:  logger,
		queue:   make([]core.TradeEvent, 0, cfg.QueueCapacity),
		pending: make(map[string]struct{}),
		slots:   semaphore.NewWeighted(int64(cfg.Workers)),
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "dispatcher",
			MaxWorkers:  cfg.Workers,
			MaxCapacity: cfg.Workers,
			NonBlocking: true,
		}, logger),
		ctx:     ctx,
		cancel:  cancel,
		metrics: newProcessingMetrics(meter),
	}

	telemetry.Int64Gauge(meter, telemetry.MetricQueueDepth, "Events waiting for a worker slot", func() int64 {
		return int64(d.QueueDepth())
	})
	telemetry.Int64Gauge(meter, telemetry.MetricInFlight, "Executions in progress", d.inFlight.Load)

	return d
}

// Submit admits an event. It never blocks on execution.
func (d *Dispatcher) Submit(event core.TradeEvent) SubmitResult {
	if d.isStopped() {
		return dropped(ReasonStopped)
	}
	if reason := validateShape(event); reason != "" {
		d.metrics.incFiltered()
		d.logger.Debug("Dropping invalid event", "source", event.Source, "reason", reason)
		return dropped(ReasonInvalid + ": " + reason)
	}
	if d.config.MonitoredAccount != "" && !strings.EqualFold(event.Account, d.config.MonitoredAccount) {
		d.metrics.incFiltered()
		return dropped(ReasonForeignAccount)
	}
	if event.Value().LessThan(d.config.MinSourceTradeValue) {
		d.metrics.incFiltered()
		return dropped(ReasonBelowMinimum)
	}

	id := event.ID()
	if d.dedup.Seen(id) {
		d.metrics.incDuplicate()
		d.logger.Debug("Duplicate event", "trade_id", id, "source", event.Source)
		return dropped(ReasonDuplicate)
	}
	if d.store.IsProcessed(id) {
		d.metrics.incDuplicate()
		return dropped(ReasonProcessed)
	}


	// the dedup window may have expired while an earlier copy still waits
	d.mu.Lock()
	if _, ok := d.pending[id]; ok {
		d.mu.Unlock()
		d.metrics.incDuplicate()
		d.logger.Debug("Event already queued or executing", "trade_id", id, "source", event.Source)
		return dropped(ReasonPending)
	}
	d.pending[id] = struct{}{}
	d.mu.Unlock()

	if d.config.MirrorMonitored {
		if _, err := d.store.ApplyTrade(event, core.ScopeMonitored); err != nil {
			d.logger.Warn("Failed to mirror monitored trade", "trade_id", id, "error", err)
		}
	}

	d.mu.Lock()
	if d.stopped {
		delete(d.pending, id)
		d.mu.Unlock()
		return dropped(ReasonStopped)
	}
	if len(d.queue) >= d.config.QueueCapacity {
		delete(d.pending, id)
		d.mu.Unlock()
		d.metrics.incOverflow()
		d.logger.Warn("Queue full, dropping trade",
			"trade_id", id,
			"instrument", event.InstrumentID,
			"capacity", d.config.QueueCapacity)
		return dropped(ReasonQueueFull)
	}
	d.queue = append(d.queue, event)
	d.mu.Unlock()

	d.metrics.incQueued()
	d.pump()
	return accepted()
}

func (d *Dispatcher) isStopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

func validateShape(event core.TradeEvent) string {
	switch {
	case event.Account == "":
		return "missing account"
	case event.InstrumentID == "":
		return "missing instrument id"
	case event.MarketID == "":
		return "missing market id"
	case !event.Side.Valid():
		return fmt.Sprintf("invalid side %q", event.Side)
	case !event.Size.IsPositive() || !event.Price.IsPositive():
		return "size and price must be positive"
	}
	return ""
}

const pumpRetryDelay = 50 * time.Millisecond

// pump fills free worker slots from the head of the queue
func (d *Dispatcher) pump() {
	for {
		if !d.slots.TryAcquire(1) {
			return
		}

		d.mu.Lock()
		if d.stopped || len(d.queue) == 0 {
			d.mu.Unlock()
			d.slots.Release(1)
			return
		}
		event := d.queue[0]
		d.queue[0] = core.TradeEvent{}
		d.queue = d.queue[1:]
		d.wg.Add(1)
		n := d.inFlight.Add(1)
		d.mu.Unlock()

		for {
			high := d.maxInFlight.Load()
			if n <= high || d.maxInFlight.CompareAndSwap(high, n) {
				break
			}
		}

		if err := d.pool.Submit(func() { d.process(event) }); err != nil {
			d.logger.Warn("Worker pool rejected task, requeued", "trade_id", event.ID(), "error", err)
			d.mu.Lock()
			retry := !d.stopped
			if retry {
				d.queue = append([]core.TradeEvent{event}, d.queue...)
			} else {
				delete(d.pending, event.ID())
			}
			d.inFlight.Add(-1)
			d.mu.Unlock()
			d.slots.Release(1)
			d.wg.Done()
			if retry {
				time.AfterFunc(pumpRetryDelay, d.pump)
			}
			return
		}
	}
}

// process holds a slot only for the synchronous part of execution
func (d *Dispatcher) process(event core.TradeEvent) {
	start := time.Now()
	status := execution.StatusFailed

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Execution panicked", "trade_id", event.ID(), "panic", r)
		}
		d.metrics.record(status, time.Since(start))
		d.mu.Lock()
		delete(d.pending, event.ID())
		d.mu.Unlock()
		d.inFlight.Add(-1)
		d.slots.Release(1)
		d.wg.Done()
		d.pump()
	}()

	res := d.exec.Execute(d.ctx, event)
	status = res.Status

	// an execution interrupted by shutdown may be replayed
	if res.Status == execution.StatusFailed && d.ctx.Err() != nil {
		return
	}
	d.store.MarkProcessed(event.ID())
}

// Run feeds events from every source into Submit until ctx is cancelled or all sources close
func (d *Dispatcher) Run(ctx context.Context, feeds ...core.IFeedSource) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, feed := range feeds {
		feed := feed
		g.Go(func() error {
			events := feed.Events()
			for {
				select {
				case <-ctx.Done():
					return nil
				case event, ok := <-events:
					if !ok {
						d.logger.Info("Feed closed", "feed", feed.Name())
						return nil
					}
					if event.Source == "" {
						event.Source = feed.Name()
					}
					if res := d.Submit(event); !res.Accepted {
						d.logger.Debug("Event not queued", "feed", feed.Name(), "trade_id", event.ID(), "reason", res.Reason)
					}
				}
			}
		})
	}
	return g.Wait()
}

// MetricsSnapshot returns the processing counters
func (d *Dispatcher) MetricsSnapshot() MetricsSnapshot {
	return d.metrics.Snapshot()
}

// QueueDepth returns the number of queued events
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// InFlight returns the number of running executions
func (d *Dispatcher) InFlight() int {
	return int(d.inFlight.Load())
}

// MaxInFlight returns the highest concurrency observed
func (d *Dispatcher) MaxInFlight() int {
	return int(d.maxInFlight.Load())
}

// Drain waits until the queue is empty and nothing is running
func (d *Dispatcher) Drain(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if d.QueueDepth() == 0 && d.InFlight() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stop rejects new events and discards the queue. Running executions get until
// ctx is done to finish; after that their context is cancelled.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	discarded := len(d.queue)
	d.queue = nil
	d.mu.Unlock()

	if discarded > 0 {
		d.logger.Warn("Dispatcher stopped with queued trades", "discarded", discarded)
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn("Cancelling in-flight executions", "in_flight", d.InFlight())
		d.cancel()
		<-done
	}
	d.cancel()
	d.pool.Stop()
}
