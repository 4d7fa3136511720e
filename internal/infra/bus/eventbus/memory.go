package eventbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/coachpo/aarbus/errs"
	"github.com/coachpo/aarbus/internal/domain/schema"
	"github.com/coachpo/aarbus/internal/infra/telemetry"
	"github.com/coachpo/aarbus/lib/async"
)

// EventBus is the in-process dispatcher: a bounded FIFO queue drained by one consumer
// goroutine, priority-ordered synchronous handlers and a worker pool for asynchronous ones.
type EventBus struct {
	cfg     Config
	log     Logger
	metrics *busMetrics

	queue    chan queueItem
	subs     *subscriptionTable
	history  *ring[*schema.Event]
	failures *ring[HandlerFailure]
	counters counters
	byType   typeCounts
	dropLog  *rate.Limiter

	pool atomic.Pointer[async.Pool]

	// lifecycle serialises Start and Stop; run and generation are guarded by it.
	lifecycle  sync.Mutex
	state      atomic.Int32
	generation uint64
	run        *consumerRun

	hooksMu      sync.RWMutex
	interceptors []Interceptor
	filters      map[schema.EventType][]Filter
}

var _ Bus = (*EventBus)(nil)

type queueItem struct {
	evt        *schema.Event
	stop       bool
	generation uint64
}

// consumerRun is one Start..Stop cycle of the consumer goroutine.
type consumerRun struct {
	generation uint64
	abort      chan struct{}
	abortOnce  sync.Once
	done       chan struct{}
	wg         conc.WaitGroup
}

func (r *consumerRun) abortNow() {
	r.abortOnce.Do(func() { close(r.abort) })
}

// NewEventBus constructs a stopped bus. Call Start before Publish.
func NewEventBus(cfg Config) (*EventBus, error) {
	cfg = cfg.normalize()
	bus := new(EventBus)
	bus.cfg = cfg
	bus.log = cfg.Logger
	bus.metrics = newBusMetrics(cfg.Meter)
	bus.queue = make(chan queueItem, cfg.QueueSize)
	bus.subs = newSubscriptionTable()
	bus.history = newRing[*schema.Event](cfg.HistorySize)
	bus.failures = newRing[HandlerFailure](cfg.FailureHistorySize)
	bus.dropLog = rate.NewLimiter(rate.Every(cfg.DropLogInterval), cfg.DropLogBurst)
	bus.filters = make(map[schema.EventType][]Filter)

	pool, err := bus.newPool()
	if err != nil {
		return nil, err
	}
	bus.pool.Store(pool)
	return bus, nil
}

func (b *EventBus) newPool() (*async.Pool, error) {
	pool, err := async.NewPool(b.cfg.Workers, b.cfg.WorkerQueueSize, async.WithPanicHandler(func(r *panics.Recovered) {
		b.log.Error("worker task panicked", zap.Any("panic", r.Value), zap.ByteString("stack", r.Stack))
	}))
	if err != nil {
		return nil, fmt.Errorf("eventbus: create worker pool: %w", err)
	}
	return pool, nil
}

// Subscribe registers handler for events of typ and returns the subscription id.
func (b *EventBus) Subscribe(typ schema.EventType, handler Handler, opts ...SubscribeOption) (string, error) {
	if strings.TrimSpace(string(typ)) == "" {
		return "", errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	if handler == nil {
		return "", errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage("handler required"))
	}
	sub := &subscription{handler: handler}
	for _, opt := range opts {
		if opt != nil {
			opt(sub)
		}
	}
	if sub.id == "" {
		sub.id = handlerID(handler)
	}
	b.subs.insert(typ, sub)
	b.metrics.subscribersChanged(typ, 1)
	if !typ.Known() {
		b.log.Debug("subscribed to unregistered event type", zap.String("event_type", string(typ)))
	}
	b.log.Debug("handler subscribed",
		zap.String("event_type", string(typ)),
		zap.String("handler_id", sub.id),
		zap.Int("priority", sub.priority),
		zap.Bool("async", sub.async))
	return sub.id, nil
}

// Unsubscribe removes the first subscription of typ with the id.
func (b *EventBus) Unsubscribe(typ schema.EventType, id string) bool {
	if !b.subs.remove(typ, id) {
		return false
	}
	b.metrics.subscribersChanged(typ, -1)
	b.log.Debug("handler unsubscribed", zap.String("event_type", string(typ)), zap.String("handler_id", id))
	return true
}

// Publish enqueues evt for the consumer goroutine. It waits up to PublishTimeout for
// queue space; events that cannot be enqueued are dropped and counted, never returned.
func (b *EventBus) Publish(ctx context.Context, evt *schema.Event) {
	if evt == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if !b.Running() {
		b.counters.dropped.Add(1)
		b.metrics.dropped(ctx, evt.Type(), telemetry.ReasonStopped)
		b.log.Warn("event bus not running, dropping event",
			zap.String("event_type", string(evt.Type())),
			zap.String("event_id", evt.ID()))
		return
	}

	item := queueItem{evt: evt}
	select {
	case b.queue <- item:
		b.accepted(ctx, evt)
		return
	default:
	}

	timer := time.NewTimer(b.cfg.PublishTimeout)
	defer timer.Stop()
	select {
	case b.queue <- item:
		b.accepted(ctx, evt)
	case <-timer.C:
		b.counters.failed.Add(1)
		b.counters.dropped.Add(1)
		b.metrics.dropped(ctx, evt.Type(), telemetry.ReasonQueueFull)
		if b.dropLog.Allow() {
			b.log.Error("event queue full, dropping event",
				zap.String("event_type", string(evt.Type())),
				zap.String("event_id", evt.ID()),
				zap.Int("queue_capacity", cap(b.queue)),
				zap.Uint64("events_dropped", b.counters.dropped.Load()))
		}
	case <-ctx.Done():
		b.counters.dropped.Add(1)
		b.metrics.dropped(ctx, evt.Type(), telemetry.ReasonCancelled)
		b.log.Debug("publish cancelled, dropping event",
			zap.String("event_type", string(evt.Type())),
			zap.String("event_id", evt.ID()),
			zap.Error(ctx.Err()))
	}
}

func (b *EventBus) accepted(ctx context.Context, evt *schema.Event) {
	b.counters.published.Add(1)
	b.metrics.published(ctx, evt.Type())
}

// PublishSync dispatches evt on the calling goroutine, bypassing the queue. It returns once
// every synchronous handler has returned; asynchronous handlers are submitted, not awaited.
func (b *EventBus) PublishSync(ctx context.Context, evt *schema.Event) {
	if evt == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	b.dispatch(ctx, evt)
}

// Start spawns the consumer goroutine. Calling Start on a running bus is a no-op.
func (b *EventBus) Start() {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	if b.State() == StateRunning {
		b.log.Warn("event bus already running")
		return
	}
	if current := b.pool.Load(); current == nil || current.Closed() {
		pool, err := b.newPool()
		if err != nil {
			b.log.Error("event bus start failed", zap.Error(err))
			return
		}
		b.pool.Store(pool)
	}

	b.generation++
	run := &consumerRun{
		generation: b.generation,
		abort:      make(chan struct{}),
		done:       make(chan struct{}),
	}
	b.run = run
	b.state.Store(int32(StateRunning))
	run.wg.Go(func() { b.consume(run) })
	b.log.Info("event bus started",
		zap.Int("queue_capacity", cap(b.queue)),
		zap.Int("workers", b.cfg.Workers),
		zap.Uint64("generation", run.generation))
}

// Stop drains queued events, joins the consumer goroutine for up to timeout and then waits
// up to DrainTimeout for in-flight asynchronous handlers. A stopped bus returns immediately.
// A non-positive timeout uses StopTimeout.
func (b *EventBus) Stop(timeout time.Duration) {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	if !b.state.CompareAndSwap(int32(StateRunning), int32(StateStopped)) {
		return
	}
	if timeout <= 0 {
		timeout = b.cfg.StopTimeout
	}
	run := b.run

	if b.stopConsumer(run, timeout) {
		if recovered := run.wg.WaitAndRecover(); recovered != nil {
			b.log.Error("event consumer panicked", zap.Any("panic", recovered.Value), zap.ByteString("stack", recovered.Stack))
		}
	}
	b.drainPool()
	b.log.Info("event bus stopped", zap.Uint64("generation", run.generation))
}

// stopConsumer reports whether the consumer exited within timeout. A consumer that did not
// is aborted and exits after its current dispatch returns.
func (b *EventBus) stopConsumer(run *consumerRun, timeout time.Duration) bool {
	enqueueCtx, cancelEnqueue := context.WithTimeout(context.Background(), b.cfg.PublishTimeout)
	defer cancelEnqueue()
	select {
	case b.queue <- queueItem{stop: true, generation: run.generation}:
	case <-run.done:
	case <-enqueueCtx.Done():
		b.log.Warn("event queue full, aborting consumer without drain",
			zap.Int("queue_depth", len(b.queue)))
		run.abortNow()
	}

	joinCtx, cancelJoin := context.WithTimeout(context.Background(), timeout)
	defer cancelJoin()
	select {
	case <-run.done:
		return true
	case <-joinCtx.Done():
		b.counters.shutdownTimeouts.Add(1)
		b.log.Warn("event consumer did not stop in time", zap.Duration("timeout", timeout))
		run.abortNow()
		return false
	}
}

func (b *EventBus) drainPool() {
	pool := b.pool.Load()
	if pool == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.DrainTimeout)
	defer cancel()
	if err := pool.Shutdown(ctx); err != nil {
		b.counters.drainTimeouts.Add(1)
		b.log.Error("async handlers still running after drain timeout",
			zap.Duration("drain_timeout", b.cfg.DrainTimeout),
			zap.Error(err))
	}
}

func (b *EventBus) consume(run *consumerRun) {
	defer close(run.done)
	for {
		select {
		case <-run.abort:
			return
		default:
		}
		select {
		case <-run.abort:
			return
		case item := <-b.queue:
			if item.stop {
				if item.generation == run.generation {
					return
				}
				continue
			}
			if recovered := panics.Try(func() { b.dispatch(context.Background(), item.evt) }); recovered != nil {
				b.log.Error("event dispatch panicked",
					zap.String("event_type", string(item.evt.Type())),
					zap.Any("panic", recovered.Value),
					zap.ByteString("stack", recovered.Stack))
			}
		}
	}
}

func (b *EventBus) dispatch(ctx context.Context, evt *schema.Event) {
	b.history.add(evt)
	b.byType.inc(evt.Type())

	evt, ok := b.applyHooks(evt)
	if !ok {
		b.counters.processed.Add(1)
		b.counters.filtered.Add(1)
		b.metrics.processed(ctx, evt.Type(), telemetry.ResultFiltered)
		return
	}

	subs := b.subs.snapshot(evt.Type())
	if len(subs) == 0 {
		b.counters.processed.Add(1)
		b.metrics.processed(ctx, evt.Type(), telemetry.ResultNoSubscribers)
		b.log.Debug("no subscribers for event", zap.String("event_type", string(evt.Type())))
		return
	}

	for _, sub := range subs {
		if sub.async {
			b.submit(ctx, sub, evt)
			continue
		}
		b.invoke(ctx, sub, evt)
	}
	b.counters.processed.Add(1)
	b.metrics.processed(ctx, evt.Type(), telemetry.ResultDispatched)
}

func (b *EventBus) submit(ctx context.Context, sub *subscription, evt *schema.Event) {
	handlerCtx := context.WithoutCancel(ctx)
	pool := b.pool.Load()
	if pool == nil {
		b.recordFailure(sub, evt, errs.New("eventbus/dispatch", errs.CodeUnavailable, errs.WithMessage("worker pool missing")), false)
		return
	}
	err := pool.Submit(ctx, func(context.Context) error {
		b.invoke(handlerCtx, sub, evt)
		return nil
	})
	if err != nil {
		b.recordFailure(sub, evt, errs.New("eventbus/dispatch", errs.CodeUnavailable,
			errs.WithMessage("submit async handler"),
			errs.WithCause(err)), false)
	}
}

func (b *EventBus) invoke(ctx context.Context, sub *subscription, evt *schema.Event) {
	start := time.Now()
	var err error
	var catcher panics.Catcher
	catcher.Try(func() {
		err = sub.handler(ctx, evt)
	})
	panicked := false
	if recovered := catcher.Recovered(); recovered != nil {
		panicked = true
		err = errs.New("eventbus/handler", errs.CodeHandlerFailed,
			errs.WithMessage(fmt.Sprintf("panic: %v", recovered.Value)),
			errs.WithField("handler_id", sub.id))
		b.log.Error("event handler panicked",
			zap.String("handler_id", sub.id),
			zap.String("event_type", string(evt.Type())),
			zap.ByteString("stack", recovered.Stack))
	}
	millis := float64(time.Since(start).Microseconds()) / 1000
	b.metrics.handled(ctx, evt.Type(), sub.metricID(), millis, err != nil)
	if err != nil {
		b.recordFailure(sub, evt, err, panicked)
		return
	}
	sub.calls.Add(1)
	b.counters.handlersCalled.Add(1)
}

// recordFailure is the only place handler failures are counted.
func (b *EventBus) recordFailure(sub *subscription, evt *schema.Event, err error, panicked bool) {
	sub.errors.Add(1)
	b.counters.failed.Add(1)
	b.failures.add(HandlerFailure{
		SubscriptionID: sub.id,
		EventType:      evt.Type(),
		EventID:        evt.ID(),
		Error:          err.Error(),
		Panicked:       panicked,
		At:             time.Now().UTC(),
	})
	b.log.Error("error in event handler",
		zap.String("handler_id", sub.id),
		zap.String("event_type", string(evt.Type())),
		zap.String("event_id", evt.ID()),
		zap.Error(err))
}

// State returns the lifecycle state.
func (b *EventBus) State() State {
	return State(b.state.Load())
}

// Running reports whether the consumer goroutine is accepting events.
func (b *EventBus) Running() bool {
	return b.State() == StateRunning
}

// Stats returns a point-in-time snapshot of counters, subscribers and history.
func (b *EventBus) Stats() Stats {
	failures := b.failures.last(b.failures.capacity())
	if failures == nil {
		failures = []HandlerFailure{}
	}
	state := b.State()
	return Stats{
		Running:          state == StateRunning,
		State:            state.String(),
		QueueDepth:       len(b.queue),
		QueueCapacity:    cap(b.queue),
		EventsPublished:  b.counters.published.Load(),
		EventsProcessed:  b.counters.processed.Load(),
		EventsFailed:     b.counters.failed.Load(),
		EventsDropped:    b.counters.dropped.Load(),
		EventsFiltered:   b.counters.filtered.Load(),
		HandlersCalled:   b.counters.handlersCalled.Load(),
		ShutdownTimeouts: b.counters.shutdownTimeouts.Load(),
		DrainTimeouts:    b.counters.drainTimeouts.Load(),
		EventsByType:     b.byType.snapshot(),
		Subscribers:      summarizeSubscribers(b.subs.all()),
		HistorySize:      b.history.len(),
		HistoryCapacity:  b.history.capacity(),
		RecentFailures:   failures,
	}
}

// RecentEvents returns up to count of the most recently dispatched events, most recent last.
func (b *EventBus) RecentEvents(count int) []*schema.Event {
	return b.history.last(count)
}

// RecentEventsOfType is RecentEvents restricted to one event type.
func (b *EventBus) RecentEventsOfType(typ schema.EventType, count int) []*schema.Event {
	return b.history.lastMatching(count, func(evt *schema.Event) bool {
		return evt.Type() == typ
	})
}

// ClearHistory empties the history buffer. Counters are kept.
func (b *EventBus) ClearHistory() {
	b.history.clear()
	b.log.Debug("event history cleared")
}
