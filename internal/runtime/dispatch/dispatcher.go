// Package dispatch consumes deliveries from the broker, routes them by type
// key to registered handlers and settles every delivery exactly once.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/notifyflow/internal/runtime/broker"
	configpkg "github.com/drblury/notifyflow/internal/runtime/config"
	errspkg "github.com/drblury/notifyflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/notifyflow/internal/runtime/logging"
)

const tracerName = "github.com/drblury/notifyflow/dispatch"

// Dependencies holds optional collaborators of a Dispatcher.
type Dependencies struct {
	Registerer     prometheus.Registerer
	TracerProvider trace.TracerProvider
}

// Dispatcher owns the consume loop and the handler worker pool.
type Dispatcher struct {
	conf       *configpkg.Config
	logger     loggingpkg.ServiceLogger
	policy     FailurePolicy
	deadLetter bool
	metrics    *dispatchMetrics
	tracer     trace.Tracer

	mu      sync.Mutex
	started bool
	stopped bool
	chains  map[string]message.HandlerFunc
	pool    *ants.Pool
	channel broker.Channel

	tracker   *tracker
	consumers sync.WaitGroup
	stopOnce  sync.Once

	// handlers run under baseCtx; a forced drain cancels it.
	baseCtx    context.Context
	cancelBase context.CancelFunc
	abandoned  atomic.Bool
}

// New builds a Dispatcher. Call Start with a registry before handing
// Subscribe to the supervisor.
func New(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps Dependencies) (*Dispatcher, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	policy, err := ParseFailurePolicy(conf.Dispatch.FailurePolicy)
	if err != nil {
		return nil, err
	}
	m, err := newDispatchMetrics(deps.Registerer)
	if err != nil {
		return nil, err
	}
	tp := deps.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	d := &Dispatcher{
		conf:       conf,
		logger:     log.With(loggingpkg.LogFields{"component": "dispatch", "queue": conf.Broker.Queue}),
		policy:     policy,
		deadLetter: conf.Broker.DeadLetterExchange != "",
		metrics:    m,
		tracer:     tp.Tracer(tracerName),
		tracker:    newTracker(),
	}
	d.baseCtx, d.cancelBase = context.WithCancel(context.Background())
	return d, nil
}

// Start freezes the routing table and creates the worker pool.
func (d *Dispatcher) Start(registry *Registry) error {
	if registry == nil {
		return errspkg.ErrRegistryRequired
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return errspkg.ErrAlreadyStarted
	}

	mws := d.defaultMiddlewares()
	chains := make(map[string]message.HandlerFunc, len(registry.Types()))
	for _, typ := range registry.Types() {
		h, _ := registry.Lookup(typ)
		chains[typ] = buildChain(h, mws...)
	}

	pool, err := ants.NewPool(d.conf.Dispatch.Concurrency,
		ants.WithNonblocking(false),
		ants.WithPanicHandler(func(p any) {
			d.logger.Error("Dispatch worker panicked", fmt.Errorf("%v", p), nil)
		}),
		ants.WithLogger(loggingpkg.NewPrintfLogger(d.logger)),
	)
	if err != nil {
		return fmt.Errorf("create dispatch worker pool: %w", err)
	}

	d.chains = chains
	d.pool = pool
	d.started = true
	d.logger.Info("Dispatcher started", loggingpkg.LogFields{
		"types":          registry.Types(),
		"concurrency":    d.conf.Dispatch.Concurrency,
		"failure_policy": string(d.policy),
	})
	return nil
}

// Subscribe opens a channel on conn, declares the queue and starts consuming.
// It is registered as a broker.SessionFunc and runs on every new connection.
func (d *Dispatcher) Subscribe(_ context.Context, conn broker.Connection) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	queue := d.conf.Broker.Queue
	if !d.started {
		return &errspkg.SubscribeError{Queue: queue, Err: errspkg.ErrNotStarted}
	}
	if d.stopped {
		return nil
	}

	ch, err := conn.Channel()
	if err != nil {
		return &errspkg.SubscribeError{Queue: queue, Err: fmt.Errorf("open channel: %w", err)}
	}
	deliveries, err := d.declareAndConsume(ch)
	if err != nil {
		_ = ch.Close()
		return &errspkg.SubscribeError{Queue: queue, Err: err}
	}

	d.channel = ch
	ackMu := &sync.Mutex{}
	d.consumers.Add(1)
	go d.consume(deliveries, ackMu)

	d.logger.Info("Consuming from queue", loggingpkg.LogFields{
		"prefetch":     d.conf.EffectivePrefetch(),
		"consumer_tag": d.conf.Broker.ConsumerTag,
	})
	return nil
}

func (d *Dispatcher) declareAndConsume(ch broker.Channel) (<-chan amqp.Delivery, error) {
	b := d.conf.Broker
	if err := ch.Qos(d.conf.EffectivePrefetch(), 0, false); err != nil {
		return nil, fmt.Errorf("set prefetch: %w", err)
	}

	var args amqp.Table
	if b.DeadLetterExchange != "" {
		args = amqp.Table{"x-dead-letter-exchange": b.DeadLetterExchange}
		if b.DeadLetterRoutingKey != "" {
			args["x-dead-letter-routing-key"] = b.DeadLetterRoutingKey
		}
	}
	if _, err := ch.QueueDeclare(b.Queue, b.QueueDurable, false, false, false, args); err != nil {
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	deliveries, err := ch.Consume(b.Queue, b.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	return deliveries, nil
}

// consume runs until the delivery stream closes, which happens on consumer
// cancel or when the channel dies with its connection.
func (d *Dispatcher) consume(deliveries <-chan amqp.Delivery, ackMu *sync.Mutex) {
	defer d.consumers.Done()

	for raw := range deliveries {
		dl := newDelivery(raw, ackMu)
		if !d.tracker.acquire() {
			d.finish(dl, "", ActionRequeue, loggingpkg.LogFields{"delivery_tag": raw.DeliveryTag})
			continue
		}
		d.metrics.inFlight.Inc()

		if err := d.pool.Submit(func() {
			defer d.done()
			d.handle(dl)
		}); err != nil {
			d.done()
			d.logger.Error("Failed to schedule delivery, requeueing", err, loggingpkg.LogFields{
				"delivery_tag": raw.DeliveryTag,
			})
			d.finish(dl, "", ActionRequeue, nil)
		}
	}
	d.logger.Debug("Delivery stream closed", nil)
}

func (d *Dispatcher) done() {
	d.metrics.inFlight.Dec()
	d.tracker.release()
}

func (d *Dispatcher) handle(dl *delivery) {
	ev, err := decodeEvent(dl.raw)
	if err != nil {
		label := "malformed"
		var routeErr *errspkg.RoutingError
		if errors.As(err, &routeErr) {
			label = "unrouted"
			d.metrics.routingErrors.Inc()
		}
		d.logger.Error("Rejecting undecodable message", err, loggingpkg.LogFields{
			"delivery_tag": dl.raw.DeliveryTag,
			"message_id":   dl.raw.MessageId,
		})
		d.finish(dl, label, ActionReject, nil)
		return
	}

	fields := loggingpkg.LogFields{
		"type":           ev.Type,
		"correlation_id": ev.CorrelationID,
		"message_id":     ev.MessageID,
	}

	chain, ok := d.chains[ev.Type]
	if !ok {
		d.metrics.routingErrors.Inc()
		d.logger.Error("No handler registered for message type", &errspkg.RoutingError{Type: ev.Type}, fields)
		d.finish(dl, "unrouted", ActionReject, fields)
		return
	}

	start := time.Now()
	_, herr := chain(newMessage(d.baseCtx, ev))
	d.metrics.duration.WithLabelValues(ev.Type).Observe(time.Since(start).Seconds())

	action := d.policy.Decide(herr, ev.Redelivered, d.deadLetter)
	if herr != nil && action == ActionAck {
		d.logger.Info("Acknowledging failed message without retry", fields)
	}
	d.finish(dl, ev.Type, action, fields)
}

// finish settles dl unless the drain deadline already abandoned it.
func (d *Dispatcher) finish(dl *delivery, label string, action Action, fields loggingpkg.LogFields) {
	if label == "" {
		label = "unknown"
	}
	if d.abandoned.Load() {
		d.metrics.messages.WithLabelValues(label, outcomeAbandoned).Inc()
		d.logger.Debug("Leaving abandoned delivery for redelivery", fields)
		return
	}
	if err := dl.settle(action); err != nil {
		d.logger.Error("Failed to settle delivery", err, fields)
		return
	}
	d.metrics.messages.WithLabelValues(label, outcomeFor(action)).Inc()
}

// Stop closes intake and cancels the broker consumer. Deliveries still
// buffered locally are requeued by the consume loop.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.tracker.stop()

		d.mu.Lock()
		d.stopped = true
		ch := d.channel
		d.mu.Unlock()

		if ch != nil {
			if err := ch.Cancel(d.conf.Broker.ConsumerTag, false); err != nil {
				d.logger.Error("Failed to cancel consumer", err, nil)
			}
		}
		d.logger.Info("Dispatcher intake stopped", nil)
	})
}

// Drain waits for in-flight handlers. When ctx expires first the remaining
// invocations are abandoned: their deliveries stay unsettled, their contexts
// are cancelled, and ErrDrainTimeout is returned.
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.Stop()

	consumersDone := make(chan struct{})
	go func() {
		d.consumers.Wait()
		close(consumersDone)
	}()
	select {
	case <-consumersDone:
	case <-ctx.Done():
	}

	if err := d.tracker.wait(ctx); err != nil {
		d.abandoned.Store(true)
		d.cancelBase()
		remaining := d.tracker.inFlight()
		d.logger.Error("Forced drain, abandoning in-flight handlers", errspkg.ErrDrainTimeout, loggingpkg.LogFields{
			"in_flight": remaining,
		})
		d.releasePool()
		return fmt.Errorf("%w: %d handler(s) still running", errspkg.ErrDrainTimeout, remaining)
	}

	d.releasePool()
	d.cancelBase()
	d.logger.Info("Dispatcher drained", nil)
	return nil
}

// InFlight returns the number of running handler invocations.
func (d *Dispatcher) InFlight() int {
	return d.tracker.inFlight()
}

func (d *Dispatcher) releasePool() {
	d.mu.Lock()
	pool := d.pool
	d.mu.Unlock()
	if pool != nil {
		pool.Release()
	}
}
