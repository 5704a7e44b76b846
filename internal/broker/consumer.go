package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sourcegraph/conc/pool"

	"github.com/campusops/syncengine/errs"
	"github.com/campusops/syncengine/internal/config"
	"github.com/campusops/syncengine/internal/observability"
	"github.com/campusops/syncengine/internal/registry"
	"github.com/campusops/syncengine/internal/schema"
	"github.com/campusops/syncengine/internal/telemetry"
)

const (
	retryCountHeader = "x-retry-count"
	consumerTag      = "sync-engine"
	dialTimeout      = time.Minute
)

type retryCountKey struct{}

// WithRetryCount annotates the context with the delivery attempt count.
func WithRetryCount(ctx context.Context, count int) context.Context {
	return context.WithValue(ctx, retryCountKey{}, count)
}

// RetryCountFrom reports how many retries preceded the current delivery.
func RetryCountFrom(ctx context.Context) int {
	if count, ok := ctx.Value(retryCountKey{}).(int); ok {
		return count
	}
	return 0
}

// Deduplicator suppresses redelivered events that were already processed.
type Deduplicator interface {
	IsDuplicate(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, env schema.Envelope) error
}

// publisher is the slice of *amqp.Channel used to park failures on the retry
// queue.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Consumer drains the main queue, dispatches envelopes to registered handlers,
// and drives the delayed-retry and dead-letter flows.
type Consumer struct {
	cfg      config.BrokerConfig
	registry *registry.Registry
	dedup    Deduplicator

	conn *amqp.Connection
	ch   *amqp.Channel
	pub  publisher

	// procCtx outlives the start context so a shutdown signal does not
	// cancel in-flight handlers; Stop cancels it after the drain wait.
	procCtx    context.Context
	procCancel context.CancelFunc

	workers  *pool.Pool
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewConsumer constructs a Consumer. Start must be called before deliveries flow.
func NewConsumer(cfg config.BrokerConfig, reg *registry.Registry, dedup Deduplicator) *Consumer {
	return &Consumer{cfg: cfg, registry: reg, dedup: dedup}
}

// Start dials the broker with exponential backoff, declares the topology, and
// begins consuming with the configured prefetch.
func (c *Consumer) Start(ctx context.Context) error {
	conn, err := backoff.Retry(ctx, func() (*amqp.Connection, error) {
		return amqp.Dial(c.cfg.URL)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(dialTimeout))
	if err != nil {
		return errs.New("broker", errs.CodeBroker,
			errs.WithMessage(fmt.Sprintf("dial %s", c.cfg.URL)), errs.WithCause(err))
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return errs.New("broker", errs.CodeBroker, errs.WithMessage("open channel"), errs.WithCause(err))
	}
	if err := DeclareTopology(ch, c.cfg); err != nil {
		ch.Close()
		conn.Close()
		return err
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return errs.New("broker", errs.CodeBroker, errs.WithMessage("set prefetch"), errs.WithCause(err))
	}
	deliveries, err := ch.Consume(c.cfg.MainQueue, consumerTag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return errs.New("broker", errs.CodeBroker,
			errs.WithMessage(fmt.Sprintf("consume %s", c.cfg.MainQueue)), errs.WithCause(err))
	}

	c.conn = conn
	c.ch = ch
	c.pub = ch
	c.procCtx, c.procCancel = context.WithCancel(context.WithoutCancel(ctx))
	c.workers = pool.New().WithMaxGoroutines(c.cfg.Prefetch)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for delivery := range deliveries {
			d := delivery
			c.workers.Go(func() {
				c.process(c.procCtx, d)
			})
		}
		c.workers.Wait()
	}()

	observability.Log().Info("broker consumer started",
		observability.Field{Key: "queue", Value: c.cfg.MainQueue},
		observability.Field{Key: "prefetch", Value: c.cfg.Prefetch},
		observability.Field{Key: "bindings", Value: c.cfg.Bindings})
	return nil
}

// Stop cancels the consumer, closes the connection, and waits for in-flight
// deliveries to settle or the context to expire.
func (c *Consumer) Stop(ctx context.Context) error {
	var err error
	c.stopOnce.Do(func() {
		if c.ch != nil {
			if cancelErr := c.ch.Cancel(consumerTag, false); cancelErr != nil {
				observability.Log().Warn("broker consumer cancel failed",
					observability.Field{Key: "error", Value: cancelErr.Error()})
			}
		}
		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("broker: drain in-flight deliveries: %w", ctx.Err())
		}
		if c.procCancel != nil {
			c.procCancel()
		}
		if c.ch != nil {
			c.ch.Close()
		}
		if c.conn != nil {
			c.conn.Close()
		}
	})
	return err
}

// process runs the per-delivery pipeline: parse, dedup, dispatch, settle.
func (c *Consumer) process(ctx context.Context, d amqp.Delivery) {
	env, err := schema.ParseEnvelope(d.Body)
	if err != nil {
		// Unparseable bodies can never succeed; ack and drop.
		observability.Log().Error("discarding malformed event",
			observability.Field{Key: "routing_key", Value: d.RoutingKey},
			observability.Field{Key: "error", Value: err.Error()})
		c.settle(d, func() error { return d.Ack(false) })
		return
	}
	telemetry.EventConsumed(ctx, env.EventType)

	duplicate, err := c.dedup.IsDuplicate(ctx, env.EventID)
	if err != nil {
		// Cache-tier outage: process anyway rather than stall the queue.
		observability.Log().Warn("dedup check failed, processing anyway",
			observability.Field{Key: "event_id", Value: env.EventID},
			observability.Field{Key: "error", Value: err.Error()})
	}
	if duplicate {
		telemetry.EventDuplicate(ctx, env.EventType)
		observability.Log().Info("skipping duplicate event",
			observability.Field{Key: "event_id", Value: env.EventID},
			observability.Field{Key: "event_type", Value: env.EventType})
		c.settle(d, func() error { return d.Ack(false) })
		return
	}

	handler, ok := c.registry.Lookup(env.EventType)
	if !ok {
		observability.Log().Warn("no handler for event type",
			observability.Field{Key: "event_type", Value: env.EventType},
			observability.Field{Key: "event_id", Value: env.EventID})
		c.settle(d, func() error { return d.Ack(false) })
		return
	}

	retries := retryCountOf(d)
	if err := handler(WithRetryCount(ctx, retries), env); err != nil {
		c.handleFailure(ctx, d, env, retries, err)
		return
	}
	if err := c.dedup.MarkProcessed(ctx, env); err != nil {
		observability.Log().Warn("dedup mark failed",
			observability.Field{Key: "event_id", Value: env.EventID},
			observability.Field{Key: "error", Value: err.Error()})
	}
	c.settle(d, func() error { return d.Ack(false) })
}

// handleFailure parks the event on the retry queue until the retry budget is
// spent, then rejects it into the dead-letter queue.
func (c *Consumer) handleFailure(ctx context.Context, d amqp.Delivery, env schema.Envelope, retries int, cause error) {
	next := retries + 1
	if next > c.cfg.MaxRetries {
		telemetry.EventDeadLettered(ctx, env.EventType)
		observability.Log().Error("retry budget exhausted, dead-lettering event",
			observability.Field{Key: "event_id", Value: env.EventID},
			observability.Field{Key: "event_type", Value: env.EventType},
			observability.Field{Key: "retries", Value: retries},
			observability.Field{Key: "error", Value: cause.Error()})
		c.settle(d, func() error { return d.Nack(false, false) })
		return
	}

	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[retryCountHeader] = int32(next)
	msg := amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		Headers:      headers,
		Body:         d.Body,
	}
	if err := c.pub.PublishWithContext(ctx, "", c.cfg.RetryQueue, false, false, msg); err != nil {
		observability.Log().Error("retry publish failed, requeueing delivery",
			observability.Field{Key: "event_id", Value: env.EventID},
			observability.Field{Key: "error", Value: err.Error()})
		c.settle(d, func() error { return d.Nack(false, true) })
		return
	}
	telemetry.EventRetried(ctx, env.EventType)
	observability.Log().Warn("event scheduled for retry",
		observability.Field{Key: "event_id", Value: env.EventID},
		observability.Field{Key: "event_type", Value: env.EventType},
		observability.Field{Key: "attempt", Value: next},
		observability.Field{Key: "error", Value: cause.Error()})
	c.settle(d, func() error { return d.Ack(false) })
}

func (c *Consumer) settle(d amqp.Delivery, settle func() error) {
	if err := settle(); err != nil {
		observability.Log().Error("delivery settlement failed",
			observability.Field{Key: "delivery_tag", Value: d.DeliveryTag},
			observability.Field{Key: "error", Value: err.Error()})
	}
}

func retryCountOf(d amqp.Delivery) int {
	raw, ok := d.Headers[retryCountHeader]
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
