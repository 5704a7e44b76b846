// Package broker owns the AMQP topology and the consuming side of the
// synchronization pipeline.
package broker

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/campusops/syncengine/internal/config"
)

// topologyChannel is the slice of *amqp.Channel used for declarations.
type topologyChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// DeclareTopology declares the exchange, the main queue, the delayed retry
// queue, and the dead-letter queue, then binds the main queue to the exchange.
//
// The retry queue holds no consumers: messages parked there expire after the
// configured delay and are dead-lettered through the default exchange back to
// the main queue. Rejections from the main queue dead-letter into the DLQ the
// same way.
func DeclareTopology(ch topologyChannel, cfg config.BrokerConfig) error {
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare exchange %s: %w", cfg.Exchange, err)
	}
	if _, err := ch.QueueDeclare(cfg.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare queue %s: %w", cfg.DeadLetterQueue, err)
	}
	mainArgs := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.DeadLetterQueue,
	}
	if _, err := ch.QueueDeclare(cfg.MainQueue, true, false, false, false, mainArgs); err != nil {
		return fmt.Errorf("broker: declare queue %s: %w", cfg.MainQueue, err)
	}
	retryArgs := amqp.Table{
		"x-message-ttl":             int32(cfg.RetryDelayMS),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.MainQueue,
	}
	if _, err := ch.QueueDeclare(cfg.RetryQueue, true, false, false, false, retryArgs); err != nil {
		return fmt.Errorf("broker: declare queue %s: %w", cfg.RetryQueue, err)
	}
	for _, binding := range cfg.Bindings {
		if err := ch.QueueBind(cfg.MainQueue, binding, cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("broker: bind %s to %s via %q: %w", cfg.MainQueue, cfg.Exchange, binding, err)
		}
	}
	return nil
}
