package broker

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel used by consumers.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Close() error
}

// Connection is the subset of *amqp.Connection the supervisor manages.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
	IsClosed() bool
}

// Dialer opens a broker connection.
type Dialer func(ctx context.Context, uri string) (Connection, error)

// SessionFunc is invoked on every freshly established connection, before the
// supervisor reports Connected. Returning an error fails the attempt.
type SessionFunc func(ctx context.Context, conn Connection) error

// AMQPDialer returns a Dialer backed by amqp091-go.
func AMQPDialer(connectionName string, heartbeat time.Duration) Dialer {
	return func(ctx context.Context, uri string) (Connection, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		props := amqp.NewConnectionProperties()
		if connectionName != "" {
			props.SetClientConnectionName(connectionName)
		}
		conn, err := amqp.DialConfig(uri, amqp.Config{
			Heartbeat:  heartbeat,
			Locale:     "en_US",
			Properties: props,
		})
		if err != nil {
			return nil, err
		}
		return &amqpConnection{Connection: conn}, nil
	}
}

type amqpConnection struct {
	*amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}
