// Package brokertest provides in-memory broker connections for tests.
package brokertest

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/notifyflow/internal/runtime/broker"
)

// ErrDialRefused is returned by a Dialer for scripted failures.
var ErrDialRefused = errors.New("dial tcp: connection refused")

// Dialer hands out Connections and fails the first Failures dials.
type Dialer struct {
	mu       sync.Mutex
	failures int
	dials    int
	conns    []*Connection
	// ChannelFactory, when set, builds the channels of every new connection.
	ChannelFactory func() *Channel
}

// NewDialer returns a Dialer failing the first failures attempts.
func NewDialer(failures int) *Dialer {
	return &Dialer{failures: failures}
}

// FailNext makes the next n dials fail.
func (d *Dialer) FailNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = n
}

// Dial satisfies broker.Dialer.
func (d *Dialer) Dial(ctx context.Context, _ string) (broker.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failures > 0 {
		d.failures--
		return nil, ErrDialRefused
	}
	conn := NewConnection()
	conn.ChannelFactory = d.ChannelFactory
	d.conns = append(d.conns, conn)
	return conn, nil
}

// Dials returns how many dials were attempted.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Connections returns the successfully dialled connections in order.
func (d *Dialer) Connections() []*Connection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Connection(nil), d.conns...)
}

// Last returns the most recent connection or nil.
func (d *Dialer) Last() *Connection {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// Connection is an in-memory broker.Connection.
type Connection struct {
	mu       sync.Mutex
	closed   bool
	notify   []chan *amqp.Error
	channels []*Channel

	// ChannelFactory, when set, builds every channel opened on the connection.
	ChannelFactory func() *Channel
	// ChannelErr fails every Channel call when set.
	ChannelErr error
	// CloseErr is returned from Close when set.
	CloseErr error
}

func NewConnection() *Connection {
	return &Connection{}
}

func (c *Connection) Channel() (broker.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ChannelErr != nil {
		return nil, c.ChannelErr
	}
	if c.closed {
		return nil, amqp.ErrClosed
	}
	var ch *Channel
	if c.ChannelFactory != nil {
		ch = c.ChannelFactory()
	} else {
		ch = NewChannel(64)
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// Channels returns the channels opened so far.
func (c *Connection) Channels() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Channel(nil), c.channels...)
}

func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

// Close shuts the connection gracefully; listeners see a closed channel.
func (c *Connection) Close() error {
	c.shutdown(nil)
	return c.CloseErr
}

// Drop simulates the broker going away with err.
func (c *Connection) Drop(err *amqp.Error) {
	if err == nil {
		err = amqp.ErrClosed
	}
	c.shutdown(err)
}

func (c *Connection) shutdown(err *amqp.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, ch := range c.channels {
		_ = ch.Close()
	}
	for _, n := range c.notify {
		if err != nil {
			n <- err
		}
		close(n)
	}
	c.notify = nil
}

func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Channel is an in-memory broker.Channel. Deliveries pushed with Deliver are
// handed to the consumer returned by Consume.
type Channel struct {
	mu         sync.Mutex
	deliveries chan amqp.Delivery
	stop       chan struct{}
	senders    sync.WaitGroup
	done       bool
	consuming  bool

	QosErr     error
	DeclareErr error
	ConsumeErr error

	Prefetch    int
	Queue       string
	Durable     bool
	QueueArgs   amqp.Table
	ConsumerTag string
	Cancelled   bool
}

// NewChannel returns a Channel buffering up to size deliveries.
func NewChannel(size int) *Channel {
	return &Channel{deliveries: make(chan amqp.Delivery, size), stop: make(chan struct{})}
}

func (c *Channel) Qos(prefetchCount, _ int, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Prefetch = prefetchCount
	return c.QosErr
}

func (c *Channel) QueueDeclare(name string, durable, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.DeclareErr != nil {
		return amqp.Queue{}, c.DeclareErr
	}
	c.Queue, c.Durable, c.QueueArgs = name, durable, args
	return amqp.Queue{Name: name}, nil
}

func (c *Channel) Consume(queue, consumer string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ConsumeErr != nil {
		return nil, c.ConsumeErr
	}
	if autoAck {
		return nil, errors.New("brokertest: auto-ack consumers are not supported")
	}
	c.ConsumerTag = consumer
	c.consuming = true
	return c.deliveries, nil
}

// Cancel stops the consumer and closes its delivery stream.
func (c *Channel) Cancel(_ string, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Cancelled = true
	c.closeLocked()
	return nil
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}

// closeLocked unblocks pending Deliver calls before closing the stream.
func (c *Channel) closeLocked() {
	if c.done {
		return
	}
	c.done = true
	close(c.stop)
	c.senders.Wait()
	close(c.deliveries)
}

// IsCancelled reports whether Cancel was called.
func (c *Channel) IsCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Cancelled
}

// Deliver pushes d to the consumer, blocking while the buffer is full. It
// reports false once the stream is closed, including when Cancel or Close
// runs while it waits.
func (c *Channel) Deliver(d amqp.Delivery) bool {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return false
	}
	c.senders.Add(1)
	c.mu.Unlock()
	defer c.senders.Done()

	select {
	case c.deliveries <- d:
		return true
	case <-c.stop:
		return false
	}
}

// Resolution is one settlement recorded by an Acknowledger.
type Resolution struct {
	Tag     uint64
	Ack     bool
	Requeue bool
}

// Acknowledger records acks and nacks.
type Acknowledger struct {
	mu          sync.Mutex
	resolutions []Resolution
}

func NewAcknowledger() *Acknowledger {
	return &Acknowledger{}
}

func (a *Acknowledger) Ack(tag uint64, _ bool) error {
	a.record(Resolution{Tag: tag, Ack: true})
	return nil
}

func (a *Acknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.record(Resolution{Tag: tag, Requeue: requeue})
	return nil
}

func (a *Acknowledger) Reject(tag uint64, requeue bool) error {
	a.record(Resolution{Tag: tag, Requeue: requeue})
	return nil
}

func (a *Acknowledger) record(r Resolution) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resolutions = append(a.resolutions, r)
}

// Resolutions returns a copy of every recorded settlement.
func (a *Acknowledger) Resolutions() []Resolution {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Resolution(nil), a.resolutions...)
}

// For returns the settlements recorded for tag.
func (a *Acknowledger) For(tag uint64) []Resolution {
	var out []Resolution
	for _, r := range a.Resolutions() {
		if r.Tag == tag {
			out = append(out, r)
		}
	}
	return out
}

// Count returns the number of recorded settlements.
func (a *Acknowledger) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.resolutions)
}

// NewDelivery builds a delivery settled through ack.
func NewDelivery(ack amqp.Acknowledger, tag uint64, body []byte) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  tag,
		ContentType:  "application/json",
		Body:         body,
	}
}
