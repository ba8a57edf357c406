package dispatch

import (
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"

	errspkg "github.com/drblury/notifyflow/internal/runtime/errors"
)

// delivery guards a broker delivery so it is settled at most once. Settle
// calls on the same channel are serialised through ackMu.
type delivery struct {
	raw      amqp.Delivery
	ackMu    *sync.Mutex
	resolved atomic.Bool
}

func newDelivery(raw amqp.Delivery, ackMu *sync.Mutex) *delivery {
	return &delivery{raw: raw, ackMu: ackMu}
}

func (d *delivery) settle(action Action) error {
	if !d.resolved.CompareAndSwap(false, true) {
		return errspkg.ErrAlreadyResolved
	}
	d.ackMu.Lock()
	defer d.ackMu.Unlock()

	switch action {
	case ActionAck:
		return d.raw.Ack(false)
	case ActionRequeue:
		return d.raw.Nack(false, true)
	default:
		return d.raw.Nack(false, false)
	}
}

func (d *delivery) isResolved() bool {
	return d.resolved.Load()
}
