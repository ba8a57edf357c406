package dispatch

import (
	"errors"
	"fmt"

	configpkg "github.com/drblury/notifyflow/internal/runtime/config"
	errspkg "github.com/drblury/notifyflow/internal/runtime/errors"
)

// Action is how a delivery gets settled with the broker.
type Action int

const (
	ActionAck Action = iota
	// ActionRequeue nacks with requeue so the broker redelivers.
	ActionRequeue
	// ActionReject nacks without requeue: dead-lettered when the queue has a
	// dead-letter exchange, dropped otherwise.
	ActionReject
)

func (a Action) String() string {
	switch a {
	case ActionAck:
		return "ack"
	case ActionRequeue:
		return "requeue"
	case ActionReject:
		return "reject"
	default:
		return "unknown"
	}
}

// FailurePolicy decides how a failed delivery is settled.
type FailurePolicy string

const (
	PolicyRequeueOnce FailurePolicy = configpkg.FailureRequeueOnce
	PolicyRequeue     FailurePolicy = configpkg.FailureRequeue
	PolicyReject      FailurePolicy = configpkg.FailureReject
	PolicyAck         FailurePolicy = configpkg.FailureAck
)

// ParseFailurePolicy validates name. An empty name selects requeue-once.
func ParseFailurePolicy(name string) (FailurePolicy, error) {
	switch p := FailurePolicy(name); p {
	case "":
		return PolicyRequeueOnce, nil
	case PolicyRequeueOnce, PolicyRequeue, PolicyReject, PolicyAck:
		return p, nil
	default:
		return "", fmt.Errorf("unknown failure policy %q", name)
	}
}

// Decide maps a failed delivery to an Action. deadLetter reports whether the
// queue routes rejected messages to a dead-letter exchange.
//
// Routing errors are always rejected. Unprocessable payloads never requeue.
// For requeue-once, redelivered is the broker flag, which is also set for
// messages returned by a dropped connection.
func (p FailurePolicy) Decide(err error, redelivered, deadLetter bool) Action {
	if err == nil {
		return ActionAck
	}
	var routeErr *errspkg.RoutingError
	if errors.As(err, &routeErr) {
		return ActionReject
	}
	unprocessable := errspkg.IsUnprocessable(err)

	switch p {
	case PolicyAck:
		return ActionAck
	case PolicyReject:
		return ActionReject
	case PolicyRequeue:
		if unprocessable {
			return ActionReject
		}
		return ActionRequeue
	default:
		if !redelivered && !unprocessable {
			return ActionRequeue
		}
		if deadLetter {
			return ActionReject
		}
		return ActionAck
	}
}
