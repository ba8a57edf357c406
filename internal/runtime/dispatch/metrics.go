package dispatch

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	metricspkg "github.com/drblury/notifyflow/internal/runtime/metrics"
)

const metricsSubsystem = "dispatch"

// Outcome labels for the messages counter.
const (
	outcomeAck       = "ack"
	outcomeRequeue   = "requeue"
	outcomeReject    = "reject"
	outcomeAbandoned = "abandoned"
)

type dispatchMetrics struct {
	messages      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	routingErrors prometheus.Counter
	inFlight      prometheus.Gauge
}

func newDispatchMetrics(reg prometheus.Registerer) (*dispatchMetrics, error) {
	m := &dispatchMetrics{
		messages: metricspkg.NewCounterVec(metricsSubsystem, "messages_total",
			"Settled deliveries by message type and outcome.", "type", "outcome"),
		duration: metricspkg.NewHistogramVec(metricsSubsystem, "handler_duration_seconds",
			"Handler execution time by message type.", nil, "type"),
		routingErrors: metricspkg.NewCounter(metricsSubsystem, "routing_errors_total",
			"Deliveries whose type key has no registered handler."),
		inFlight: metricspkg.NewGauge(metricsSubsystem, "in_flight",
			"Handler invocations currently running."),
	}
	var errs [4]error
	m.messages, errs[0] = metricspkg.Register(reg, m.messages)
	m.duration, errs[1] = metricspkg.Register(reg, m.duration)
	m.routingErrors, errs[2] = metricspkg.Register(reg, m.routingErrors)
	m.inFlight, errs[3] = metricspkg.Register(reg, m.inFlight)
	if err := errors.Join(errs[:]...); err != nil {
		return nil, err
	}
	return m, nil
}

func outcomeFor(a Action) string {
	switch a {
	case ActionAck:
		return outcomeAck
	case ActionRequeue:
		return outcomeRequeue
	default:
		return outcomeReject
	}
}
