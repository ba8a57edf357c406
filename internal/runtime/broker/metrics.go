package broker

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	metricspkg "github.com/drblury/notifyflow/internal/runtime/metrics"
)

const metricsSubsystem = "broker"

type supervisorMetrics struct {
	attempts   *prometheus.CounterVec
	state      *prometheus.GaugeVec
	reconnects prometheus.Counter
}

func newSupervisorMetrics(reg prometheus.Registerer) (*supervisorMetrics, error) {
	m := &supervisorMetrics{
		attempts: metricspkg.NewCounterVec(metricsSubsystem, "connection_attempts_total",
			"Broker connection attempts by result.", "result"),
		state: metricspkg.NewGaugeVec(metricsSubsystem, "state",
			"Current broker connection state, 1 for the active state.", "state"),
		reconnects: metricspkg.NewCounter(metricsSubsystem, "reconnects_total",
			"Reconnect cycles started after a lost connection."),
	}
	var errs [3]error
	m.attempts, errs[0] = metricspkg.Register(reg, m.attempts)
	m.state, errs[1] = metricspkg.Register(reg, m.state)
	m.reconnects, errs[2] = metricspkg.Register(reg, m.reconnects)
	if err := errors.Join(errs[:]...); err != nil {
		return nil, err
	}
	return m, nil
}

// observeState sets the gauge for current to 1 and every other state to 0.
func (m *supervisorMetrics) observeState(current State) {
	for _, st := range States() {
		v := 0.0
		if st == current {
			v = 1
		}
		m.state.WithLabelValues(st.String()).Set(v)
	}
}
