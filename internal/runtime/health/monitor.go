// Package health exposes liveness and readiness derived from the broker
// connection state, plus the HTTP probe server serving them.
package health

import (
	"github.com/drblury/notifyflow/internal/runtime/broker"
)

const (
	StatusOK      = "ok"
	StatusReady   = "ready"
	StatusUnready = "unready"

	// DependencyBroker is the details key for the broker connection.
	DependencyBroker = "broker"
)

// StateReader is satisfied by broker.Supervisor.
type StateReader interface {
	State() broker.State
}

// Liveness is the /livez body.
type Liveness struct {
	Status string `json:"status"`
}

// Status is the /readyz body.
type Status struct {
	Status  string            `json:"status"`
	Details map[string]string `json:"details"`
}

// Ready reports whether the status is ready.
func (s Status) Ready() bool {
	return s.Status == StatusReady
}

// Monitor computes probe results on demand from the supervisor state. It
// never blocks and performs no I/O.
type Monitor struct {
	state StateReader
}

func NewMonitor(state StateReader) *Monitor {
	return &Monitor{state: state}
}

// Liveness is always ok while the process runs.
func (m *Monitor) Liveness() Liveness {
	return Liveness{Status: StatusOK}
}

// Readiness is ready iff the broker connection is Connected.
func (m *Monitor) Readiness() Status {
	st := broker.StateDisconnected
	if m.state != nil {
		st = m.state.State()
	}
	if st == broker.StateConnected {
		return Status{Status: StatusReady, Details: map[string]string{DependencyBroker: StatusOK}}
	}
	return Status{Status: StatusUnready, Details: map[string]string{DependencyBroker: st.String()}}
}
