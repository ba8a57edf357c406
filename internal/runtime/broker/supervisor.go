// Package broker owns the RabbitMQ connection: bounded connection cycles with
// backoff, reconnection after a lost connection, and the connectivity state
// consumed by the health probes.
package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	configpkg "github.com/drblury/notifyflow/internal/runtime/config"
	errspkg "github.com/drblury/notifyflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/notifyflow/internal/runtime/logging"
)

// Dependencies holds the optional collaborators of a Supervisor. Nil fields
// fall back to production defaults.
type Dependencies struct {
	Dialer     Dialer
	Registerer prometheus.Registerer
	// BackOff overrides the backoff built from the broker configuration.
	BackOff func() backoff.BackOff
}

// Supervisor is the single owner of the broker connection and its state.
type Supervisor struct {
	conf   *configpkg.Config
	logger loggingpkg.ServiceLogger

	dial       Dialer
	newBackOff func() backoff.BackOff
	metrics    *supervisorMetrics

	state atomic.Int32

	// mu serialises state transitions and guards the fields below.
	mu             sync.Mutex
	conn           Connection
	lost           chan *amqp.Error
	sessions       []SessionFunc
	listeners      []func(from, to State)
	everSubscribed bool

	closed    context.Context
	markClose context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// NewSupervisor builds a Supervisor in the Disconnected state. Register
// session functions with OnConnected before calling Run.
func NewSupervisor(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps Dependencies) (*Supervisor, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}

	s := &Supervisor{
		conf:       conf,
		logger:     log.With(loggingpkg.LogFields{"component": "broker"}),
		dial:       deps.Dialer,
		newBackOff: deps.BackOff,
	}
	if s.dial == nil {
		s.dial = AMQPDialer(conf.ServiceName, conf.Broker.Heartbeat)
	}
	if s.newBackOff == nil {
		s.newBackOff = func() backoff.BackOff { return backOffFromConfig(conf.Broker) }
	}
	s.closed, s.markClose = context.WithCancel(context.Background())
	s.state.Store(int32(StateDisconnected))

	m, err := newSupervisorMetrics(deps.Registerer)
	if err != nil {
		return nil, err
	}
	s.metrics = m
	s.metrics.observeState(StateDisconnected)

	return s, nil
}

func backOffFromConfig(b configpkg.BrokerConfig) backoff.BackOff {
	if b.BackoffPolicy == configpkg.BackoffConstant {
		return backoff.NewConstantBackOff(b.BackoffInitialInterval)
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = b.BackoffInitialInterval
	exp.Multiplier = b.BackoffMultiplier
	if b.BackoffMaxInterval > 0 {
		exp.MaxInterval = b.BackoffMaxInterval
	}
	return exp
}

// OnConnected registers fn to run on every new connection.
func (s *Supervisor) OnConnected(fn SessionFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append(s.sessions, fn)
}

// OnStateChange registers a listener invoked synchronously on every
// transition. Listeners must not call back into the Supervisor.
func (s *Supervisor) OnStateChange(fn func(from, to State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// State returns the current connectivity state without blocking.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

func (s *Supervisor) setState(next State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setStateLocked(next)
}

func (s *Supervisor) setStateLocked(next State) bool {
	cur := State(s.state.Load())
	if cur == next || !cur.allows(next) {
		return false
	}
	s.state.Store(int32(next))
	s.metrics.observeState(next)
	s.logger.Info("Broker connection state changed", loggingpkg.LogFields{
		"from": cur.String(),
		"to":   next.String(),
	})
	for _, fn := range s.listeners {
		fn(cur, next)
	}
	return true
}

func (s *Supervisor) isClosing() bool {
	return s.closed.Err() != nil
}

// Run connects and keeps the connection alive until Close is called. A lost
// connection starts a fresh bounded connect cycle. Run returns nil after
// Close, and the fatal error when a cycle is exhausted or the first
// subscription fails.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		if err := s.Connect(ctx); err != nil {
			if s.isClosing() {
				return nil
			}
			return err
		}

		s.mu.Lock()
		lost := s.lost
		s.mu.Unlock()

		select {
		case <-s.closed.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-lost:
			if s.isClosing() {
				return nil
			}
			fields := loggingpkg.LogFields{"queue": s.conf.Broker.Queue}
			var cause error = errors.New("connection closed")
			if amqpErr != nil {
				cause = amqpErr
			}
			s.logger.Error("Broker connection lost, reconnecting", cause, fields)
			s.mu.Lock()
			s.conn, s.lost = nil, nil
			s.setStateLocked(StateDisconnected)
			s.mu.Unlock()
			s.metrics.reconnects.Inc()
		}
	}
}

// Connect runs one bounded connect cycle. It returns nil once a connection
// is established and every session function succeeded.
func (s *Supervisor) Connect(ctx context.Context) error {
	if s.isClosing() {
		return errspkg.ErrSupervisorClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.closed, cancel)
	defer stop()

	maxAttempts := s.conf.Broker.MaxConnectionAttempts
	attempt := 0
	operation := func() (struct{}, error) {
		attempt++
		s.setState(StateConnecting)
		err := s.open(ctx)
		if err == nil {
			s.metrics.attempts.WithLabelValues("success").Inc()
			return struct{}{}, nil
		}
		s.metrics.attempts.WithLabelValues("failure").Inc()
		s.logger.Error("Broker connection attempt failed", err, loggingpkg.LogFields{
			"attempt":      attempt,
			"max_attempts": maxAttempts,
		})
		connErr := &errspkg.ConnectionError{Attempt: attempt, Err: err}

		var subErr *errspkg.SubscribeError
		if errors.As(err, &subErr) && !s.subscribedBefore() {
			return struct{}{}, backoff.Permanent(connErr)
		}
		if errors.Is(err, errspkg.ErrSupervisorClosed) {
			return struct{}{}, backoff.Permanent(connErr)
		}
		return struct{}{}, connErr
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(s.newBackOff()),
		backoff.WithMaxTries(uint(maxAttempts)),
		// The attempt ceiling is the only limit on a cycle.
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Info("Retrying broker connection", loggingpkg.LogFields{
				"attempt":      attempt,
				"max_attempts": maxAttempts,
				"retry_in":     next.String(),
			})
		}),
	)
	if err == nil {
		return nil
	}

	if s.isClosing() {
		return errspkg.ErrSupervisorClosed
	}
	if ctxErr := ctx.Err(); ctxErr != nil && attempt < maxAttempts {
		s.setState(StateDisconnected)
		return ctxErr
	}

	var subErr *errspkg.SubscribeError
	if errors.As(err, &subErr) && !s.subscribedBefore() {
		s.setState(StateDisconnected)
		return subErr
	}

	s.setState(StateFailed)
	exhausted := &errspkg.ExhaustedError{Attempts: attempt, Last: err}
	s.logger.Error("Broker connection attempts exhausted", exhausted, loggingpkg.LogFields{
		"max_attempts": maxAttempts,
	})
	return exhausted
}

func (s *Supervisor) subscribedBefore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.everSubscribed
}

// open dials, registers the close listener and runs the session functions.
func (s *Supervisor) open(ctx context.Context) error {
	conn, err := s.dial(ctx, s.conf.Broker.URI())
	if err != nil {
		return err
	}
	lost := conn.NotifyClose(make(chan *amqp.Error, 1))

	s.mu.Lock()
	sessions := append([]SessionFunc(nil), s.sessions...)
	s.mu.Unlock()

	for _, session := range sessions {
		if err := session(ctx, conn); err != nil {
			_ = conn.Close()
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosing() {
		_ = conn.Close()
		return errspkg.ErrSupervisorClosed
	}
	s.conn, s.lost = conn, lost
	s.everSubscribed = true
	s.setStateLocked(StateConnected)
	s.logger.Info("Broker connected", loggingpkg.LogFields{
		"host":  s.conf.Broker.Host,
		"port":  s.conf.Broker.Port,
		"queue": s.conf.Broker.Queue,
	})
	return nil
}

// Close stops any running connect cycle and closes the connection. It is
// safe to call more than once; later calls return the first result.
func (s *Supervisor) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.setStateLocked(StateClosing)
		s.markClose()
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()

		if conn != nil && !conn.IsClosed() {
			if err := conn.Close(); err != nil {
				s.closeErr = &errspkg.CloseError{Err: err}
				s.logger.Error("Failed to close broker connection", err, nil)
			}
		}

		s.setState(StateClosed)
	})
	return s.closeErr
}
