// Package shutdown sequences graceful termination: stop intake, drain
// in-flight handlers, close the broker connection, then run finalizers.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	errspkg "github.com/drblury/notifyflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/notifyflow/internal/runtime/logging"
)

// State of the coordinator.
type State int32

const (
	StateRunning State = iota
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Intake is the message source being drained. Satisfied by dispatch.Dispatcher.
type Intake interface {
	Stop()
	Drain(ctx context.Context) error
}

// Closer releases the broker connection. Satisfied by broker.Supervisor.
type Closer interface {
	Close() error
}

type finalizer struct {
	name string
	fn   func(ctx context.Context) error
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithFinalizer registers fn to run after the broker connection is closed.
// Finalizers run in registration order and share the close timeout.
func WithFinalizer(name string, fn func(ctx context.Context) error) Option {
	return func(c *Coordinator) {
		c.finalizers = append(c.finalizers, finalizer{name: name, fn: fn})
	}
}

// Coordinator runs the shutdown sequence exactly once.
type Coordinator struct {
	intake       Intake
	closer       Closer
	drainTimeout time.Duration
	closeTimeout time.Duration
	finalizers   []finalizer
	logger       loggingpkg.ServiceLogger

	state  atomic.Int32
	once   sync.Once
	result error
	done   chan struct{}
}

func New(intake Intake, closer Closer, drainTimeout, closeTimeout time.Duration, log loggingpkg.ServiceLogger, opts ...Option) *Coordinator {
	if log == nil {
		log = loggingpkg.Discard()
	}
	c := &Coordinator{
		intake:       intake,
		closer:       closer,
		drainTimeout: drainTimeout,
		closeTimeout: closeTimeout,
		logger:       log.With(loggingpkg.LogFields{"component": "shutdown"}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Done is closed once the sequence has completed.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Shutdown runs the sequence on the first call. Every call blocks until it
// has completed and returns the same result. The configured timeouts bound
// each phase; cancellation of ctx does not cut them short. A forced drain is
// logged but not reported as an error; close and finalizer failures are.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		c.result = c.run(ctx)
		close(c.done)
	})
	<-c.done
	return c.result
}

func (c *Coordinator) run(parent context.Context) error {
	ctx := context.WithoutCancel(parent)
	started := time.Now()
	c.state.Store(int32(StateDraining))
	c.logger.Info("Shutting down", loggingpkg.LogFields{
		"drain_timeout": c.drainTimeout.String(),
		"close_timeout": c.closeTimeout.String(),
	})

	if c.intake != nil {
		c.intake.Stop()
		drainCtx, cancel := withOptionalTimeout(ctx, c.drainTimeout)
		err := c.intake.Drain(drainCtx)
		cancel()
		switch {
		case errors.Is(err, errspkg.ErrDrainTimeout):
			c.logger.Error("Drain deadline reached, continuing shutdown", err, nil)
		case err != nil:
			c.logger.Error("Drain failed, continuing shutdown", err, nil)
		}
	}
	c.state.Store(int32(StateStopped))

	closeCtx, cancel := withOptionalTimeout(ctx, c.closeTimeout)
	defer cancel()

	var errs []error
	if c.closer != nil {
		if err := closeWithin(closeCtx, c.closer); err != nil {
			c.logger.Error("Failed to close broker connection", err, nil)
			errs = append(errs, err)
		}
	}
	for _, f := range c.finalizers {
		if err := f.fn(closeCtx); err != nil {
			c.logger.Error("Shutdown finalizer failed", err, loggingpkg.LogFields{"finalizer": f.name})
			errs = append(errs, fmt.Errorf("%s: %w", f.name, err))
		}
	}

	c.logger.Info("Shutdown complete", loggingpkg.LogFields{"duration": time.Since(started).String()})
	return errors.Join(errs...)
}

// closeWithin calls Close but stops waiting once ctx is done.
func closeWithin(ctx context.Context, closer Closer) error {
	result := make(chan error, 1)
	go func() { result <- closer.Close() }()
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("close broker connection: %w", ctx.Err())
	}
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
