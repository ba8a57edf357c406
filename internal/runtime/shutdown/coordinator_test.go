package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/notifyflow/internal/runtime/errors"
	"github.com/drblury/notifyflow/internal/runtime/logging"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeIntake struct {
	rec      *recorder
	drain    func(ctx context.Context) error
	drainErr error
}

func (f *fakeIntake) Stop() { f.rec.add("stop") }

func (f *fakeIntake) Drain(ctx context.Context) error {
	f.rec.add("drain")
	f.drainErr = ctx.Err()
	if f.drain != nil {
		return f.drain(ctx)
	}
	return nil
}

type fakeCloser struct {
	rec   *recorder
	err   error
	block chan struct{}
}

func (f *fakeCloser) Close() error {
	f.rec.add("close")
	if f.block != nil {
		<-f.block
	}
	return f.err
}

func TestShutdownOrdering(t *testing.T) {
	rec := &recorder{}
	intake := &fakeIntake{rec: rec}
	closer := &fakeCloser{rec: rec}
	c := New(intake, closer, time.Second, time.Second, logging.Discard(),
		WithFinalizer("http", func(context.Context) error { rec.add("http"); return nil }),
	)

	assert.Equal(t, StateRunning, c.State())
	require.NoError(t, c.Shutdown(context.Background()))

	assert.Equal(t, []string{"stop", "drain", "close", "http"}, rec.snapshot())
	assert.Equal(t, StateStopped, c.State())
	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	rec := &recorder{}
	boom := errors.New("connection reset")
	c := New(&fakeIntake{rec: rec}, &fakeCloser{rec: rec, err: boom}, time.Second, time.Second, logging.Discard())

	var wg sync.WaitGroup
	results := make([]error, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.Shutdown(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range results {
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, []string{"stop", "drain", "close"}, rec.snapshot())
}

func TestShutdownForcedDrainIsNotFatal(t *testing.T) {
	rec := &recorder{}
	intake := &fakeIntake{rec: rec, drain: func(ctx context.Context) error {
		<-ctx.Done()
		return errspkg.ErrDrainTimeout
	}}
	c := New(intake, &fakeCloser{rec: rec}, 20*time.Millisecond, time.Second, logging.Discard())

	start := time.Now()
	require.NoError(t, c.Shutdown(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, []string{"stop", "drain", "close"}, rec.snapshot())
}

func TestShutdownIgnoresCancelledCaller(t *testing.T) {
	rec := &recorder{}
	intake := &fakeIntake{rec: rec}
	c := New(intake, &fakeCloser{rec: rec}, time.Second, time.Second, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, c.Shutdown(ctx))
	assert.NoError(t, intake.drainErr)
}

func TestShutdownCloseTimeout(t *testing.T) {
	rec := &recorder{}
	closer := &fakeCloser{rec: rec, block: make(chan struct{})}
	defer close(closer.block)

	var finalizerCtxErr error
	c := New(&fakeIntake{rec: rec}, closer, time.Second, 20*time.Millisecond, logging.Discard(),
		WithFinalizer("http", func(ctx context.Context) error {
			finalizerCtxErr = ctx.Err()
			return nil
		}),
	)

	err := c.Shutdown(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, finalizerCtxErr, context.DeadlineExceeded)
}

func TestShutdownReportsFinalizerErrors(t *testing.T) {
	boom := errors.New("listener busy")
	c := New(nil, nil, 0, 0, nil, WithFinalizer("http", func(context.Context) error { return boom }))

	err := c.Shutdown(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "http")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "unknown", State(7).String())
}
