package ids

import (
	"sync"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsMonotonic(t *testing.T) {
	prev := New()
	for i := 0; i < 100; i++ {
		next := New()
		_, err := ulid.Parse(next)
		require.NoError(t, err)
		require.Less(t, prev, next)
		prev = next
	}
}

func TestNewConcurrentUniqueness(t *testing.T) {
	const goroutines, perGoroutine = 10, 50

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]struct{})
	)
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				id := New()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, goroutines*perGoroutine)
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "corr-1", FirstNonEmpty("", "  ", "corr-1", "corr-2"))

	generated := FirstNonEmpty("", " ")
	_, err := ulid.Parse(generated)
	assert.NoError(t, err)
}
