package instances

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aatumaykin/seorunner/internal/workertest"
)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := newBreaker(3, time.Minute)

	assert.True(t, b.allow())
	assert.False(t, b.failure())
	assert.False(t, b.failure())
	assert.True(t, b.failure(), "third failure trips the circuit")
	assert.True(t, b.open())
	assert.False(t, b.allow())
}

func TestBreaker_SuccessResets(t *testing.T) {
	b := newBreaker(2, time.Minute)
	b.failure()
	b.success()
	assert.False(t, b.failure())
	assert.False(t, b.open())
}

func TestBreaker_HalfOpenSingleProbe(t *testing.T) {
	now := time.Now()
	b := newBreaker(1, time.Minute)
	b.now = func() time.Time { return now }

	b.failure()
	require.True(t, b.open())

	now = now.Add(2 * time.Minute)
	assert.True(t, b.allow(), "first call after cooldown probes")
	assert.False(t, b.allow(), "only one probe at a time")

	b.failure()
	assert.False(t, b.allow(), "failed probe reopens the circuit")

	now = now.Add(2 * time.Minute)
	require.True(t, b.allow())
	b.success()
	assert.False(t, b.open())
	assert.True(t, b.allow())
}

func TestBreaker_ReleaseReturnsProbe(t *testing.T) {
	now := time.Now()
	b := newBreaker(1, time.Second)
	b.now = func() time.Time { return now }

	b.failure()
	now = now.Add(2 * time.Second)
	require.True(t, b.allow())
	b.release()
	assert.True(t, b.allow())
}

func TestBreaker_ConcurrentFailures(t *testing.T) {
	b := newBreaker(5, time.Minute)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.failure()
		}()
	}
	wg.Wait()
	assert.True(t, b.open())
}

func TestInstance_CircuitOpensOnRepeatedInitFailure(t *testing.T) {
	p := newPool(t, workertest.ModeInitError)
	p.cfg.FailThreshold = 2

	h, err := p.GetInstance("owner-1", writeConfig(t, "https://example.com"))
	require.NoError(t, err)

	for range 2 {
		err = h.EnsureReady(context.Background())
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrCircuitOpen)
	}

	err = h.EnsureReady(context.Background())
	assert.ErrorIs(t, err, ErrCircuitOpen)
}
