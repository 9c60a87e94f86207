package internal

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker(2, time.Minute)
	b.now = func() time.Time { return now }

	fail := errors.New("boom")
	calls := 0
	failing := func() error { calls++; return fail }

	assert.ErrorIs(t, b.Execute(failing), fail)
	assert.Equal(t, BreakerClosed, b.State())
	assert.ErrorIs(t, b.Execute(failing), fail)
	assert.Equal(t, BreakerOpen, b.State())

	assert.ErrorIs(t, b.Execute(failing), ErrBreakerOpen)
	assert.Equal(t, 2, calls, "open breaker must not call through")

	now = now.Add(time.Minute)
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker(1, time.Second)
	b.now = func() time.Time { return now }

	var states []BreakerState
	b.OnStateChange = func(s BreakerState) { states = append(states, s) }

	fail := errors.New("boom")
	_ = b.Execute(func() error { return fail })
	now = now.Add(time.Second)
	_ = b.Execute(func() error { return fail })

	assert.Equal(t, BreakerOpen, b.State())
	assert.Equal(t, []BreakerState{BreakerOpen}, states)
}

func TestBreaker_IgnoresUncountedErrors(t *testing.T) {
	b := NewBreaker(1, time.Minute)
	declined := errors.New("card declined")
	b.Counts = func(err error) bool { return !errors.Is(err, declined) }

	assert.ErrorIs(t, b.Execute(func() error { return declined }), declined)
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_HalfOpenAdmitsOneTrialCall(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker(1, time.Minute)
	b.now = func() time.Time { return now }

	fail := errors.New("boom")
	_ = b.Execute(func() error { return fail })
	now = now.Add(time.Minute)
	require.Equal(t, BreakerHalfOpen, b.State())

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	var calls atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := b.Execute(func() error { calls.Add(1); return nil })
			assert.ErrorIs(t, err, ErrBreakerOpen)
		}()
	}
	wg.Wait()
	assert.Zero(t, calls.Load(), "only the trial call may reach the dependency")

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, BreakerClosed, b.State())
	assert.NoError(t, b.Execute(func() error { calls.Add(1); return nil }))
	assert.Equal(t, int32(1), calls.Load())
}
