package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRemote = errors.New("remote failure")

func newTestBreaker(failureThreshold int, recoveryTimeout time.Duration, halfOpenMaxCalls, successThreshold int) *CircuitBreaker {
	return New(&Config{
		Name:             "test",
		FailureThreshold: failureThreshold,
		RecoveryTimeout:  recoveryTimeout,
		HalfOpenMaxCalls: halfOpenMaxCalls,
		SuccessThreshold: successThreshold,
	})
}

func fail(cb *CircuitBreaker) error {
	return cb.Execute(context.Background(), func() error { return errRemote })
}

func succeed(cb *CircuitBreaker) error {
	return cb.Execute(context.Background(), func() error { return nil })
}

func TestNew_Defaults(t *testing.T) {
	cb := New(&Config{Name: "defaults"})

	assert.Equal(t, 5, cb.failureThreshold)
	assert.Equal(t, 60*time.Second, cb.recoveryTimeout)
	assert.Equal(t, 3, cb.halfOpenMaxCalls)
	assert.Equal(t, 2, cb.successThreshold)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestExecute_PassesThroughWhenClosed(t *testing.T) {
	cb := newTestBreaker(3, time.Minute, 1, 1)

	require.NoError(t, succeed(cb))
	err := fail(cb)
	assert.ErrorIs(t, err, errRemote)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	cb := newTestBreaker(3, time.Minute, 1, 1)

	// a success in between resets the consecutive count
	require.Error(t, fail(cb))
	require.Error(t, fail(cb))
	require.NoError(t, succeed(cb))
	assert.Equal(t, StateClosed, cb.GetState())

	for i := 0; i < 3; i++ {
		require.Error(t, fail(cb))
	}
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestOpenRejectsWithDistinctError(t *testing.T) {
	cb := newTestBreaker(1, time.Minute, 1, 1)
	require.Error(t, fail(cb))
	require.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Execute(context.Background(), func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, IsRejection(err))
	assert.False(t, called, "open breaker must not invoke the operation")

	// the operation's own error is never a rejection
	assert.False(t, IsRejection(errRemote))
}

func TestHalfOpenAfterRecoveryTimeout(t *testing.T) {
	cb := newTestBreaker(1, 20*time.Millisecond, 1, 1)
	require.Error(t, fail(cb))
	require.Equal(t, StateOpen, cb.GetState())

	time.Sleep(30 * time.Millisecond)

	// first call after the timeout is the trial; its success closes the
	// circuit (success threshold 1)
	require.NoError(t, succeed(cb))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb := newTestBreaker(1, 20*time.Millisecond, 1, 2)
	require.Error(t, fail(cb))

	time.Sleep(30 * time.Millisecond)

	require.Error(t, fail(cb))
	assert.Equal(t, StateOpen, cb.GetState())

	// the recovery clock restarted; an immediate call is rejected again
	err := succeed(cb)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestHalfOpenNeedsSuccessThreshold(t *testing.T) {
	cb := newTestBreaker(1, 20*time.Millisecond, 3, 2)
	require.Error(t, fail(cb))

	time.Sleep(30 * time.Millisecond)

	require.NoError(t, succeed(cb))
	assert.Equal(t, StateHalfOpen, cb.GetState())

	require.NoError(t, succeed(cb))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestHalfOpenConcurrencyCap(t *testing.T) {
	cb := newTestBreaker(1, 20*time.Millisecond, 2, 5)
	require.Error(t, fail(cb))

	time.Sleep(30 * time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	results := make(chan error, 2)

	// two slow trial calls occupy the half-open capacity
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- cb.Execute(context.Background(), func() error {
				started <- struct{}{}
				<-release
				return nil
			})
		}()
	}

	<-started
	<-started

	err := succeed(cb)
	assert.ErrorIs(t, err, ErrTooManyRequests)
	assert.True(t, IsRejection(err))

	close(release)
	wg.Wait()
	require.NoError(t, <-results)
	require.NoError(t, <-results)
}

func TestReset(t *testing.T) {
	cb := newTestBreaker(1, time.Hour, 1, 1)
	require.Error(t, fail(cb))
	require.Equal(t, StateOpen, cb.GetState())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
	require.NoError(t, succeed(cb))
}

func TestGetStats(t *testing.T) {
	cb := newTestBreaker(3, time.Minute, 1, 1)
	require.Error(t, fail(cb))
	require.Error(t, fail(cb))

	stats := cb.GetStats()
	assert.Equal(t, "test", stats.Name)
	assert.Equal(t, StateClosed, stats.State)
	assert.Equal(t, 2, stats.FailureCount)
	assert.False(t, stats.LastFailureTime.IsZero())
}

func TestManager(t *testing.T) {
	m := NewManager()

	a := m.GetOrCreate("gmail", nil)
	again := m.GetOrCreate("gmail", nil)
	assert.Same(t, a, again)

	_, err := m.Get("missing")
	assert.Error(t, err)

	got, err := m.Get("gmail")
	require.NoError(t, err)
	assert.Same(t, a, got)

	require.Error(t, a.Execute(context.Background(), func() error { return errRemote }))
	stats := m.GetAllStats()
	require.Contains(t, stats, "gmail")
	assert.Equal(t, 1, stats["gmail"].FailureCount)

	m.ResetAll()
	assert.Equal(t, 0, m.GetAllStats()["gmail"].FailureCount)
}
