package circuit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/terminal-bench/coverpool/pkg/circuit"
)

func trip(breaker *circuit.Breaker, failures int) {
	for i := 0; i < failures; i++ {
		breaker.Execute(context.Background(), func() error {
			return errors.New("failure")
		})
	}
}

func TestBreakerClosed(t *testing.T) {
	t.Run("should allow requests when closed", func(t *testing.T) {
		breaker := circuit.NewBreaker(circuit.Config{
			Name:        "ledger",
			MaxFailures: 3,
			Timeout:     time.Second,
		})

		err := breaker.Execute(context.Background(), func() error {
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, circuit.StateClosed, breaker.State())
	})

	t.Run("should track failures", func(t *testing.T) {
		breaker := circuit.NewBreaker(circuit.Config{
			MaxFailures: 3,
			Timeout:     time.Second,
		})

		trip(breaker, 1)

		assert.Equal(t, 1, breaker.Failures())
		assert.Equal(t, circuit.StateClosed, breaker.State())
	})

	t.Run("should reset failure count on success", func(t *testing.T) {
		breaker := circuit.NewBreaker(circuit.Config{
			MaxFailures: 3,
			Timeout:     time.Second,
		})

		trip(breaker, 2)
		breaker.Execute(context.Background(), func() error {
			return nil
		})

		assert.Equal(t, 0, breaker.Failures())
	})
}

func TestBreakerOpen(t *testing.T) {
	t.Run("should open after max failures", func(t *testing.T) {
		breaker := circuit.NewBreaker(circuit.Config{
			MaxFailures: 3,
			Timeout:     time.Second,
		})

		trip(breaker, 3)

		assert.Equal(t, circuit.StateOpen, breaker.State())
	})

	t.Run("should reject requests when open", func(t *testing.T) {
		breaker := circuit.NewBreaker(circuit.Config{
			MaxFailures: 3,
			Timeout:     time.Second,
		})

		trip(breaker, 3)

		called := false
		err := breaker.Execute(context.Background(), func() error {
			called = true
			return nil
		})

		assert.Equal(t, circuit.ErrCircuitOpen, err)
		assert.False(t, called)
	})

	t.Run("should notify on state change", func(t *testing.T) {
		var from, to circuit.State
		breaker := circuit.NewBreaker(circuit.Config{
			MaxFailures: 2,
			Timeout:     time.Second,
			OnStateChange: func(f, tt circuit.State) {
				from, to = f, tt
			},
		})

		trip(breaker, 2)

		assert.Equal(t, circuit.StateClosed, from)
		assert.Equal(t, circuit.StateOpen, to)
	})
}

func TestBreakerHalfOpen(t *testing.T) {
	t.Run("should close again after successful probes", func(t *testing.T) {
		breaker := circuit.NewBreaker(circuit.Config{
			MaxFailures: 2,
			Timeout:     50 * time.Millisecond,
			HalfOpenMax: 2,
		})

		trip(breaker, 2)
		assert.Equal(t, circuit.StateOpen, breaker.State())

		time.Sleep(80 * time.Millisecond)

		for i := 0; i < 2; i++ {
			err := breaker.Execute(context.Background(), func() error {
				return nil
			})
			assert.NoError(t, err)
		}

		assert.Equal(t, circuit.StateClosed, breaker.State())
	})

	t.Run("should reopen on a failed probe", func(t *testing.T) {
		breaker := circuit.NewBreaker(circuit.Config{
			MaxFailures: 2,
			Timeout:     50 * time.Millisecond,
			HalfOpenMax: 2,
		})

		trip(breaker, 2)
		time.Sleep(80 * time.Millisecond)

		trip(breaker, 1)

		assert.Equal(t, circuit.StateOpen, breaker.State())
	})
}

func TestBreakerControls(t *testing.T) {
	t.Run("should reset to closed", func(t *testing.T) {
		breaker := circuit.NewBreaker(circuit.Config{
			MaxFailures: 1,
			Timeout:     time.Minute,
		})

		trip(breaker, 1)
		assert.Equal(t, circuit.StateOpen, breaker.State())

		breaker.Reset()
		assert.Equal(t, circuit.StateClosed, breaker.State())
	})

	t.Run("should force open", func(t *testing.T) {
		breaker := circuit.NewBreaker(circuit.Config{
			MaxFailures: 5,
			Timeout:     time.Minute,
		})

		breaker.ForceOpen()
		assert.Equal(t, circuit.StateOpen, breaker.State())
	})
}

func TestBreakerGroup(t *testing.T) {
	t.Run("should isolate failures per name", func(t *testing.T) {
		group := circuit.NewBreakerGroup(circuit.Config{
			MaxFailures: 2,
			Timeout:     time.Minute,
		})

		for i := 0; i < 2; i++ {
			group.Execute(context.Background(), "ledger", func() error {
				return errors.New("failure")
			})
		}

		err := group.Execute(context.Background(), "accounting", func() error {
			return nil
		})

		assert.NoError(t, err)
		states := group.States()
		assert.Equal(t, circuit.StateOpen, states["ledger"])
		assert.Equal(t, circuit.StateClosed, states["accounting"])
	})

	t.Run("should reuse the breaker for a name", func(t *testing.T) {
		group := circuit.NewBreakerGroup(circuit.Config{
			MaxFailures: 2,
			Timeout:     time.Minute,
		})

		assert.Same(t, group.Get("ledger"), group.Get("ledger"))
	})
}
