package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BaSui01/qwengate/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func fastPolicy() *Policy {
	return &Policy{
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDoSucceedsFirstTry(t *testing.T) {
	r := New(fastPolicy(), nil)
	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesRetryableErrors(t *testing.T) {
	r := New(fastPolicy(), nil)
	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &llm.Error{Code: llm.ErrUpstreamServer, Retryable: true}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsRetries(t *testing.T) {
	r := New(fastPolicy(), nil)
	calls := 0
	boom := &llm.Error{Code: llm.ErrRateLimited, Message: "slow down", Retryable: true}
	err := r.Do(context.Background(), func() error {
		calls++
		return boom
	})
	assert.Equal(t, 3, calls, "initial attempt plus MaxRetries")

	// The final error keeps its typed classification, unwrapped.
	var typed *llm.Error
	require.ErrorAs(t, err, &typed)
	assert.Same(t, boom, typed)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	r := New(fastPolicy(), nil)
	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return &llm.Error{Code: llm.ErrCredentialsExpired}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoPlainErrorsAreTransient(t *testing.T) {
	r := New(fastPolicy(), nil)
	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return errors.New("connection refused")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoContextCancellation(t *testing.T) {
	policy := fastPolicy()
	policy.InitialDelay = time.Hour // force the wait path
	policy.MaxDelay = time.Hour
	r := New(policy, nil)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- r.Do(ctx, func() error {
			calls++
			return &llm.Error{Code: llm.ErrUpstreamServer, Retryable: true}
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestOnRetryCallback(t *testing.T) {
	policy := fastPolicy()
	var attempts []int
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		attempts = append(attempts, attempt)
	}
	r := New(policy, nil)
	_ = r.Do(context.Background(), func() error {
		return &llm.Error{Code: llm.ErrUpstreamServer, Retryable: true}
	})
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestCustomShouldRetry(t *testing.T) {
	policy := fastPolicy()
	policy.ShouldRetry = func(err error) bool { return false }
	r := New(policy, nil)
	calls := 0
	_ = r.Do(context.Background(), func() error {
		calls++
		return errors.New("anything")
	})
	assert.Equal(t, 1, calls)
}

func TestNewNormalizesPolicy(t *testing.T) {
	r := New(&Policy{MaxRetries: -3, Multiplier: 0.1}, nil)
	assert.Equal(t, 0, r.policy.MaxRetries)
	assert.Equal(t, time.Second, r.policy.InitialDelay)
	assert.Equal(t, 10*time.Second, r.policy.MaxDelay)
	assert.Equal(t, 2.0, r.policy.Multiplier)

	r = New(nil, nil)
	assert.Equal(t, 2, r.policy.MaxRetries)
}

func TestDelayDoubling(t *testing.T) {
	r := New(&Policy{
		MaxRetries:   5,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}, nil)

	assert.Equal(t, 1*time.Second, r.delay(1))
	assert.Equal(t, 2*time.Second, r.delay(2))
	assert.Equal(t, 4*time.Second, r.delay(3))
	assert.Equal(t, 8*time.Second, r.delay(4))
	assert.Equal(t, 10*time.Second, r.delay(5), "capped at MaxDelay")
}

func TestDelayBoundsWithJitter(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := New(&Policy{
			MaxRetries:   2,
			InitialDelay: time.Second,
			MaxDelay:     10 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		}, nil)
		attempt := rapid.IntRange(1, 8).Draw(t, "attempt")
		d := r.delay(attempt)
		if d < time.Second {
			t.Fatalf("delay %v below the initial delay floor", d)
		}
		if d > time.Duration(float64(10*time.Second)*1.25) {
			t.Fatalf("delay %v above max delay plus jitter", d)
		}
	})
}

func TestDefaultShouldRetry(t *testing.T) {
	assert.False(t, DefaultShouldRetry(nil))
	assert.False(t, DefaultShouldRetry(&llm.Error{Code: llm.ErrCredentialsExpired}))
	assert.False(t, DefaultShouldRetry(&llm.Error{Code: llm.ErrChatNotFound}))
	assert.True(t, DefaultShouldRetry(&llm.Error{Code: llm.ErrRateLimited, Retryable: true}))
	assert.True(t, DefaultShouldRetry(&llm.Error{Code: llm.ErrUpstreamServer, Retryable: true}))
	assert.True(t, DefaultShouldRetry(errors.New("dial tcp: connection refused")))
}
