package clients

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/rebuildd/internal/domain"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{Timeout: 50 * time.Millisecond, Interval: time.Millisecond}
}

func TestRetryPolicy_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := fastPolicy().Retry("op", func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicy_RetriesTransientFaults(t *testing.T) {
	calls := 0
	err := fastPolicy().Retry("op", func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("%w: connection refused", domain.ErrTransient)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicy_NonTransientFailsImmediately(t *testing.T) {
	calls := 0
	boom := errors.New("bad request")
	err := fastPolicy().Retry("op", func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicy_LookupErrorIsNotRetried(t *testing.T) {
	calls := 0
	err := fastPolicy().Retry("op", func() error {
		calls++
		return fmt.Errorf("%w: image not found", domain.ErrLookup)
	})
	assert.ErrorIs(t, err, domain.ErrLookup)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicy_ExhaustionDegradesToLookupError(t *testing.T) {
	err := fastPolicy().Retry("op", func() error {
		return fmt.Errorf("%w: status 503", domain.ErrTransient)
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrLookup)
	assert.Contains(t, err.Error(), "retries exhausted")
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 2*time.Minute, p.Timeout)
	assert.Equal(t, 10*time.Second, p.Interval)
}
