package clients

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/opsforge/rebuildd/internal/domain"
)

// RetryPolicy bounds how long transient collaborator faults are retried.
type RetryPolicy struct {
	// Timeout is the total elapsed time budget across attempts.
	Timeout time.Duration
	// Interval is the pause between attempts.
	Interval time.Duration
}

// DefaultRetryPolicy matches the historical network timeout of the
// upstream services.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Timeout: 2 * time.Minute, Interval: 10 * time.Second}
}

// Retry runs fn until it succeeds, fails with a non-transient error, or
// the policy's time budget runs out. An exhausted transient fault
// degrades to a lookup failure for that one call only.
func (p RetryPolicy) Retry(op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Interval
	b.MaxInterval = p.Interval
	b.Multiplier = 1
	b.RandomizationFactor = 0
	b.MaxElapsedTime = p.Timeout

	err := backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrTransient) {
			return backoff.Permanent(err)
		}
		log.Warn().
			Err(err).
			Str("op", op).
			Dur("interval", p.Interval).
			Msg("Transient fault, will retry")
		return err
	}, b)

	if err != nil && errors.Is(err, domain.ErrTransient) {
		return fmt.Errorf("%w: %s: retries exhausted: %v", domain.ErrLookup, op, err)
	}
	return err
}
