// Package retry provides the exponential-backoff retry policy shared by the
// wallet, feeder, and nostr adapters' outbound calls.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	maxAttempts     = 3
	initialInterval = 1 * time.Second
	maxInterval     = 4 * time.Second
)

// Do runs op, retrying up to maxAttempts total attempts with exponential
// backoff (1s initial, doubling, capped at 4s) while op returns a non-nil
// error. It stops early if ctx is cancelled.
func Do(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initialInterval
	policy.Multiplier = 2
	policy.MaxInterval = maxInterval
	policy.MaxElapsedTime = 0

	bounded := backoff.WithMaxRetries(policy, maxAttempts-1)
	return backoff.Retry(op, backoff.WithContext(bounded, ctx))
}
