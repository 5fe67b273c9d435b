package store

import (
	"context"

	"github.com/cenkalti/backoff"
)

// NewBackOff returns an exponential backoff bounded by the client's retry
// configuration. It never gives up on its own; callers bound it with a
// context.
func (c *Client) NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryBase
	b.MaxInterval = c.retryMax
	b.MaxElapsedTime = 0
	b.Reset()

	return b
}

// Retry calls op until it succeeds, returns a non-transient error, or the
// context is done. Transient errors are retried with exponential backoff.
func (c *Client) Retry(ctx context.Context, op func() error) error {
	var final error
	attempt := 0

	err := backoff.Retry(func() error {
		attempt++
		err := op()
		if err != nil && IsTransient(err) {
			c.logger.Debug().Err(err).Int("attempt", attempt).Msg("retrying transient failure")
			return err
		}
		final = err
		return nil
	}, backoff.WithContext(c.NewBackOff(), ctx))

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	return final
}
