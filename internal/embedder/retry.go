package embedder

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Retrying retries a failing embedder a bounded number of times with
// exponential backoff. Context cancellation is never retried.
type Retrying struct {
	inner    Embedder
	maxTries uint
	initial  time.Duration
}

// NewRetrying wraps inner. maxTries counts the first attempt.
func NewRetrying(inner Embedder, maxTries int, initial time.Duration) *Retrying {
	if maxTries < 1 {
		maxTries = 1
	}
	if initial <= 0 {
		initial = 250 * time.Millisecond
	}
	return &Retrying{inner: inner, maxTries: uint(maxTries), initial: initial}
}

func (r *Retrying) Model() string { return r.inner.Model() }

func (r *Retrying) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initial

	return backoff.Retry(ctx, func() ([][]float32, error) {
		vecs, err := r.inner.Embed(ctx, texts)
		if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return nil, backoff.Permanent(err)
		}
		return vecs, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(r.maxTries))
}
