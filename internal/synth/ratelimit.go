package synth

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// RateLimited throttles calls to a worker, for engines behind a remote API.
type RateLimited struct {
	worker  Worker
	limiter *rate.Limiter
}

// NewRateLimited allows one call every interval with the given burst.
func NewRateLimited(w Worker, interval time.Duration, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		worker:  w,
		limiter: rate.NewLimiter(rate.Every(interval), burst),
	}
}

// Synthesize waits for the limiter, then calls the worker.
func (r *RateLimited) Synthesize(ctx context.Context, req Request) (Result, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("rate limiter: %w", err)
	}
	return r.worker.Synthesize(ctx, req)
}
