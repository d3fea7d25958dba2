// Package ratelimit holds the per-channel dispatch token buckets. A bucket is
// shared by every campaign sending on the same outbound channel, so the
// configured rate is an account-wide ceiling, not a per-campaign one.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/edvlasov/dispatchd/pkg/metrics"
)

type Registry struct {
	mu        sync.Mutex
	buckets   map[string]*rate.Limiter
	perMinute int
	burst     int
}

func NewRegistry(perMinute, burst int) *Registry {
	if perMinute < 1 {
		perMinute = 1
	}
	if burst < 1 {
		burst = 1
	}
	return &Registry{
		buckets:   make(map[string]*rate.Limiter),
		perMinute: perMinute,
		burst:     burst,
	}
}

func (r *Registry) bucket(channel string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[channel]
	if !ok {
		b = rate.NewLimiter(rate.Limit(float64(r.perMinute)/60.0), r.burst)
		r.buckets[channel] = b
	}
	return b
}

// Acquire blocks until a token is available for the channel or ctx is done.
// The limiter guarantees the token count never goes negative; a worker that
// loses the race simply waits for the next refill.
func (r *Registry) Acquire(ctx context.Context, channel string) error {
	start := time.Now()
	err := r.bucket(channel).Wait(ctx)
	metrics.DispatchTokenWait.Observe(time.Since(start).Seconds())
	return err
}
