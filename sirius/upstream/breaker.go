package upstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenk/backoff"
	circuit "github.com/rubyist/circuitbreaker"
)

// BreakerFetcher stops calling an upstream that keeps failing. Not found
// answers are healthy responses and never trip it.
type BreakerFetcher struct {
	fetcher Fetcher
	breaker *circuit.Breaker
}

// NewBreakerFetcher trips after threshold consecutive failures and probes
// again on an exponential schedule starting at 30s.
func NewBreakerFetcher(f Fetcher, threshold int64) *BreakerFetcher {
	if threshold <= 0 {
		threshold = 5
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 30 * time.Second
	expBackoff.MaxInterval = 5 * time.Minute
	expBackoff.Multiplier = 2.0
	expBackoff.Reset()

	return &BreakerFetcher{
		fetcher: f,
		breaker: circuit.NewBreakerWithOptions(&circuit.Options{
			BackOff:    expBackoff,
			ShouldTrip: circuit.ThresholdTripFunc(threshold),
		}),
	}
}

// Get implements Fetcher.
func (b *BreakerFetcher) Get(ctx context.Context, path string) (*Response, error) {
	if !b.breaker.Ready() {
		return nil, fmt.Errorf("circuit breaker open: %w", ErrUpstreamDown)
	}

	var resp *Response
	var notFound bool
	err := b.breaker.Call(func() error {
		var err error
		resp, err = b.fetcher.Get(ctx, path)
		if errors.Is(err, ErrNotFound) {
			notFound = true
			return nil
		}
		return err
	}, 0)

	if notFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// State reports the breaker position for diagnostics.
func (b *BreakerFetcher) State() string {
	switch {
	case b.breaker.Tripped():
		return "open"
	case b.breaker.ConsecFailures() > 0:
		return "degraded"
	default:
		return "closed"
	}
}
