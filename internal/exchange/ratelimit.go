// ratelimit.go implements the two admission gates the exchange client and
// WS channel bracket every network call with.
//
// TokenBucket is a burst-capacity limiter with a fixed-rate tail: up to
// capacity permits may be held concurrently, and a returned permit is not
// made available again until wait_period has elapsed since the previous
// release, with missed ticks skipped rather than queued as a catch-up
// burst. BackOffBucket is a 1-capacity limiter used to serialize snapshot
// refetches, with an exponentially increasing release delay.
package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"l3bookd/internal/bookerr"
)

// Permit is an opaque token acquired from a limiter and returned via Release.
type Permit struct{}

// TokenBucket gates outbound REST requests and WS frame writes.
type TokenBucket struct {
	sem        chan Permit
	waitPeriod time.Duration

	mu        sync.Mutex
	dropStack []Permit
	draining  bool

	closed chan struct{}
	once   sync.Once
}

// NewTokenBucket creates a limiter that allows capacity permits to be held
// concurrently and releases at most one returned permit per waitPeriod.
func NewTokenBucket(capacity int, waitPeriod time.Duration) *TokenBucket {
	sem := make(chan Permit, capacity)
	for i := 0; i < capacity; i++ {
		sem <- Permit{}
	}
	return &TokenBucket{
		sem:        sem,
		waitPeriod: waitPeriod,
		closed:     make(chan struct{}),
	}
}

// Acquire blocks until a permit is available or ctx is cancelled, or fails
// with ChannelClosed if the bucket has been shut down.
func (tb *TokenBucket) Acquire(ctx context.Context) (Permit, error) {
	select {
	case <-tb.closed:
		return Permit{}, bookerr.New(bookerr.ChannelClosed, "token bucket shut down")
	default:
	}
	select {
	case p := <-tb.sem:
		return p, nil
	case <-tb.closed:
		return Permit{}, bookerr.New(bookerr.ChannelClosed, "token bucket shut down")
	case <-ctx.Done():
		return Permit{}, bookerr.Wrap(bookerr.Domain, ctx.Err(), "acquire cancelled")
	}
}

// Release returns a permit to the bucket after waitPeriod has elapsed since
// the previously returned permit, skipping missed ticks rather than
// releasing a burst. The release-draining goroutine is started lazily on
// the first call and exits once the drop stack empties.
func (tb *TokenBucket) Release(p Permit) {
	tb.mu.Lock()
	noActiveDrain := len(tb.dropStack) == 0 && !tb.draining
	tb.dropStack = append(tb.dropStack, p)
	if noActiveDrain {
		tb.draining = true
	}
	tb.mu.Unlock()

	if noActiveDrain {
		go tb.drain()
	}
}

func (tb *TokenBucket) drain() {
	ticker := time.NewTicker(tb.waitPeriod)
	defer ticker.Stop()

	for range ticker.C {
		tb.mu.Lock()
		if len(tb.dropStack) == 0 {
			tb.draining = false
			tb.mu.Unlock()
			return
		}
		last := len(tb.dropStack) - 1
		permit := tb.dropStack[last]
		tb.dropStack = tb.dropStack[:last]
		tb.mu.Unlock()

		select {
		case tb.sem <- permit:
		case <-tb.closed:
			return
		}
	}
}

// Shutdown makes every pending and future Acquire fail with ChannelClosed.
func (tb *TokenBucket) Shutdown() {
	tb.once.Do(func() { close(tb.closed) })
}

// BackOffBucket serializes snapshot refetches, spacing successive releases
// out exponentially between min and max bounds.
type BackOffBucket struct {
	sem     chan Permit
	mu      sync.Mutex
	backoff *backoff.ExponentialBackOff
}

// NewBackOffBucket creates a 1-capacity limiter whose release delay grows
// exponentially from minWait toward maxWait.
func NewBackOffBucket(minWait, maxWait time.Duration) *BackOffBucket {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = minWait
	b.MaxInterval = maxWait
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()

	sem := make(chan Permit, 1)
	sem <- Permit{}
	return &BackOffBucket{sem: sem, backoff: b}
}

// Acquire blocks until the single permit is available.
func (bb *BackOffBucket) Acquire(ctx context.Context) (Permit, error) {
	select {
	case p := <-bb.sem:
		return p, nil
	case <-ctx.Done():
		return Permit{}, bookerr.Wrap(bookerr.Domain, ctx.Err(), "acquire cancelled")
	}
}

// Release returns the permit after the current backoff delay, then advances
// the delay for the next call. ResetOnSuccess should be called by the
// caller after a cycle that did not need to retry, to collapse the delay
// back toward minWait.
func (bb *BackOffBucket) Release(p Permit) {
	bb.mu.Lock()
	next := bb.backoff.NextBackOff()
	bb.mu.Unlock()
	if next == backoff.Stop {
		next = bb.backoff.MaxInterval
	}

	go func() {
		time.Sleep(next)
		bb.sem <- p
	}()
}

// ResetOnSuccess collapses the exponential delay back to its initial value,
// for callers that want a fast retry after a prior failure has cleared.
func (bb *BackOffBucket) ResetOnSuccess() {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	bb.backoff.Reset()
}
