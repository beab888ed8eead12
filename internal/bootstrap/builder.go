// Package bootstrap implements the cache-then-snapshot-then-replay
// handshake that bridges a stateless REST snapshot with a stateful
// WebSocket event stream: open the feed in caching mode, let frames
// accumulate while a REST snapshot is fetched, confirm the cache window
// actually reached the snapshot's sequence, then replay the buffered
// frames onto the freshly seeded book before handing off to the live
// read loop.
package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"l3bookd/internal/bookerr"
	"l3bookd/internal/exchange"
	"l3bookd/internal/orderbook"
	"l3bookd/pkg/types"
)

// RESTClient is the subset of *exchange.Client the builder depends on,
// narrowed to an interface so tests can drive the handshake against a
// fake instead of a live network.
type RESTClient interface {
	GetProductBook(ctx context.Context, productID string) (types.Snapshot, error)
}

// Feed is the subset of *exchange.Channel[exchange.Level3Message] the
// builder and the read loop depend on.
type Feed interface {
	Cache()
	Join() []exchange.Level3Message
	LastCached() (exchange.Level3Message, bool)
	Next() (exchange.Level3Message, error)
	Close() error
}

// Backoff is the subset of *exchange.BackOffBucket the builder depends on
// to serialize snapshot refetches and back off when they fail.
type Backoff interface {
	Acquire(ctx context.Context) (exchange.Permit, error)
	Release(p exchange.Permit)
	ResetOnSuccess()
}

// Config controls one product's bootstrap handshake.
type Config struct {
	ProductID  string
	CacheDelay time.Duration
}

// Builder assembles a ConnectedOrderBook for one product.
type Builder struct {
	rest    RESTClient
	feed    Feed
	backoff Backoff
	logger  *slog.Logger
}

// NewBuilder pairs a REST client with an already-connected, already-
// subscribed feed for the same product, and a backoff bucket that spaces
// out retries of the snapshot fetch.
func NewBuilder(rest RESTClient, feed Feed, backoff Backoff, logger *slog.Logger) *Builder {
	return &Builder{rest: rest, feed: feed, backoff: backoff, logger: logger.With("component", "bootstrap")}
}

// Build runs the full handshake: cache, sleep, snapshot, verify overlap,
// seed, replay. It returns InsufficientCacheDelay if the cache window
// never reached the snapshot's sequence — the caller should retry with a
// longer delay rather than proceed with a gap in the replicated stream.
func (b *Builder) Build(ctx context.Context, cfg Config) (*ConnectedOrderBook, error) {
	b.feed.Cache()

	select {
	case <-time.After(cfg.CacheDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	permit, err := b.backoff.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	snapshot, err := b.rest.GetProductBook(ctx, cfg.ProductID)
	b.backoff.Release(permit)
	if err != nil {
		return nil, err
	}
	b.backoff.ResetOnSuccess()

	last, ok := b.feed.LastCached()
	if !ok || last.Sequence < snapshot.Sequence {
		return nil, bookerr.Newf(bookerr.InsufficientCacheDelay,
			"cache window (last cached sequence %d) did not reach snapshot sequence %d",
			last.Sequence, snapshot.Sequence)
	}

	book := orderbook.FromSnapshot(cfg.ProductID, snapshot)

	for _, msg := range b.feed.Join() {
		if _, err := book.Apply(msg.Event); err != nil {
			if errors.Is(err, bookerr.ErrOutOfSequence) {
				b.logger.Debug("skipping cached event already covered by snapshot",
					"sequence", msg.Sequence)
				continue
			}
			return nil, err
		}
	}

	b.logger.Info("bootstrap complete", "product_id", cfg.ProductID, "sequence", book.Sequence)
	return &ConnectedOrderBook{book: book, feed: b.feed, logger: b.logger}, nil
}

// Handler is invoked with every normalized event applied while a
// ConnectedOrderBook runs.
type Handler func(types.NormalizedEvent)

// ConnectedOrderBook pairs a replicated OrderBook with the live feed
// keeping it current.
type ConnectedOrderBook struct {
	book   *orderbook.OrderBook
	feed   Feed
	logger *slog.Logger
}

// Book returns the current replicated order book. The only writer is
// Run's read loop; callers must treat the result as read-only.
func (c *ConnectedOrderBook) Book() *orderbook.OrderBook { return c.book }

// Run reads frames off the feed and applies them until ctx is cancelled or
// the feed returns a fatal error (Timeout, Domain). OutOfSequence
// errors are logged and skipped rather than treated as fatal, since a
// duplicate arriving at a channel boundary is expected, not a bug.
func (c *ConnectedOrderBook) Run(ctx context.Context, handler Handler) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msg, err := c.feed.Next()
		if err != nil {
			return err
		}

		normalized, err := c.book.Apply(msg.Event)
		if err != nil {
			if errors.Is(err, bookerr.ErrOutOfSequence) {
				c.logger.Warn("skipping out-of-sequence event", "sequence", msg.Sequence)
				continue
			}
			return err
		}

		if handler != nil {
			handler(normalized)
		}
	}
}

// Close releases the underlying feed's connection.
func (c *ConnectedOrderBook) Close() error { return c.feed.Close() }
