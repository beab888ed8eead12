package bootstrap

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"l3bookd/internal/bookerr"
	"l3bookd/internal/exchange"
	"l3bookd/internal/orderbook"
	"l3bookd/pkg/types"
)

func newTestBook(t *testing.T) *orderbook.OrderBook {
	t.Helper()
	return orderbook.FromSnapshot("KSM-USD", types.Snapshot{Sequence: 0, Time: time.Unix(0, 0)})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testBackoff() *exchange.BackOffBucket {
	return exchange.NewBackOffBucket(time.Millisecond, 10*time.Millisecond)
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func l3Open(seq uint64, side types.Side, p, sz string, id uuid.UUID) exchange.Level3Message {
	return exchange.Level3Message{Event: types.Event{
		Kind: types.EventOpen, Sequence: seq, OrderID: id, Side: side,
		Price: mustDecimal(p), Size: mustDecimal(sz), Time: time.Unix(0, 0),
	}}
}

type fakeRESTClient struct {
	snapshot types.Snapshot
	err      error
}

func (f *fakeRESTClient) GetProductBook(ctx context.Context, productID string) (types.Snapshot, error) {
	return f.snapshot, f.err
}

type fakeFeed struct {
	cached  []exchange.Level3Message
	live    []exchange.Level3Message
	liveIdx int
	closed  bool
}

func (f *fakeFeed) Cache() {}

func (f *fakeFeed) Join() []exchange.Level3Message {
	out := f.cached
	f.cached = nil
	return out
}

func (f *fakeFeed) LastCached() (exchange.Level3Message, bool) {
	if len(f.cached) == 0 {
		return exchange.Level3Message{}, false
	}
	return f.cached[len(f.cached)-1], true
}

func (f *fakeFeed) Next() (exchange.Level3Message, error) {
	if f.liveIdx >= len(f.live) {
		return exchange.Level3Message{}, bookerr.New(bookerr.Timeout, "no more live frames")
	}
	msg := f.live[f.liveIdx]
	f.liveIdx++
	return msg, nil
}

func (f *fakeFeed) Close() error {
	f.closed = true
	return nil
}

func TestBuildReplaysCachedEventsAfterSnapshot(t *testing.T) {
	idA := uuid.New()
	idB := uuid.New()

	feed := &fakeFeed{
		cached: []exchange.Level3Message{
			l3Open(11, types.Buy, "10.00", "1", idA), // already covered by the snapshot
			l3Open(12, types.Sell, "11.00", "1", idB),
		},
	}
	rest := &fakeRESTClient{snapshot: types.Snapshot{Sequence: 11, Time: time.Unix(0, 0)}}

	b := NewBuilder(rest, feed, testBackoff(), testLogger())
	cob, err := b.Build(context.Background(), Config{ProductID: "KSM-USD", CacheDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if cob.Book().Sequence != 12 {
		t.Errorf("Sequence = %d, want 12 (snapshot seq 11 replayed through cached seq 12)", cob.Book().Sequence)
	}
	if !cob.Book().BestAsk().Equal(mustDecimal("11.00")) {
		t.Errorf("BestAsk() = %v, want 11.00", cob.Book().BestAsk())
	}
}

func TestBuildFailsWhenCacheWindowMissesSnapshotSequence(t *testing.T) {
	feed := &fakeFeed{
		cached: []exchange.Level3Message{
			l3Open(5, types.Buy, "10.00", "1", uuid.New()),
		},
	}
	rest := &fakeRESTClient{snapshot: types.Snapshot{Sequence: 50, Time: time.Unix(0, 0)}}

	b := NewBuilder(rest, feed, testBackoff(), testLogger())
	_, err := b.Build(context.Background(), Config{ProductID: "KSM-USD", CacheDelay: time.Millisecond})

	if !errors.Is(err, bookerr.ErrInsufficientCacheDelay) {
		t.Fatalf("err = %v, want InsufficientCacheDelay", err)
	}
}

func TestBuildFailsWhenCacheNeverReceivedAnything(t *testing.T) {
	feed := &fakeFeed{}
	rest := &fakeRESTClient{snapshot: types.Snapshot{Sequence: 1, Time: time.Unix(0, 0)}}

	b := NewBuilder(rest, feed, testBackoff(), testLogger())
	_, err := b.Build(context.Background(), Config{ProductID: "KSM-USD", CacheDelay: time.Millisecond})

	if !errors.Is(err, bookerr.ErrInsufficientCacheDelay) {
		t.Fatalf("err = %v, want InsufficientCacheDelay", err)
	}
}

func TestBuildPropagatesRESTError(t *testing.T) {
	feed := &fakeFeed{cached: []exchange.Level3Message{l3Open(1, types.Buy, "1", "1", uuid.New())}}
	rest := &fakeRESTClient{err: bookerr.New(bookerr.Domain, "network down")}

	b := NewBuilder(rest, feed, testBackoff(), testLogger())
	_, err := b.Build(context.Background(), Config{ProductID: "KSM-USD", CacheDelay: time.Millisecond})
	if !errors.Is(err, bookerr.ErrDomain) {
		t.Fatalf("err = %v, want Domain", err)
	}
}

func TestRunAppliesLiveFramesUntilFeedStops(t *testing.T) {
	idA := uuid.New()
	feed := &fakeFeed{
		live: []exchange.Level3Message{
			l3Open(1, types.Buy, "10.00", "1", idA),
		},
	}
	cob := &ConnectedOrderBook{book: newTestBook(t), feed: feed, logger: testLogger()}

	var received []types.NormalizedEvent
	err := cob.Run(context.Background(), func(ev types.NormalizedEvent) {
		received = append(received, ev)
	})

	if !errors.Is(err, bookerr.ErrTimeout) {
		t.Fatalf("Run() error = %v, want Timeout once frames are exhausted", err)
	}
	if len(received) != 1 {
		t.Fatalf("received %d events, want 1", len(received))
	}
	if cob.Book().Sequence != 1 {
		t.Errorf("Sequence = %d, want 1", cob.Book().Sequence)
	}
}

func TestRunSkipsOutOfSequenceAndContinues(t *testing.T) {
	idA := uuid.New()
	idB := uuid.New()
	feed := &fakeFeed{
		live: []exchange.Level3Message{
			l3Open(5, types.Buy, "1.00", "1", idA), // out of sequence, book expects 1
			l3Open(1, types.Buy, "1.00", "1", idB),
		},
	}
	cob := &ConnectedOrderBook{book: newTestBook(t), feed: feed, logger: testLogger()}

	count := 0
	err := cob.Run(context.Background(), func(types.NormalizedEvent) { count++ })

	if !errors.Is(err, bookerr.ErrTimeout) {
		t.Fatalf("Run() error = %v", err)
	}
	if count != 1 {
		t.Errorf("handler invoked %d times, want 1 (only the in-sequence event)", count)
	}
}

func TestRunRespectsContextCancellation(t *testing.T) {
	feed := &fakeFeed{live: []exchange.Level3Message{
		l3Open(1, types.Buy, "1.00", "1", uuid.New()),
	}}
	cob := &ConnectedOrderBook{book: newTestBook(t), feed: feed, logger: testLogger()}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cob.Run(ctx, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
}
