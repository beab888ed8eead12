// Package orderbook implements the level-3 order-book state machine: two
// price-sorted half-books, an order-id index, and the mutation algebra
// that applies Open/Change/Match/Done/Noop events under strict sequence
// validation.
package orderbook

import (
	"time"

	"github.com/tidwall/btree"

	"l3bookd/internal/bookerr"
	"l3bookd/pkg/types"
)

// Order is one resting order at a price level, kept in FIFO arrival order.
type Order struct {
	ID   types.OrderID
	Size types.Size
	Time time.Time
}

// PriceLevel aggregates every resting order at one price.
type PriceLevel struct {
	Price     types.Price
	TotalSize types.Size
	Queue     []Order
}

// indexEntry locates a resting order by side and price for O(1) lookup on
// Change/Match/Done, instead of scanning both half-books.
type indexEntry struct {
	Side  types.Side
	Price types.Price
}

// HalfBook is one side of the book, held in a btree ordered so that Min
// always returns the best price for that side regardless of whether "best"
// means highest (bids) or lowest (asks).
type HalfBook struct {
	levels *btree.BTreeG[*PriceLevel]
}

func newBidsHalfBook() *HalfBook {
	return &HalfBook{levels: btree.NewBTreeG(func(a, b *PriceLevel) bool {
		return a.Price.GreaterThan(b.Price)
	})}
}

func newAsksHalfBook() *HalfBook {
	return &HalfBook{levels: btree.NewBTreeG(func(a, b *PriceLevel) bool {
		return a.Price.LessThan(b.Price)
	})}
}

func (h *HalfBook) get(price types.Price) (*PriceLevel, bool) {
	return h.levels.Get(&PriceLevel{Price: price})
}

// best returns this side's best price, live off the tree's current
// extremum — there is no separate cached field to fall out of sync with a
// level removal.
func (h *HalfBook) best() (types.Price, bool) {
	lvl, ok := h.levels.Min()
	if !ok {
		return types.Price{}, false
	}
	return lvl.Price, true
}

func (h *HalfBook) insertOrder(price types.Price, order Order) {
	lvl, ok := h.get(price)
	if !ok {
		lvl = &PriceLevel{Price: price}
		h.levels.Set(lvl)
	}
	lvl.Queue = append(lvl.Queue, order)
	lvl.TotalSize = lvl.TotalSize.Add(order.Size)
}

// removeOrder deletes orderID from the level at price entirely, removing
// the level itself if that was its last order.
func (h *HalfBook) removeOrder(price types.Price, orderID types.OrderID) error {
	lvl, ok := h.get(price)
	if !ok {
		return bookerr.New(bookerr.PriceLevelMissing, "remove: price level not found")
	}
	idx := indexOf(lvl.Queue, orderID)
	if idx < 0 {
		return bookerr.New(bookerr.PriceLevelMissing, "remove: order not found in level queue")
	}
	lvl.TotalSize = lvl.TotalSize.Sub(lvl.Queue[idx].Size)
	lvl.Queue = append(lvl.Queue[:idx], lvl.Queue[idx+1:]...)
	if len(lvl.Queue) == 0 {
		h.levels.Delete(lvl)
	}
	return nil
}

// mutateOrderSize adjusts orderID's size in place without moving its queue
// position, for the FIFO-preserving size-decrease case of Change.
func (h *HalfBook) mutateOrderSize(price types.Price, orderID types.OrderID, newSize types.Size) error {
	lvl, ok := h.get(price)
	if !ok {
		return bookerr.New(bookerr.PriceLevelMissing, "mutate: price level not found")
	}
	idx := indexOf(lvl.Queue, orderID)
	if idx < 0 {
		return bookerr.New(bookerr.PriceLevelMissing, "mutate: order not found in level queue")
	}
	delta := newSize.Sub(lvl.Queue[idx].Size)
	lvl.Queue[idx].Size = newSize
	lvl.TotalSize = lvl.TotalSize.Add(delta)
	return nil
}

// reduceOrderSize subtracts qty from orderID's resting size for a Match.
// If the residual is zero or less, the order (and the level, if it was the
// last one there) is removed and removed reports true.
func (h *HalfBook) reduceOrderSize(price types.Price, orderID types.OrderID, qty types.Size) (removed bool, err error) {
	lvl, ok := h.get(price)
	if !ok {
		return false, bookerr.New(bookerr.PriceLevelMissing, "reduce: price level not found")
	}
	idx := indexOf(lvl.Queue, orderID)
	if idx < 0 {
		return false, bookerr.New(bookerr.PriceLevelMissing, "reduce: order not found in level queue")
	}

	lvl.TotalSize = lvl.TotalSize.Sub(qty)
	remaining := lvl.Queue[idx].Size.Sub(qty)
	if remaining.Sign() <= 0 {
		lvl.Queue = append(lvl.Queue[:idx], lvl.Queue[idx+1:]...)
		if len(lvl.Queue) == 0 {
			h.levels.Delete(lvl)
		}
		return true, nil
	}
	lvl.Queue[idx].Size = remaining
	return false, nil
}

func indexOf(queue []Order, id types.OrderID) int {
	for i, o := range queue {
		if o.ID == id {
			return i
		}
	}
	return -1
}

// OrderBook is the replicated state for one product: two half-books, an
// order-id index, and the sequence number of the last applied event.
type OrderBook struct {
	Product   string
	Sequence  uint64
	UpdatedAt time.Time

	bids  *HalfBook
	asks  *HalfBook
	index map[types.OrderID]indexEntry
}

// New returns an empty book at sequence 0, ready to be built up by Apply
// (typically preceded by loading a snapshot via FromSnapshot).
func New(product string) *OrderBook {
	return &OrderBook{
		Product: product,
		bids:    newBidsHalfBook(),
		asks:    newAsksHalfBook(),
		index:   make(map[types.OrderID]indexEntry),
	}
}

// FromSnapshot builds a populated book directly from a REST snapshot,
// seeding both half-books and the index without going through Apply.
func FromSnapshot(product string, snap types.Snapshot) *OrderBook {
	book := New(product)
	book.Sequence = snap.Sequence
	book.UpdatedAt = snap.Time

	for _, e := range snap.Bids {
		book.bids.insertOrder(e.Price, Order{ID: e.ID, Size: e.Size, Time: snap.Time})
		book.index[e.ID] = indexEntry{Side: types.Buy, Price: e.Price}
	}
	for _, e := range snap.Asks {
		book.asks.insertOrder(e.Price, Order{ID: e.ID, Size: e.Size, Time: snap.Time})
		book.index[e.ID] = indexEntry{Side: types.Sell, Price: e.Price}
	}
	return book
}

// BestBid is the highest resting bid price, or ZeroPrice if bids is empty.
func (b *OrderBook) BestBid() types.Price {
	p, ok := b.bids.best()
	if !ok {
		return types.ZeroPrice
	}
	return p
}

// BestAsk is the lowest resting ask price, or PriceInfinity if asks is empty.
func (b *OrderBook) BestAsk() types.Price {
	p, ok := b.asks.best()
	if !ok {
		return types.PriceInfinity
	}
	return p
}

func (b *OrderBook) halfBookFor(side types.Side) *HalfBook {
	if side == types.Buy {
		return b.bids
	}
	return b.asks
}

// Apply mutates the book according to ev and returns the normalized form
// of the event that was applied. An event whose sequence does not equal
// the current sequence plus one is rejected with OutOfSequence and leaves
// the book untouched.
func (b *OrderBook) Apply(ev types.Event) (types.NormalizedEvent, error) {
	if ev.Sequence != b.Sequence+1 {
		return types.NormalizedEvent{}, bookerr.Newf(bookerr.OutOfSequence,
			"event sequence %d does not follow current sequence %d", ev.Sequence, b.Sequence)
	}

	var resolvedSide types.Side

	switch ev.Kind {
	case types.EventOpen:
		if _, exists := b.index[ev.OrderID]; exists {
			return types.NormalizedEvent{}, bookerr.Newf(bookerr.OrderAlreadyExists,
				"order %s already in book", ev.OrderID)
		}
		b.halfBookFor(ev.Side).insertOrder(ev.Price, Order{ID: ev.OrderID, Size: ev.Size, Time: ev.Time})
		b.index[ev.OrderID] = indexEntry{Side: ev.Side, Price: ev.Price}
		resolvedSide = ev.Side

	case types.EventChange:
		entry, exists := b.index[ev.OrderID]
		if !exists {
			// Pertains to an order a prior Match/Done already removed.
			break
		}
		resolvedSide = entry.Side
		hb := b.halfBookFor(entry.Side)

		lvl, ok := hb.get(entry.Price)
		if !ok {
			return types.NormalizedEvent{}, bookerr.New(bookerr.PriceLevelMissing, "change: indexed level missing")
		}
		idx := indexOf(lvl.Queue, ev.OrderID)
		if idx < 0 {
			return types.NormalizedEvent{}, bookerr.New(bookerr.PriceLevelMissing, "change: order not in indexed level")
		}
		oldSize := lvl.Queue[idx].Size

		if !ev.Price.Equal(entry.Price) || ev.Size.GreaterThan(oldSize) {
			if err := hb.removeOrder(entry.Price, ev.OrderID); err != nil {
				return types.NormalizedEvent{}, err
			}
			hb.insertOrder(ev.Price, Order{ID: ev.OrderID, Size: ev.Size, Time: ev.Time})
			b.index[ev.OrderID] = indexEntry{Side: entry.Side, Price: ev.Price}
		} else {
			if err := hb.mutateOrderSize(entry.Price, ev.OrderID, ev.Size); err != nil {
				return types.NormalizedEvent{}, err
			}
		}

	case types.EventMatch:
		entry, exists := b.index[ev.MakerOrderID]
		if !exists {
			return types.NormalizedEvent{}, bookerr.Newf(bookerr.OrderDoesNotExist,
				"match: maker order %s not in book", ev.MakerOrderID)
		}
		resolvedSide = entry.Side
		removed, err := b.halfBookFor(entry.Side).reduceOrderSize(entry.Price, ev.MakerOrderID, ev.Size)
		if err != nil {
			return types.NormalizedEvent{}, err
		}
		if removed {
			delete(b.index, ev.MakerOrderID)
		}

	case types.EventDone:
		entry, exists := b.index[ev.OrderID]
		if !exists {
			// Already removed by a prior Match that emptied the order.
			break
		}
		resolvedSide = entry.Side
		if err := b.halfBookFor(entry.Side).removeOrder(entry.Price, ev.OrderID); err != nil {
			return types.NormalizedEvent{}, err
		}
		delete(b.index, ev.OrderID)

	case types.EventNoop:
		// No state change beyond the sequence/time advance below.

	default:
		return types.NormalizedEvent{}, bookerr.Newf(bookerr.InvalidInput, "unknown event kind %d", ev.Kind)
	}

	b.Sequence = ev.Sequence
	b.UpdatedAt = ev.Time

	return types.NormalizedEvent{Event: ev, ResolvedSide: resolvedSide}, nil
}
