// Package types defines the shared vocabulary of the order-book replication
// system: sides, exact-decimal prices and sizes, order identifiers, product
// metadata, REST snapshots, and the normalized event shape the order book
// emits after applying a wire-level mutation.
package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side is one of Buy or Sell. It never round-trips through a numeric wire
// value — only the lowercase strings "buy"/"sell" the exchange actually sends.
type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Side) MarshalText() ([]byte, error) {
	if s != Buy && s != Sell {
		return nil, fmt.Errorf("types: invalid side %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Side) UnmarshalText(text []byte) error {
	switch string(text) {
	case "buy":
		*s = Buy
	case "sell":
		*s = Sell
	default:
		return fmt.Errorf("types: invalid side %q", text)
	}
	return nil
}

// OrderID is a 128-bit universally unique order identifier.
type OrderID = uuid.UUID

// Price is an exact decimal used as a half-book key. Never convert a Price
// to float64; comparisons and map keys rely on shopspring/decimal's exact
// arithmetic.
type Price = decimal.Decimal

// Size is an exact, non-negative decimal quantity.
type Size = decimal.Decimal

// PriceInfinity is the +∞ sentinel returned as BestAsk when the ask side of
// a book is empty. It is a real (very large) decimal rather than a true
// infinity, since shopspring/decimal has no such concept, chosen large
// enough that no real exchange price will ever reach it.
var PriceInfinity = decimal.New(1, 100)

// ZeroPrice is the 0 sentinel returned as BestBid when the bid side of a
// book is empty.
var ZeroPrice = decimal.Zero

// ProductStatus mirrors the exchange's product status field. An
// unrecognized wire value decodes to StatusUnknown rather than failing,
// since book replication correctness does not depend on it.
type ProductStatus int

const (
	StatusUnknown ProductStatus = iota
	StatusOnline
	StatusOffline
	StatusDelisted
)

func ParseProductStatus(s string) ProductStatus {
	switch s {
	case "online":
		return StatusOnline
	case "offline":
		return StatusOffline
	case "delisted":
		return StatusDelisted
	default:
		return StatusUnknown
	}
}

// ProductMetadata describes the traded pair: its identifier and the
// exchange-declared tick/lot increments.
type ProductMetadata struct {
	ID              string
	BaseCurrency    string
	QuoteCurrency   string
	BaseIncrement   Size
	QuoteIncrement  Size
	Status          ProductStatus
	TradingDisabled bool
}

// SnapshotEntry is one resting order in a REST book snapshot.
type SnapshotEntry struct {
	Price Price
	Size  Size
	ID    OrderID
}

// Snapshot is a point-in-time level-3 book dump.
type Snapshot struct {
	Sequence uint64
	Time     time.Time
	Bids     []SnapshotEntry
	Asks     []SnapshotEntry
}

// EventKind tags which of the five level-3 mutation variants an Event carries.
type EventKind int

const (
	EventOpen EventKind = iota
	EventChange
	EventMatch
	EventNoop
	EventDone
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventChange:
		return "change"
	case EventMatch:
		return "match"
	case EventNoop:
		return "noop"
	case EventDone:
		return "done"
	default:
		return "unknown"
	}
}

// Event is a tagged union over the five level-3 wire message variants.
// Exactly the fields relevant to Kind are populated; see the per-kind
// comment for which.
type Event struct {
	Kind      EventKind
	ProductID string
	Sequence  uint64
	Time      time.Time

	// Open
	OrderID OrderID
	Side    Side
	Price   Price
	Size    Size

	// Change (reuses OrderID/Price/Size above)

	// Match
	MakerOrderID OrderID
	TakerOrderID OrderID

	// Done (reuses OrderID above)
}

// Heartbeat is the liveness message that arrives on the heartbeat channel
// independently of level-3 activity, at roughly 1 Hz.
type Heartbeat struct {
	Sequence    uint64
	LastTradeID uint64
	ProductID   string
	Time        time.Time
}

// NormalizedEvent mirrors the Event that was applied to an OrderBook, plus
// the side resolved during application for Match events (the wire format
// does not carry it — only the order book's index knows which side the
// maker order rested on).
type NormalizedEvent struct {
	Event
	ResolvedSide Side
}
