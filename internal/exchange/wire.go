// wire.go hand-writes the level-3 JSON decoder. The wire format packs each
// event into a positional JSON array whose first element names the variant,
// with a stringified sequence number and ISO-8601 time — a shape no
// standard auto-derived struct tag can express, so decoding dispatches on
// the first element by hand, mirroring the reference implementation's own
// positional sequence-access deserializer.
package exchange

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"l3bookd/internal/bookerr"
	"l3bookd/pkg/types"
)

// Level3Message wraps a decoded level-3 event and satisfies ChannelMessage
// so it can be used as the Channel[T] type parameter for the level3 feed.
type Level3Message struct {
	types.Event
}

func (Level3Message) ChannelName() string { return "level3" }
func (Level3Message) ParseSchema() bool   { return true }

// UnmarshalJSON decodes one positional-array level-3 frame. The first
// element selects the variant; remaining elements are positional per
// variant exactly as documented on the wire:
//
//	["open",   product_id, sequence, order_id, side, price, size, time]
//	["change", product_id, sequence, order_id, price, size, time]
//	["match",  product_id, sequence, maker_id, taker_id, price, size, time]
//	["noop",   product_id, sequence, time]
//	["done",   product_id, sequence, order_id, time]
func (m *Level3Message) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return bookerr.Wrap(bookerr.InvalidInput, err, "level3 frame is not a JSON array")
	}
	if len(raw) == 0 {
		return bookerr.New(bookerr.InvalidInput, "level3 frame is an empty array")
	}

	var variant string
	if err := json.Unmarshal(raw[0], &variant); err != nil {
		return bookerr.Wrap(bookerr.InvalidInput, err, "level3 frame variant is not a string")
	}

	field := func(i int, v any) error {
		if i >= len(raw) {
			return bookerr.Newf(bookerr.InvalidInput, "level3 %s frame missing field %d", variant, i)
		}
		if err := json.Unmarshal(raw[i], v); err != nil {
			return bookerr.Wrapf(bookerr.InvalidInput, err, "level3 %s frame field %d", variant, i)
		}
		return nil
	}

	var productID string
	var seqStr string
	if err := field(1, &productID); err != nil {
		return err
	}
	if err := field(2, &seqStr); err != nil {
		return err
	}
	sequence, err := parseU64(seqStr)
	if err != nil {
		return bookerr.Wrapf(bookerr.InvalidInput, err, "level3 %s frame sequence %q", variant, seqStr)
	}

	ev := types.Event{ProductID: productID, Sequence: sequence}

	switch variant {
	case "open":
		var orderID uuid.UUID
		var sideStr, priceStr, sizeStr, timeStr string
		if err := field(3, &orderID); err != nil {
			return err
		}
		if err := field(4, &sideStr); err != nil {
			return err
		}
		if err := field(5, &priceStr); err != nil {
			return err
		}
		if err := field(6, &sizeStr); err != nil {
			return err
		}
		if err := field(7, &timeStr); err != nil {
			return err
		}
		var side types.Side
		if err := side.UnmarshalText([]byte(sideStr)); err != nil {
			return bookerr.Wrap(bookerr.InvalidInput, err, "level3 open frame side")
		}
		price, size, t, err := parsePriceSizeTime(priceStr, sizeStr, timeStr)
		if err != nil {
			return err
		}
		ev.Kind, ev.OrderID, ev.Side, ev.Price, ev.Size, ev.Time = types.EventOpen, orderID, side, price, size, t

	case "change":
		var orderID uuid.UUID
		var priceStr, sizeStr, timeStr string
		if err := field(3, &orderID); err != nil {
			return err
		}
		if err := field(4, &priceStr); err != nil {
			return err
		}
		if err := field(5, &sizeStr); err != nil {
			return err
		}
		if err := field(6, &timeStr); err != nil {
			return err
		}
		price, size, t, err := parsePriceSizeTime(priceStr, sizeStr, timeStr)
		if err != nil {
			return err
		}
		ev.Kind, ev.OrderID, ev.Price, ev.Size, ev.Time = types.EventChange, orderID, price, size, t

	case "match":
		var makerID, takerID uuid.UUID
		var priceStr, sizeStr, timeStr string
		if err := field(3, &makerID); err != nil {
			return err
		}
		if err := field(4, &takerID); err != nil {
			return err
		}
		if err := field(5, &priceStr); err != nil {
			return err
		}
		if err := field(6, &sizeStr); err != nil {
			return err
		}
		if err := field(7, &timeStr); err != nil {
			return err
		}
		price, size, t, err := parsePriceSizeTime(priceStr, sizeStr, timeStr)
		if err != nil {
			return err
		}
		ev.Kind, ev.MakerOrderID, ev.TakerOrderID, ev.Price, ev.Size, ev.Time = types.EventMatch, makerID, takerID, price, size, t

	case "noop":
		var timeStr string
		if err := field(3, &timeStr); err != nil {
			return err
		}
		t, err := time.Parse(time.RFC3339Nano, timeStr)
		if err != nil {
			return bookerr.Wrap(bookerr.InvalidInput, err, "level3 noop frame time")
		}
		ev.Kind, ev.Time = types.EventNoop, t

	case "done":
		var orderID uuid.UUID
		var timeStr string
		if err := field(3, &orderID); err != nil {
			return err
		}
		if err := field(4, &timeStr); err != nil {
			return err
		}
		t, err := time.Parse(time.RFC3339Nano, timeStr)
		if err != nil {
			return bookerr.Wrap(bookerr.InvalidInput, err, "level3 done frame time")
		}
		ev.Kind, ev.OrderID, ev.Time = types.EventDone, orderID, t

	default:
		return bookerr.Newf(bookerr.InvalidInput, "level3 frame has unknown variant %q", variant)
	}

	m.Event = ev
	return nil
}

func parsePriceSizeTime(priceStr, sizeStr, timeStr string) (types.Price, types.Size, time.Time, error) {
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, time.Time{}, bookerr.Wrapf(bookerr.InvalidInput, err, "price %q", priceStr)
	}
	size, err := decimal.NewFromString(sizeStr)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, time.Time{}, bookerr.Wrapf(bookerr.InvalidInput, err, "size %q", sizeStr)
	}
	t, err := time.Parse(time.RFC3339Nano, timeStr)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, time.Time{}, bookerr.Wrapf(bookerr.InvalidInput, err, "time %q", timeStr)
	}
	return price, size, t, nil
}

func parseU64(s string) (uint64, error) {
	var v uint64
	_, err := fmt.Sscanf(s, "%d", &v)
	return v, err
}

// decimalOrZero parses s as a decimal, treating an empty string as zero
// rather than an error; REST product responses omit increments for some
// delisted products.
func decimalOrZero(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// decodePriceSize parses the [price, size] pair shared by snapshot entries.
func decodePriceSize(priceStr, sizeStr string) (types.Price, types.Size, error) {
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, bookerr.Wrapf(bookerr.InvalidInput, err, "price %q", priceStr)
	}
	size, err := decimal.NewFromString(sizeStr)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, bookerr.Wrapf(bookerr.InvalidInput, err, "size %q", sizeStr)
	}
	return price, size, nil
}

// parseOrderID parses a snapshot entry's order id string.
func parseOrderID(s string) (types.OrderID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, bookerr.Wrapf(bookerr.InvalidInput, err, "order id %q", s)
	}
	return id, nil
}

// HeartbeatMessage is the liveness message that keeps the 10-second read
// timeout from tripping during quiet markets. Unlike level-3 frames it is a
// tagged JSON object, so the standard field-tag decoder applies directly.
type HeartbeatMessage struct {
	Type        string    `json:"type"`
	Sequence    uint64    `json:"sequence"`
	LastTradeID uint64    `json:"last_trade_id"`
	ProductID   string    `json:"product_id"`
	Time        time.Time `json:"time"`
}

func (h HeartbeatMessage) toDomain() types.Heartbeat {
	return types.Heartbeat{
		Sequence:    h.Sequence,
		LastTradeID: h.LastTradeID,
		ProductID:   h.ProductID,
		Time:        h.Time,
	}
}

func (HeartbeatMessage) ChannelName() string { return "heartbeat" }
func (HeartbeatMessage) ParseSchema() bool   { return false }
