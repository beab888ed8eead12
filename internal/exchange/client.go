// Package exchange implements the REST and WebSocket clients that sit
// beneath the order-book replication system: a stateless REST client for
// product metadata and book snapshots, and a generic WS Channel for the
// streaming level-3 feed. Both are rate-limited through the token bucket
// in ratelimit.go, which also holds the backoff bucket the bootstrap
// builder uses to space out snapshot refetches.
package exchange

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"l3bookd/internal/bookerr"
	"l3bookd/pkg/types"
)

// Client is a stateless JSON client over the exchange's REST API.
type Client struct {
	http *resty.Client
	rl   *TokenBucket
}

// restProduct mirrors GET /products/{id}.
type restProduct struct {
	ID             string `json:"id"`
	BaseCurrency   string `json:"base_currency"`
	QuoteCurrency  string `json:"quote_currency"`
	BaseIncrement  string `json:"base_increment"`
	QuoteIncrement string `json:"quote_increment"`
	Status         string `json:"status"`
	TradingDisable bool   `json:"trading_disabled"`
}

// restBookEntry is one [price, size, id] triple in a snapshot.
type restBookEntry [3]string

// restBook mirrors GET /products/{id}/book?level=3.
type restBook struct {
	Sequence uint64          `json:"sequence"`
	Time     time.Time       `json:"time"`
	Bids     []restBookEntry `json:"bids"`
	Asks     []restBookEntry `json:"asks"`
}

// restErrorShape mirrors the exchange's non-2xx error body.
type restErrorShape struct {
	Message string `json:"message"`
}

// NewClient builds a REST client against baseURL, rate-limited through rl.
// The client sets a user-agent, accepts gzip, and fully drains response
// bodies before the rate-limit permit (held by the caller) is released.
func NewClient(baseURL string, rl *TokenBucket) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetHeader("User-Agent", "l3bookd/1.0").
		SetHeader("Accept-Encoding", "gzip")

	return &Client{http: httpClient, rl: rl}
}

// GetProduct fetches tick/lot sizes, identifier, and status for productID.
func (c *Client) GetProduct(ctx context.Context, productID string) (types.ProductMetadata, error) {
	permit, err := c.rl.Acquire(ctx)
	if err != nil {
		return types.ProductMetadata{}, err
	}
	defer c.rl.Release(permit)

	var result restProduct
	var errBody restErrorShape
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		SetError(&errBody).
		Get(fmt.Sprintf("/products/%s", productID))
	if err != nil {
		return types.ProductMetadata{}, bookerr.Wrap(bookerr.Domain, err, "get product")
	}
	if resp.StatusCode() != http.StatusOK {
		return types.ProductMetadata{}, restDomainError("get product", resp.StatusCode(), errBody)
	}

	baseIncr, err := decimalOrZero(result.BaseIncrement)
	if err != nil {
		return types.ProductMetadata{}, bookerr.Wrap(bookerr.InvalidInput, err, "base_increment")
	}
	quoteIncr, err := decimalOrZero(result.QuoteIncrement)
	if err != nil {
		return types.ProductMetadata{}, bookerr.Wrap(bookerr.InvalidInput, err, "quote_increment")
	}

	return types.ProductMetadata{
		ID:              result.ID,
		BaseCurrency:    result.BaseCurrency,
		QuoteCurrency:   result.QuoteCurrency,
		BaseIncrement:   baseIncr,
		QuoteIncrement:  quoteIncr,
		Status:          types.ParseProductStatus(result.Status),
		TradingDisabled: result.TradingDisable,
	}, nil
}

// GetProductBook fetches a level-3 book snapshot, which may contain
// thousands of entries.
func (c *Client) GetProductBook(ctx context.Context, productID string) (types.Snapshot, error) {
	permit, err := c.rl.Acquire(ctx)
	if err != nil {
		return types.Snapshot{}, err
	}
	defer c.rl.Release(permit)

	var result restBook
	var errBody restErrorShape
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("level", "3").
		SetResult(&result).
		SetError(&errBody).
		Get(fmt.Sprintf("/products/%s/book", productID))
	if err != nil {
		return types.Snapshot{}, bookerr.Wrap(bookerr.Domain, err, "get product book")
	}
	if resp.StatusCode() != http.StatusOK {
		return types.Snapshot{}, restDomainError("get product book", resp.StatusCode(), errBody)
	}

	bids, err := decodeBookSide(result.Bids)
	if err != nil {
		return types.Snapshot{}, err
	}
	asks, err := decodeBookSide(result.Asks)
	if err != nil {
		return types.Snapshot{}, err
	}

	return types.Snapshot{
		Sequence: result.Sequence,
		Time:     result.Time,
		Bids:     bids,
		Asks:     asks,
	}, nil
}

func decodeBookSide(entries []restBookEntry) ([]types.SnapshotEntry, error) {
	out := make([]types.SnapshotEntry, 0, len(entries))
	for _, e := range entries {
		price, size, err := decodePriceSize(e[0], e[1])
		if err != nil {
			return nil, err
		}
		id, err := parseOrderID(e[2])
		if err != nil {
			return nil, err
		}
		out = append(out, types.SnapshotEntry{Price: price, Size: size, ID: id})
	}
	return out, nil
}

func restDomainError(op string, status int, body restErrorShape) error {
	if body.Message != "" {
		return bookerr.Newf(bookerr.Domain, "%s: status %d: %s", op, status, body.Message)
	}
	return bookerr.Newf(bookerr.Domain, "%s: status %d", op, status)
}
