// ws.go implements the generic WebSocket channel the order book replicates
// from: a single authenticated subscription to the level3 feed (with the
// heartbeat channel riding alongside it purely for liveness), a bounded
// read timeout so a silently dead connection is detected rather than
// hung on forever, and a caching mode that lets the bootstrap builder keep
// receiving frames in the background while it fetches a REST snapshot.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"l3bookd/internal/bookerr"
)

// readTimeout is a var rather than a const so tests can shrink it instead
// of waiting out a real 10-second deadline.
var readTimeout = 10 * time.Second

const writeTimeout = 5 * time.Second

// ChannelMessage is satisfied by the wire message type a Channel decodes
// against. Go generics carry no per-type constants the way a trait method
// can, so the channel name and schema-parse flag are surfaced as methods
// instead.
type ChannelMessage interface {
	ChannelName() string
	ParseSchema() bool
}

// Channel is a single subscription to one named WebSocket feed. T is the
// frame type the caller wants out of it (Level3Message); heartbeat frames
// are recognized and dropped internally regardless of T, since they exist
// purely to keep the read deadline from tripping during quiet markets.
type Channel[T ChannelMessage] struct {
	conn   *websocket.Conn
	rl     *TokenBucket
	logger *slog.Logger

	mu      sync.Mutex
	caching bool
	cache   []T
	stop    chan struct{}
	done    chan struct{}
}

type subscribeFrame struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
	Key        string   `json:"key,omitempty"`
	Passphrase string   `json:"passphrase,omitempty"`
	Timestamp  string   `json:"timestamp,omitempty"`
	Signature  string   `json:"signature,omitempty"`
}

// Connect dials wsURL, then sends a signed subscribe frame naming both the
// level3 and heartbeat channels for productID. The connection is rate
// limited through rl for every outgoing frame, matching the REST client.
func Connect[T ChannelMessage](ctx context.Context, wsURL, productID string, creds Credentials, rl *TokenBucket, logger *slog.Logger) (*Channel[T], error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, bookerr.Wrap(bookerr.Domain, err, "dial websocket")
	}

	c := &Channel[T]{
		conn:   conn,
		rl:     rl,
		logger: logger.With("component", "ws_channel"),
	}

	if err := c.subscribe(ctx, productID, creds); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// subscribe sends the signed subscribe frame and then reads back the
// server's acknowledgement — and, for message types that carry one, a
// schema banner frame — discarding both once they've been read off the
// wire. Neither frame is decoded into T; they exist only to confirm the
// subscription took before the caller starts treating the connection as
// live.
func (c *Channel[T]) subscribe(ctx context.Context, productID string, creds Credentials) error {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := BuildSubscribeSignature(creds.Secret, timestamp)
	if err != nil {
		return err
	}

	var zero T
	frame := subscribeFrame{
		Type:       "subscribe",
		ProductIDs: []string{productID},
		Channels:   []string{zero.ChannelName(), "heartbeat"},
		Key:        creds.APIKey,
		Passphrase: creds.Passphrase,
		Timestamp:  timestamp,
		Signature:  sig,
	}
	if err := c.writeFrame(ctx, frame); err != nil {
		return err
	}

	if _, err := c.readRawFrame(); err != nil {
		return bookerr.Wrap(bookerr.Domain, err, "read subscriptions ack")
	}

	if zero.ParseSchema() {
		if _, err := c.readRawFrame(); err != nil {
			return bookerr.Wrap(bookerr.Domain, err, "read schema banner")
		}
	}

	return nil
}

// writeFrame JSON-encodes v and sends it, bracketed by the shared token
// bucket so outbound traffic is rate limited the same way REST calls are.
func (c *Channel[T]) writeFrame(ctx context.Context, v any) error {
	permit, err := c.rl.Acquire(ctx)
	if err != nil {
		return err
	}
	defer c.rl.Release(permit)

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(v); err != nil {
		return bookerr.Wrap(bookerr.Domain, err, "write frame")
	}
	return nil
}

// readRawFrame reads one frame off the wire under the standard read
// deadline without attempting to decode it, for the handshake reads in
// subscribe and the heartbeat-aware loop in next.
func (c *Channel[T]) readRawFrame() ([]byte, error) {
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if isTimeoutErr(err) {
			return nil, bookerr.Wrap(bookerr.Timeout, err, "read deadline elapsed")
		}
		return nil, bookerr.Wrap(bookerr.Domain, err, "read websocket")
	}
	return data, nil
}

// next blocks for the next non-heartbeat frame, applying a 10-second read
// deadline on every attempt. A frame is first probed against the
// heartbeat shape and dropped if it matches; anything else is decoded as
// T. A decode failure here is fatal to the channel — it means the wire
// sent something neither schema recognizes.
func (c *Channel[T]) next() (T, error) {
	var zero T
	for {
		data, err := c.readRawFrame()
		if err != nil {
			return zero, err
		}

		var hb HeartbeatMessage
		if err := json.Unmarshal(data, &hb); err == nil && hb.Type == "heartbeat" {
			continue
		}

		var msg T
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Error("undecodable channel frame", "payload", string(data))
			return zero, bookerr.Wrap(bookerr.InvalidInput, err, "decode channel frame")
		}
		return msg, nil
	}
}

// Next returns the next decoded frame. It must not be called while the
// channel is in caching mode — Cache's background goroutine owns the
// connection read in that state; use CachedItems or LastCached instead.
func (c *Channel[T]) Next() (T, error) {
	c.mu.Lock()
	caching := c.caching
	c.mu.Unlock()
	if caching {
		var zero T
		return zero, bookerr.New(bookerr.Impossible, "Next called while channel is in caching mode")
	}
	return c.next()
}

// Cache enters caching mode: a background goroutine reads frames
// continuously and buffers them, so the channel keeps draining its socket
// while the caller fetches a REST snapshot instead of blocking it.
func (c *Channel[T]) Cache() {
	c.mu.Lock()
	if c.caching {
		c.mu.Unlock()
		return
	}
	c.caching = true
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.cacheLoop()
}

func (c *Channel[T]) cacheLoop() {
	defer close(c.done)
	for {
		select {
		case <-c.stop:
			return
		default:
		}
		msg, err := c.next()
		if err != nil {
			c.logger.Error("cache loop stopped", "error", err)
			return
		}
		c.mu.Lock()
		c.cache = append(c.cache, msg)
		c.mu.Unlock()
	}
}

// Join stops the caching goroutine and returns every frame it buffered, in
// arrival order, leaving caching mode so Next reads directly again.
func (c *Channel[T]) Join() []T {
	c.mu.Lock()
	if !c.caching {
		c.mu.Unlock()
		return nil
	}
	stop, done := c.stop, c.done
	c.mu.Unlock()

	close(stop)
	<-done

	c.mu.Lock()
	cached := c.cache
	c.cache = nil
	c.caching = false
	c.mu.Unlock()
	return cached
}

// LastCached returns the most recently buffered frame without removing it
// and without stopping the caching goroutine, or the zero value and false
// if nothing has arrived yet. The bootstrap builder reads this once, after
// fetching a snapshot, to decide whether the cache window overlaps the
// snapshot's sequence.
func (c *Channel[T]) LastCached() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.cache) == 0 {
		var zero T
		return zero, false
	}
	return c.cache[len(c.cache)-1], true
}

// CachedItems drains and returns everything buffered so far without
// stopping the caching goroutine; frames cached afterwards are kept for
// the next call or for Join.
func (c *Channel[T]) CachedItems() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.cache
	c.cache = nil
	return out
}

// Close stops any active caching goroutine, sends a zero-length close
// frame, and releases the underlying connection.
func (c *Channel[T]) Close() error {
	c.mu.Lock()
	caching := c.caching
	stop, done := c.stop, c.done
	c.mu.Unlock()

	if caching {
		close(stop)
		<-done
	}

	_ = c.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(writeTimeout))
	return c.conn.Close()
}

func isTimeoutErr(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
