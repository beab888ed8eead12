package exchange

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"l3bookd/internal/bookerr"
)

var testUpgrader = websocket.Upgrader{}

// newTestWSServer starts an httptest server that upgrades every request to
// a WebSocket connection and hands it to handle, returning the ws:// URL to
// dial.
func newTestWSServer(t *testing.T, handle func(conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testCreds() Credentials {
	return Credentials{
		APIKey:     "test-key",
		Secret:     base64.StdEncoding.EncodeToString([]byte("shh")),
		Passphrase: "pass",
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const testOpenFrame = `["open","BTC-USD","1","11111111-1111-1111-1111-111111111111","buy","100.00","1.5","2026-01-01T00:00:00Z"]`

func TestConnectReadsAckAndSchemaBannerBeforeReturning(t *testing.T) {
	t.Parallel()

	var gotSubscribe subscribeFrame
	url := newTestWSServer(t, func(conn *websocket.Conn) {
		if err := conn.ReadJSON(&gotSubscribe); err != nil {
			t.Errorf("read subscribe frame: %v", err)
			return
		}
		if err := conn.WriteJSON(map[string]string{"type": "subscriptions"}); err != nil {
			t.Errorf("write ack: %v", err)
			return
		}
		if err := conn.WriteJSON(map[string]string{"type": "schema", "schema": "{}"}); err != nil {
			t.Errorf("write schema banner: %v", err)
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(testOpenFrame))
		<-time.After(50 * time.Millisecond)
	})

	rl := NewTokenBucket(10, time.Millisecond)
	defer rl.Shutdown()

	ch, err := Connect[Level3Message](context.Background(), url, "BTC-USD", testCreds(), rl, testLogger())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer ch.Close()

	if gotSubscribe.Type != "subscribe" {
		t.Errorf("subscribe frame type = %q, want subscribe", gotSubscribe.Type)
	}
	if len(gotSubscribe.Channels) != 2 || gotSubscribe.Channels[0] != "level3" || gotSubscribe.Channels[1] != "heartbeat" {
		t.Errorf("subscribe channels = %v, want [level3 heartbeat]", gotSubscribe.Channels)
	}

	// The ack and schema banner must already have been consumed by Connect;
	// the first frame Next sees should be the level3 frame, not either of
	// those two handshake frames.
	msg, err := ch.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if msg.Kind.String() != "open" {
		t.Errorf("Kind = %v, want open", msg.Kind)
	}
}

func TestNextDropsHeartbeatFramesAndReturnsNextMessage(t *testing.T) {
	t.Parallel()

	url := newTestWSServer(t, func(conn *websocket.Conn) {
		var sub subscribeFrame
		conn.ReadJSON(&sub)
		conn.WriteJSON(map[string]string{"type": "subscriptions"})
		conn.WriteJSON(map[string]string{"type": "schema", "schema": "{}"})

		conn.WriteJSON(map[string]any{
			"type":          "heartbeat",
			"sequence":      1,
			"last_trade_id": 1,
			"product_id":    "BTC-USD",
			"time":          time.Now().Format(time.RFC3339Nano),
		})
		conn.WriteMessage(websocket.TextMessage, []byte(testOpenFrame))
		<-time.After(50 * time.Millisecond)
	})

	rl := NewTokenBucket(10, time.Millisecond)
	defer rl.Shutdown()

	ch, err := Connect[Level3Message](context.Background(), url, "BTC-USD", testCreds(), rl, testLogger())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer ch.Close()

	msg, err := ch.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if msg.Sequence != 1 || msg.Kind.String() != "open" {
		t.Errorf("Next() = %+v, want the open frame (heartbeat should have been dropped)", msg)
	}
}

func TestNextReturnsTimeoutWhenServerGoesSilent(t *testing.T) {
	// Not t.Parallel(): mutates the shared readTimeout var.
	old := readTimeout
	readTimeout = 30 * time.Millisecond
	defer func() { readTimeout = old }()

	url := newTestWSServer(t, func(conn *websocket.Conn) {
		var sub subscribeFrame
		conn.ReadJSON(&sub)
		conn.WriteJSON(map[string]string{"type": "subscriptions"})
		conn.WriteJSON(map[string]string{"type": "schema", "schema": "{}"})
		<-time.After(500 * time.Millisecond)
	})

	rl := NewTokenBucket(10, time.Millisecond)
	defer rl.Shutdown()

	ch, err := Connect[Level3Message](context.Background(), url, "BTC-USD", testCreds(), rl, testLogger())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer ch.Close()

	_, err = ch.Next()
	var be *bookerr.Error
	if !errors.As(err, &be) || be.Kind != bookerr.Timeout {
		t.Fatalf("Next() error = %v, want Timeout", err)
	}
}

func TestCacheJoinBuffersFramesUntilJoined(t *testing.T) {
	t.Parallel()

	url := newTestWSServer(t, func(conn *websocket.Conn) {
		var sub subscribeFrame
		conn.ReadJSON(&sub)
		conn.WriteJSON(map[string]string{"type": "subscriptions"})
		conn.WriteJSON(map[string]string{"type": "schema", "schema": "{}"})

		conn.WriteMessage(websocket.TextMessage, []byte(testOpenFrame))
		conn.WriteMessage(websocket.TextMessage, []byte(
			`["open","BTC-USD","2","22222222-2222-2222-2222-222222222222","sell","101.00","2","2026-01-01T00:00:01Z"]`))
		<-time.After(200 * time.Millisecond)
	})

	rl := NewTokenBucket(10, time.Millisecond)
	defer rl.Shutdown()

	ch, err := Connect[Level3Message](context.Background(), url, "BTC-USD", testCreds(), rl, testLogger())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer ch.Close()

	ch.Cache()

	deadline := time.Now().Add(time.Second)
	for {
		if last, ok := ch.LastCached(); ok && last.Sequence == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for cache to catch up to sequence 2")
		}
		time.Sleep(time.Millisecond)
	}

	items := ch.Join()
	if len(items) != 2 {
		t.Fatalf("Join() returned %d items, want 2", len(items))
	}
	if items[0].Sequence != 1 || items[1].Sequence != 2 {
		t.Errorf("Join() = %+v, want sequences [1 2] in order", items)
	}

	if _, err := ch.Next(); err != nil {
		t.Errorf("Next() after Join() error = %v, want caching mode released", err)
	}
}
