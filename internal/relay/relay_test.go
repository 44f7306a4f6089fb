package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/joinstr/joinstr/internal/poolmsg"
)

// broadcastHub is a minimal in-test stand-in for a relay server: every
// frame received from any connection is rebroadcast to every connection.
type broadcastHub struct {
	upgrader websocket.Upgrader
	mu       sync.Mutex
	conns    []*websocket.Conn
}

func newBroadcastHub() *broadcastHub {
	return &broadcastHub{upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}}
}

func startHub(t *testing.T) string {
	t.Helper()
	hub := newBroadcastHub()
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (h *broadcastHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.mu.Lock()
	h.conns = append(h.conns, conn)
	h.mu.Unlock()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.mu.Lock()
		for _, c := range h.conns {
			_ = c.WriteMessage(websocket.TextMessage, msg)
		}
		h.mu.Unlock()
	}
}

func waitForPoolMsg(t *testing.T, c *Client, timeout time.Duration) (*poolmsg.PoolMessage, *btcec.PublicKey) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		msg, sender, err := c.TryReceivePoolMsg()
		if err != nil {
			t.Fatalf("try receive: %v", err)
		}
		if msg != nil {
			return msg, sender
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for pool message")
	return nil, nil
}

func TestSendPoolMessageRoundTrip(t *testing.T) {
	url := startHub(t)

	alicePriv, _ := btcec.NewPrivateKey()
	bobPriv, _ := btcec.NewPrivateKey()

	alice := New(alicePriv, zaptest.NewLogger(t))
	bob := New(bobPriv, zaptest.NewLogger(t))

	ctx := context.Background()
	if err := alice.Connect(ctx, url); err != nil {
		t.Fatalf("alice connect: %v", err)
	}
	defer alice.Close()
	if err := bob.Connect(ctx, url); err != nil {
		t.Fatalf("bob connect: %v", err)
	}
	defer bob.Close()

	time.Sleep(20 * time.Millisecond) // let both connections register with the hub

	join := poolmsg.NewJoinMessage(nil)
	if err := alice.SendPoolMessage(bob.PubKey(), join); err != nil {
		t.Fatalf("send pool message: %v", err)
	}

	msg, sender := waitForPoolMsg(t, bob, time.Second)
	if !msg.IsJoin() {
		t.Fatalf("expected join message, got %+v", msg)
	}
	if msg.JoinPubKey == nil {
		t.Fatal("expected Join(None) to be rewritten to Join(Some(sender))")
	}
	if sender.SerializeCompressed()[0] != alice.PubKey().SerializeCompressed()[0] {
		t.Fatal("sender pubkey mismatch")
	}
}
