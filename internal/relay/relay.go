// Package relay is a thin client over an event-relay transport: publish
// public pool announcements, send end-to-end encrypted direct messages,
// and subscribe/poll for both, over a Nostr-like event protocol on a
// single WebSocket connection.
package relay

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/joinstr/joinstr/internal/crypte"
	"github.com/joinstr/joinstr/internal/poolmsg"
)

// publishLimit caps outbound frames (announcements and DMs) per relay
// connection; a round's peer-registration/output-registration/signing
// chatter runs well under this, so it only bites a misbehaving or
// desynced peer spamming retries.
const publishLimit rate.Limit = 20

// Event kinds used by this protocol.
const (
	KindPoolAnnouncement = 2022
	KindEncryptedDM      = 4
)

// Event is one relay message: either a public pool announcement
// (Kind == KindPoolAnnouncement, Content == serialized Pool) or an
// encrypted DM (Kind == KindEncryptedDM, Content == NIP04-style
// ciphertext addressed to RecipientPubKey).
type Event struct {
	ID              string `json:"id"`
	Kind            int    `json:"kind"`
	PubKey          string `json:"pubkey"`
	RecipientPubKey string `json:"recipient,omitempty"`
	CreatedAt       int64  `json:"created_at"`
	Content         string `json:"content"`
}

// wireFrame is the envelope actually placed on the websocket: a JSON
// object whose "type" is "EVENT" (carrying "event") or "REQ" (carrying
// the subscription id "sub" and the "since"/"kinds" filter). Incoming
// frames without an "event" are dropped.
type wireFrame struct {
	Type  string `json:"type"`
	Event *Event `json:"event,omitempty"`
	Sub   string `json:"sub,omitempty"`
	Since int64  `json:"since,omitempty"`
	Kinds []int  `json:"kinds,omitempty"`
}

// Client is a single relay connection bound to one identity keypair.
type Client struct {
	logger *zap.Logger

	conn   *websocket.Conn
	connMu sync.Mutex

	priv *btcec.PrivateKey
	pub  *btcec.PublicKey

	incoming chan Event
	closed   atomic.Bool

	limiter *rate.Limiter
}

// New returns an unconnected Client for the given identity. Connect
// must be called before any other method.
func New(priv *btcec.PrivateKey, logger *zap.Logger) *Client {
	return &Client{
		logger:   logger,
		priv:     priv,
		pub:      priv.PubKey(),
		incoming: make(chan Event, 256),
		limiter:  rate.NewLimiter(publishLimit, int(publishLimit*2)),
	}
}

// PubKey returns this client's own identity public key.
func (c *Client) PubKey() *btcec.PublicKey { return c.pub }

// Connect dials relayURL and starts the background receive loop. It
// must be called exactly once before any other method.
func (c *Client) Connect(ctx context.Context, relayURL string) error {
	u, err := url.Parse(relayURL)
	if err != nil {
		return fmt.Errorf("relay: parse url: %w", err)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 15 * time.Second,
		TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
	}

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	conn, _, err := dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("relay: dial %s: %w", relayURL, err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	go c.readLoop()
	return nil
}

// Close terminates the connection. Once the receive loop has seen the
// closed connection, TryReceive returns any still-buffered events and
// then a non-nil error.
func (c *Client) Close() error {
	c.closed.Store(true)
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) readLoop() {
	for {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if !c.closed.Load() {
				c.logger.Warn("relay: read error", zap.Error(err))
			}
			close(c.incoming)
			return
		}

		var frame wireFrame
		if err := json.Unmarshal(message, &frame); err != nil || frame.Event == nil {
			c.logger.Debug("relay: dropping unparseable event", zap.Error(err))
			continue
		}

		select {
		case c.incoming <- *frame.Event:
		default:
			c.logger.Warn("relay: incoming buffer full, dropping event")
		}
	}
}

func (c *Client) send(v interface{}) error {
	if err := c.limiter.Wait(context.Background()); err != nil {
		return fmt.Errorf("relay: rate limit: %w", err)
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("relay: marshal: %w", err)
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("relay: not connected")
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return fmt.Errorf("relay: set write deadline: %w", err)
	}
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

// PostEvent publishes a public pool announcement.
func (c *Client) PostEvent(content string) error {
	ev := Event{
		Kind:      KindPoolAnnouncement,
		PubKey:    hexPubKey(c.pub),
		CreatedAt: time.Now().Unix(),
		Content:   content,
	}
	return c.send(wireFrame{Type: "EVENT", Event: &ev})
}

// SendDM end-to-end encrypts plaintext for peerPubKey and publishes it
// as a kind-4 DM.
func (c *Client) SendDM(peerPubKey *btcec.PublicKey, plaintext string) error {
	key, err := crypte.SharedKey(c.priv, peerPubKey)
	if err != nil {
		return fmt.Errorf("relay: derive dm key: %w", err)
	}
	ciphertext, err := crypte.Encrypt(key, []byte(plaintext))
	if err != nil {
		return fmt.Errorf("relay: encrypt dm: %w", err)
	}

	ev := Event{
		Kind:            KindEncryptedDM,
		PubKey:          hexPubKey(c.pub),
		RecipientPubKey: hexPubKey(peerPubKey),
		CreatedAt:       time.Now().Unix(),
		Content:         ciphertext,
	}
	return c.send(wireFrame{Type: "EVENT", Event: &ev})
}

// SendPoolMessage serializes msg as JSON and sends it as a DM to peerPubKey.
func (c *Client) SendPoolMessage(peerPubKey *btcec.PublicKey, msg poolmsg.PoolMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("relay: marshal pool message: %w", err)
	}
	return c.SendDM(peerPubKey, string(raw))
}

// SubscribePools subscribes to kind-2022 events since now - backSeconds.
func (c *Client) SubscribePools(backSeconds int64) error {
	since := time.Now().Unix() - backSeconds
	return c.send(wireFrame{Type: "REQ", Sub: "pools", Since: since, Kinds: []int{KindPoolAnnouncement}})
}

// TryReceive is non-blocking: it returns (event, true, nil) if one is
// pending, (Event{}, false, nil) if none is and the connection is
// still open, or a non-nil error if the connection has closed.
func (c *Client) TryReceive() (Event, bool, error) {
	select {
	case ev, ok := <-c.incoming:
		if !ok {
			return Event{}, false, fmt.Errorf("relay: connection closed")
		}
		return ev, true, nil
	default:
		return Event{}, false, nil
	}
}

// TryReceivePoolMsg fetches one event; if it is a DM addressed to this
// client it decrypts and parses it as a PoolMessage. A Join(None)
// payload is rewritten to Join(Some(sender)). Undecryptable DMs are
// dropped (logged). Non-DM events and DMs addressed to someone else
// yield (nil, nil, nil); an unparseable payload yields a nil message
// together with the sender's key.
func (c *Client) TryReceivePoolMsg() (*poolmsg.PoolMessage, *btcec.PublicKey, error) {
	ev, ok, err := c.TryReceive()
	if err != nil {
		return nil, nil, err
	}
	if !ok || ev.Kind != KindEncryptedDM {
		return nil, nil, nil
	}
	if ev.RecipientPubKey != hexPubKey(c.pub) {
		return nil, nil, nil
	}

	senderPub, err := parsePubKey(ev.PubKey)
	if err != nil {
		c.logger.Debug("relay: dropping dm with unparseable sender", zap.Error(err))
		return nil, nil, nil
	}

	key, err := crypte.SharedKey(c.priv, senderPub)
	if err != nil {
		c.logger.Debug("relay: dropping dm, key derivation failed", zap.Error(err))
		return nil, nil, nil
	}
	plain, err := crypte.Decrypt(key, ev.Content)
	if err != nil {
		c.logger.Debug("relay: dropping undecryptable dm", zap.String("sender", ev.PubKey), zap.Error(err))
		return nil, nil, nil
	}

	var msg poolmsg.PoolMessage
	if err := json.Unmarshal(plain, &msg); err != nil {
		c.logger.Debug("relay: dropping unparseable pool message", zap.Error(err))
		return nil, senderPub, nil
	}

	if msg.IsJoin() && msg.JoinPubKey == nil {
		var pk poolmsg.PubKey
		copy(pk[:], senderPub.SerializeCompressed())
		msg = msg.WithJoinPubKey(pk)
	}

	return &msg, senderPub, nil
}

func hexPubKey(pub *btcec.PublicKey) string {
	return hex.EncodeToString(pub.SerializeCompressed())
}

func parsePubKey(hexStr string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, fmt.Errorf("relay: invalid pubkey hex %q: %w", hexStr, err)
	}
	return btcec.ParsePubKey(raw)
}
