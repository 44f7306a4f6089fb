// Package chainclient is a client for a line-oriented, JSON-framed
// chain-query server: one TCP (optionally TLS) connection, monotonic
// request ids correlating replies to requests, a synchronous
// request/response API for one-off queries, and a streaming worker
// that batches script subscriptions and history/tx lookups.
package chainclient

import (
	"bufio"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Client owns one connection to a chain-query server and correlates
// replies to requests by id.
type Client struct {
	logger *zap.Logger

	conn    net.Conn
	scanner *bufio.Scanner
	writeMu sync.Mutex

	nextID int64

	pendingMu sync.Mutex
	pending   map[int64]chan response

	closed atomic.Bool

	// raw carries every incoming response that isn't a reply to a
	// pending synchronous call: scripthash notifications, and replies
	// to requests the streaming worker sent directly (it tracks its
	// own ids outside the pending map). readLoop fills it for every such
	// response; once its buffer is full, further ones are dropped.
	raw chan response
}

// Dial opens a connection to addr ("host:port"). When useTLS is true
// the connection is wrapped with a minimum-TLS-1.2 client handshake.
func Dial(addr string, useTLS bool, logger *zap.Logger) (*Client, error) {
	var conn net.Conn
	var err error
	if useTLS {
		conn, err = tls.Dial("tcp", addr, &tls.Config{MinVersion: tls.VersionTLS12})
	} else {
		conn, err = net.Dial("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("chainclient: dial %s: %w", addr, err)
	}

	c := &Client{
		logger:  logger,
		conn:    conn,
		scanner: bufio.NewScanner(conn),
		pending: make(map[int64]chan response),
		raw:     make(chan response, 1024),
	}
	c.scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	go c.readLoop()
	return c, nil
}

// Close terminates the underlying connection. Pending synchronous
// calls unblock with ErrClosed.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.conn.Close()

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	close(c.raw)

	return err
}

func (c *Client) readLoop() {
	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			c.logger.Warn("chainclient: dropping unparseable line", zap.Error(err))
			continue
		}

		if !resp.isNotification() {
			c.pendingMu.Lock()
			ch, ok := c.pending[resp.ID]
			if ok {
				delete(c.pending, resp.ID)
			}
			c.pendingMu.Unlock()

			if ok {
				ch <- resp
				close(ch)
				continue
			}
		}

		select {
		case c.raw <- resp:
		default:
			c.logger.Warn("chainclient: raw buffer full, dropping response", zap.Int64("id", resp.ID))
		}
	}

	c.Close()
}

// writeLine marshals and writes one request as a single newline-terminated
// JSON line. Used directly by the streaming worker, which manages its own
// in-flight bookkeeping outside the pending map.
func (c *Client) writeLine(req request) error {
	line, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("chainclient: marshal request: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.conn.Write(append(line, '\n'))
	return err
}

// nextRequestID returns a fresh monotonic request id.
func (c *Client) nextRequestID() int64 {
	return atomic.AddInt64(&c.nextID, 1)
}

func (c *Client) call(method string, params interface{}) (response, error) {
	if c.closed.Load() {
		return response{}, ErrClosed
	}

	id := c.nextRequestID()
	raw, err := json.Marshal(params)
	if err != nil {
		return response{}, fmt.Errorf("chainclient: marshal params: %w", err)
	}

	ch := make(chan response, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.writeLine(request{ID: id, Method: method, Params: raw}); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return response{}, fmt.Errorf("chainclient: write: %w", err)
	}

	resp, ok := <-ch
	if !ok {
		return response{}, ErrClosed
	}
	if resp.ID != id {
		return response{}, ErrWrongResponse
	}
	return resp, nil
}

// GetTx fetches the raw transaction hex for txid.
func (c *Client) GetTx(txid string) (string, error) {
	resp, err := c.call(methodGetTx, []string{txid})
	if err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", fmt.Errorf("%w: %s", ErrTxDoesNotExist, resp.Error.Message)
	}
	var hexTx string
	if err := json.Unmarshal(resp.Result, &hexTx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrWrongResponse, err)
	}
	return hexTx, nil
}

// HistoryEntry is one confirmed or mempool appearance of a scripthash.
type HistoryEntry struct {
	TxID   string `json:"tx_hash"`
	Height int64  `json:"height"`
}

// GetCoinsAt returns every outpoint (by txid) that has ever touched
// script, paired with each entry's confirmation height.
func (c *Client) GetCoinsAt(script string) ([]HistoryEntry, error) {
	resp, err := c.call(methodHistory, []string{script})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("chainclient: get coins at: %s", resp.Error.Message)
	}
	var entries []HistoryEntry
	if err := json.Unmarshal(resp.Result, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrongResponse, err)
	}
	return entries, nil
}

// GetCoinsTxAt is GetCoinsAt projected down to bare txids.
func (c *Client) GetCoinsTxAt(script string) ([]string, error) {
	entries, err := c.GetCoinsAt(script)
	if err != nil {
		return nil, err
	}
	txids := make([]string, len(entries))
	for i, e := range entries {
		txids[i] = e.TxID
	}
	return txids, nil
}

// Broadcast submits a raw transaction (hex-encoded) to the network and
// returns its txid.
func (c *Client) Broadcast(rawTxHex string) (string, error) {
	resp, err := c.call(methodBroadcast, []string{rawTxHex})
	if err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", fmt.Errorf("chainclient: broadcast rejected: %s", resp.Error.Message)
	}
	var txid string
	if err := json.Unmarshal(resp.Result, &txid); err != nil {
		return "", fmt.Errorf("%w: %v", ErrWrongResponse, err)
	}
	return txid, nil
}
