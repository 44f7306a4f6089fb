package chainclient

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

// fakeServer is a minimal loopback stand-in for a chain-query server: it
// echoes back one canned response per request line, driven by a
// caller-supplied handler.
type fakeServer struct {
	ln net.Listener
}

func startFakeServer(t *testing.T, handle func(req request) response) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fs := &fakeServer{ln: ln}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			var req request
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			resp := handle(req)
			raw, _ := json.Marshal(resp)
			conn.Write(append(raw, '\n'))
		}
	}()

	t.Cleanup(func() { ln.Close() })
	return fs
}

func (fs *fakeServer) addr() string { return fs.ln.Addr().String() }

func TestGetTxRoundTrip(t *testing.T) {
	const txid = "deadbeef"
	const rawHex = "0100000000"

	srv := startFakeServer(t, func(req request) response {
		if req.Method != methodGetTx {
			t.Errorf("unexpected method %q", req.Method)
		}
		result, _ := json.Marshal(rawHex)
		return response{ID: req.ID, Result: result}
	})

	c, err := Dial(srv.addr(), false, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	got, err := c.GetTx(txid)
	if err != nil {
		t.Fatalf("get tx: %v", err)
	}
	if got != rawHex {
		t.Fatalf("got %q, want %q", got, rawHex)
	}
}

func TestGetTxSurfacesTypedError(t *testing.T) {
	srv := startFakeServer(t, func(req request) response {
		return response{ID: req.ID, Error: &responseError{Code: 1, Message: "no such transaction"}}
	})

	c, err := Dial(srv.addr(), false, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if _, err := c.GetTx("nonexistent"); err == nil {
		t.Fatal("expected an error")
	}
}

func TestBroadcastRoundTrip(t *testing.T) {
	const txid = "cafebabe"
	srv := startFakeServer(t, func(req request) response {
		result, _ := json.Marshal(txid)
		return response{ID: req.ID, Result: result}
	})

	c, err := Dial(srv.addr(), false, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	got, err := c.Broadcast("0200000000")
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if got != txid {
		t.Fatalf("got %q, want %q", got, txid)
	}
}

func TestListenSubscribeEmitsStatus(t *testing.T) {
	srv := startFakeServer(t, func(req request) response {
		result, _ := json.Marshal("status-hash")
		return response{ID: req.ID, Result: result}
	})

	c, err := Dial(srv.addr(), false, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	in, out := Listen(c)
	in <- SubscribeRequest([]string{"scripthash-a", "scripthash-b"})

	select {
	case resp := <-out:
		if len(resp.Status) != 2 {
			t.Fatalf("expected 2 status updates, got %d: %+v", len(resp.Status), resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status response")
	}

	in <- StopRequest()
	select {
	case resp := <-out:
		if !resp.Stopped {
			t.Fatalf("expected a Stopped acknowledgement, got %+v", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stop acknowledgement")
	}
}
