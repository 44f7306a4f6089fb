package chainclient

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"go.uber.org/zap/zaptest"
)

func TestBackendAddressAlreadyUsed(t *testing.T) {
	addr, err := btcutil.NewAddressWitnessPubKeyHash(make([]byte, 20), &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("decode address: %v", err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		t.Fatalf("script: %v", err)
	}
	wantHash := Scripthash(script)

	srv := startFakeServer(t, func(req request) response {
		var params []string
		_ = json.Unmarshal(req.Params, &params)
		if len(params) != 1 || params[0] != wantHash {
			t.Errorf("unexpected scripthash %v, want %s", params, wantHash)
		}
		result, _ := json.Marshal([]HistoryEntry{{TxID: "abc", Height: 100}})
		return response{ID: req.ID, Result: result}
	})

	c, err := Dial(srv.addr(), false, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	backend := NewBackend(c)
	used, err := backend.AddressAlreadyUsed(context.Background(), addr)
	if err != nil {
		t.Fatalf("address already used: %v", err)
	}
	if !used {
		t.Fatal("expected address to be reported as used")
	}
}
