package joinstr

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

func TestMatchOutputFindsPayingOutput(t *testing.T) {
	spkA := []byte{0x00, 0x14, 0x01}
	spkB := []byte{0x00, 0x14, 0x02}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(1000, spkA))
	tx.AddTxOut(wire.NewTxOut(2000, spkB))

	vout, amount, ok := matchOutput(tx, spkB)
	if !ok {
		t.Fatal("expected match")
	}
	if vout != 1 {
		t.Fatalf("vout = %d, want 1", vout)
	}
	if amount != btcutil.Amount(2000) {
		t.Fatalf("amount = %d, want 2000", amount)
	}
}

func TestMatchOutputReportsNoMatch(t *testing.T) {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x00, 0x14, 0x01}))

	if _, _, ok := matchOutput(tx, []byte{0x00, 0x14, 0xff}); ok {
		t.Fatal("expected no match")
	}
}
