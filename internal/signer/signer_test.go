package signer

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	seed := bytes.Repeat([]byte{0x07}, hdkeychain.RecommendedSeedLen)
	master, err := hdkeychain.NewMaster(seed, &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("new master: %v", err)
	}
	s, err := New(master, &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	return s
}

func TestAddressAtIsDeterministic(t *testing.T) {
	s := newTestSigner(t)
	a1, err := s.AddressAt(CoinPath{Depth: 0, Index: 0})
	if err != nil {
		t.Fatalf("address at: %v", err)
	}
	a2, err := s.AddressAt(CoinPath{Depth: 0, Index: 0})
	if err != nil {
		t.Fatalf("address at: %v", err)
	}
	if a1.EncodeAddress() != a2.EncodeAddress() {
		t.Fatal("AddressAt is not deterministic")
	}

	other, err := s.AddressAt(CoinPath{Depth: 0, Index: 1})
	if err != nil {
		t.Fatalf("address at: %v", err)
	}
	if other.EncodeAddress() == a1.EncodeAddress() {
		t.Fatal("different indices produced the same address")
	}
}

func TestSignProducesValidAnyoneCanPayWitness(t *testing.T) {
	s := newTestSigner(t)
	path := CoinPath{Depth: 0, Index: 3}

	spk, err := s.SpkAt(path)
	if err != nil {
		t.Fatalf("spk at: %v", err)
	}

	coin := Coin{
		TxOut:    wire.NewTxOut(150000, spk),
		Outpoint: wire.OutPoint{Index: 0},
		Sequence: wire.MaxTxInSequenceNum,
		Path:     path,
	}

	tx := wire.NewMsgTx(1)
	tx.AddTxOut(wire.NewTxOut(100000, spk))

	signed, err := s.Sign(tx, coin)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(signed.TxIn.Witness) != 2 {
		t.Fatalf("witness stack length = %d, want 2", len(signed.TxIn.Witness))
	}
	sigWithType := signed.TxIn.Witness[0]
	if got := sigWithType[len(sigWithType)-1]; got != byte(sighashAllAnyoneCanPay) {
		t.Fatalf("trailing sighash byte = %#x, want %#x", got, byte(sighashAllAnyoneCanPay))
	}
	if signed.Amount == nil || *signed.Amount != 150000 {
		t.Fatalf("amount = %v, want 150000", signed.Amount)
	}
}

func TestSignRejectsNonEmptyTemplate(t *testing.T) {
	s := newTestSigner(t)
	path := CoinPath{Depth: 0, Index: 0}
	spk, err := s.SpkAt(path)
	if err != nil {
		t.Fatalf("spk at: %v", err)
	}

	tx := wire.NewMsgTx(1)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{}, nil, nil))

	coin := Coin{TxOut: wire.NewTxOut(100000, spk), Path: path}
	if _, err := s.Sign(tx, coin); err != ErrTxAlreadyHasInput {
		t.Fatalf("got %v, want ErrTxAlreadyHasInput", err)
	}
}

func TestSignRejectsMismatchedCoinPath(t *testing.T) {
	s := newTestSigner(t)
	wrongSpk, err := s.SpkAt(CoinPath{Depth: 0, Index: 99})
	if err != nil {
		t.Fatalf("spk at: %v", err)
	}

	tx := wire.NewMsgTx(1)
	coin := Coin{TxOut: wire.NewTxOut(100000, wrongSpk), Path: CoinPath{Depth: 0, Index: 0}}
	if _, err := s.Sign(tx, coin); err != ErrCoinPath {
		t.Fatalf("got %v, want ErrCoinPath", err)
	}
}
