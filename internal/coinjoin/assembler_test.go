package coinjoin

import (
	"context"
	"testing"

	"github.com/joinstr/joinstr/internal/chainbackend"
	"github.com/joinstr/joinstr/internal/poolmsg"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	addrA = "bcrt1qqypqxpq9qcrsszg2pvxq6rs0zqg3yyc5phstwt"
	addrB = "bcrt1qqypqxpq9qcrsszg2pvxq6rs0zqg3yyc5z5tpwxqergd3c8g7rusq7snjn6"
)

func newTestAssembler(t *testing.T, backend chainbackend.Backend) *Assembler {
	t.Helper()
	return New(btcutil.Amount(100000), &chaincfg.RegressionNetParams, backend)
}

func signedInput(txidByte byte, index uint32, amount btcutil.Amount) poolmsg.SignedInput {
	var h chainhash.Hash
	h[0] = txidByte
	amt := amount
	return poolmsg.SignedInput{
		TxIn: &wire.TxIn{
			PreviousOutPoint: wire.OutPoint{Hash: h, Index: index},
			Sequence:         wire.MaxTxInSequenceNum,
			Witness:          wire.TxWitness{{0x30}, {0x02}},
		},
		Amount: &amt,
	}
}

func TestAddOutputRejectsDuplicateAddress(t *testing.T) {
	a := newTestAssembler(t, nil)
	if err := a.AddOutput(context.Background(), addrA); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := a.AddOutput(context.Background(), addrA); err != ErrAddressAlreadySet {
		t.Fatalf("got %v, want ErrAddressAlreadySet", err)
	}
}

func TestAddOutputChecksChainHistory(t *testing.T) {
	fx := chainbackend.NewFixture()
	addr, err := btcutil.DecodeAddress(addrA, &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	fx.MarkUsed(addr)

	a := newTestAssembler(t, fx)
	if err := a.AddOutput(context.Background(), addrA); err != ErrAddressReuse {
		t.Fatalf("got %v, want ErrAddressReuse", err)
	}
}

func TestAddInputRejectsDoubleSpend(t *testing.T) {
	a := newTestAssembler(t, nil)
	in := signedInput(0x01, 0, 100000)
	if err := a.AddInput(context.Background(), in); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := a.AddInput(context.Background(), in); err != ErrDoubleSpend {
		t.Fatalf("got %v, want ErrDoubleSpend", err)
	}
}

func TestAddInputRejectsTooLowAmount(t *testing.T) {
	a := newTestAssembler(t, nil)
	in := signedInput(0x02, 0, 50000)
	if err := a.AddInput(context.Background(), in); err != ErrInputAmountTooLow {
		t.Fatalf("got %v, want ErrInputAmountTooLow", err)
	}
}

func TestAddInputRequiresAmountWithoutBackend(t *testing.T) {
	a := newTestAssembler(t, nil)
	in := signedInput(0x03, 0, 0)
	in.Amount = nil
	if err := a.AddInput(context.Background(), in); err != ErrAmountMissing {
		t.Fatalf("got %v, want ErrAmountMissing", err)
	}
}

func TestAddInputVerifiesAgainstChainValue(t *testing.T) {
	fx := chainbackend.NewFixture()
	op := wire.OutPoint{Index: 0}
	fx.SetOutpointValue(op, 100000)

	a := newTestAssembler(t, fx)
	in := signedInput(0x00, 0, 999)
	if err := a.AddInput(context.Background(), in); err != ErrInputValueNotMatch {
		t.Fatalf("got %v, want ErrInputValueNotMatch", err)
	}
}

func TestGeneratePsbtRequiresMinPeers(t *testing.T) {
	a := newTestAssembler(t, nil).MinPeer(2)
	if err := a.AddOutput(context.Background(), addrA); err != nil {
		t.Fatalf("add output: %v", err)
	}
	_, err := a.GeneratePsbt(100)
	var notEnough *ErrNotEnoughPeers
	if err == nil {
		t.Fatal("expected ErrNotEnoughPeers")
	}
	if !asNotEnoughPeers(err, &notEnough) {
		t.Fatalf("got %v, want *ErrNotEnoughPeers", err)
	}
}

func asNotEnoughPeers(err error, target **ErrNotEnoughPeers) bool {
	if e, ok := err.(*ErrNotEnoughPeers); ok {
		*target = e
		return true
	}
	return false
}

func TestGeneratePsbtRejectsSecondCall(t *testing.T) {
	a := newTestAssembler(t, nil).MinPeer(1)
	if err := a.AddOutput(context.Background(), addrA); err != nil {
		t.Fatalf("add output: %v", err)
	}
	if _, err := a.GeneratePsbt(100); err != nil {
		t.Fatalf("first generate: %v", err)
	}
	if _, err := a.GeneratePsbt(100); err != ErrInitPsbtExists {
		t.Fatalf("got %v, want ErrInitPsbtExists", err)
	}
}

func TestGenerateTxIsIdempotentAndEnforcesFee(t *testing.T) {
	a := newTestAssembler(t, nil).MinPeer(1).Fee(1)
	if err := a.AddOutput(context.Background(), addrA); err != nil {
		t.Fatalf("add output: %v", err)
	}
	if _, err := a.GeneratePsbt(100); err != nil {
		t.Fatalf("generate psbt: %v", err)
	}
	in := signedInput(0x04, 0, 100500)
	if err := a.AddInput(context.Background(), in); err != nil {
		t.Fatalf("add input: %v", err)
	}

	tx1, err := a.GenerateTx(false)
	if err != nil {
		t.Fatalf("generate tx: %v", err)
	}
	tx2, err := a.GenerateTx(false)
	if err != nil {
		t.Fatalf("generate tx (idempotent): %v", err)
	}
	if tx1.TxHash() != tx2.TxHash() {
		t.Fatal("GenerateTx is not idempotent")
	}
	if a.InputsLen() != 1 || a.OutputsLen() != 1 {
		t.Fatalf("lengths = (%d, %d), want (1, 1)", a.InputsLen(), a.OutputsLen())
	}
}

func TestGenerateTxRejectsLowFeeUnlessAllowed(t *testing.T) {
	a := newTestAssembler(t, nil).MinPeer(1).Fee(1000)
	if err := a.AddOutput(context.Background(), addrA); err != nil {
		t.Fatalf("add output: %v", err)
	}
	if _, err := a.GeneratePsbt(100); err != nil {
		t.Fatalf("generate psbt: %v", err)
	}
	in := signedInput(0x05, 0, 100001)
	if err := a.AddInput(context.Background(), in); err != nil {
		t.Fatalf("add input: %v", err)
	}

	if _, err := a.GenerateTx(false); err == nil {
		t.Fatal("expected fee-too-low rejection")
	}
	if _, err := a.GenerateTx(true); err != nil {
		t.Fatalf("allowUnderpay should succeed: %v", err)
	}
}

func TestAddOutputAndInputRejectedAfterFinalize(t *testing.T) {
	a := newTestAssembler(t, nil).MinPeer(1).Fee(1)
	if err := a.AddOutput(context.Background(), addrA); err != nil {
		t.Fatalf("add output: %v", err)
	}
	if _, err := a.GeneratePsbt(100); err != nil {
		t.Fatalf("generate psbt: %v", err)
	}
	if err := a.AddInput(context.Background(), signedInput(0x06, 0, 100500)); err != nil {
		t.Fatalf("add input: %v", err)
	}
	if _, err := a.GenerateTx(false); err != nil {
		t.Fatalf("generate tx: %v", err)
	}

	if err := a.AddOutput(context.Background(), addrB); err != ErrTxAlreadyFinalized {
		t.Fatalf("got %v, want ErrTxAlreadyFinalized", err)
	}
	if err := a.AddInput(context.Background(), signedInput(0x07, 0, 100500)); err != ErrTxAlreadyFinalized {
		t.Fatalf("got %v, want ErrTxAlreadyFinalized", err)
	}
}
