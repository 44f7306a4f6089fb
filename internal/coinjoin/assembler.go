// Package coinjoin accumulates peer outputs and signed inputs under the
// denomination, fee, double-spend, and address-reuse invariants, then
// assembles the unsigned template and the final broadcastable transaction.
package coinjoin

import (
	"context"
	"fmt"
	"sync"

	"github.com/joinstr/joinstr/internal/chainbackend"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/joinstr/joinstr/internal/poolmsg"
)

// output is an accumulated, order-preserving output registration.
type output struct {
	address string
	script  []byte
}

// Assembler accumulates outputs and signed inputs for one coinjoin round
// and produces the unsigned template, then the finalized transaction.
// A zero value is not usable; construct with New.
type Assembler struct {
	mu sync.Mutex

	params       *chaincfg.Params
	denomination btcutil.Amount
	minFeeSatVb  uint64
	minPeers     int
	chainBackend chainbackend.Backend

	outputs []output
	inputs  []poolmsg.SignedInput

	unsignedTemplate *wire.MsgTx
	finalizedTx      *wire.MsgTx
}

// New creates an Assembler for the given per-output denomination. backend
// may be nil, in which case the reuse guard and on-chain input-value check
// are both skipped (callers must then supply an explicit input amount).
func New(denomination btcutil.Amount, params *chaincfg.Params, backend chainbackend.Backend) *Assembler {
	return &Assembler{
		params:       params,
		denomination: denomination,
		minPeers:     2,
		chainBackend: backend,
	}
}

// MinPeer sets the minimum peer count required before GeneratePsbt will
// proceed. Builder-style; call before adding any output or input.
func (a *Assembler) MinPeer(n int) *Assembler {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.minPeers = n
	return a
}

// Fee sets the minimum acceptable fee rate in satoshis per vbyte.
// Builder-style; call before adding any output or input.
func (a *Assembler) Fee(satsPerVb uint64) *Assembler {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.minFeeSatVb = satsPerVb
	return a
}

// AddOutput registers a peer's payout address. It rejects a duplicate
// address and, when a chain backend is configured, an address with prior
// on-chain history.
func (a *Assembler) AddOutput(ctx context.Context, address string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.finalizedTx != nil {
		return ErrTxAlreadyFinalized
	}
	for _, o := range a.outputs {
		if o.address == address {
			return ErrAddressAlreadySet
		}
	}

	addr, err := btcutil.DecodeAddress(address, a.params)
	if err != nil {
		return fmt.Errorf("coinjoin: decode output address: %w", err)
	}

	if a.chainBackend != nil {
		used, err := a.chainBackend.AddressAlreadyUsed(ctx, addr)
		if err != nil {
			return fmt.Errorf("coinjoin: address history lookup: %w", err)
		}
		if used {
			return ErrAddressReuse
		}
	}

	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return fmt.Errorf("coinjoin: script for output address: %w", err)
	}

	a.outputs = append(a.outputs, output{address: address, script: script})
	return nil
}

// AddInput registers a peer's signed input. It rejects a repeated
// outpoint, an amount that disagrees with the chain, and an amount below
// the pool's denomination.
func (a *Assembler) AddInput(ctx context.Context, in poolmsg.SignedInput) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.finalizedTx != nil {
		return ErrTxAlreadyFinalized
	}
	if in.TxIn == nil {
		return fmt.Errorf("coinjoin: add input: txin is nil")
	}
	op := in.TxIn.PreviousOutPoint
	for _, existing := range a.inputs {
		if existing.TxIn.PreviousOutPoint == op {
			return ErrDoubleSpend
		}
	}

	amount, err := a.resolveInputAmount(ctx, op, in.Amount)
	if err != nil {
		return err
	}
	if amount < a.denomination {
		return ErrInputAmountTooLow
	}

	resolved := in
	resolved.Amount = &amount
	a.inputs = append(a.inputs, resolved)
	return nil
}

func (a *Assembler) resolveInputAmount(ctx context.Context, op wire.OutPoint, claimed *btcutil.Amount) (btcutil.Amount, error) {
	if a.chainBackend == nil {
		if claimed == nil {
			return 0, ErrAmountMissing
		}
		return *claimed, nil
	}

	chainAmount, ok, err := a.chainBackend.GetOutpointValue(ctx, op)
	if err != nil {
		return 0, fmt.Errorf("coinjoin: outpoint value lookup: %w", err)
	}
	if !ok {
		return 0, ErrInputDoesNotExist
	}
	if claimed != nil && *claimed != chainAmount {
		return 0, ErrInputValueNotMatch
	}
	return chainAmount, nil
}

// GeneratePsbt builds the all-outputs, no-inputs unsigned template at the
// given block height (0 if unknown) and stores it. It may be called only
// once, and only after at least MinPeer outputs have been registered.
func (a *Assembler) GeneratePsbt(currentHeight int32) (*wire.MsgTx, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.unsignedTemplate != nil {
		return nil, ErrInitPsbtExists
	}
	if len(a.outputs) < a.minPeers {
		return nil, &ErrNotEnoughPeers{Outputs: len(a.outputs), MinPeers: a.minPeers}
	}

	tx := wire.NewMsgTx(1)
	tx.LockTime = uint32(currentHeight)
	if currentHeight < 0 {
		tx.LockTime = 0
	}
	for _, o := range a.outputs {
		tx.AddTxOut(wire.NewTxOut(int64(a.denomination), o.script))
	}

	a.unsignedTemplate = tx
	return tx, nil
}

// GenerateTx attaches registered inputs, in insertion order, to the
// unsigned template and finalizes the transaction. It requires at least
// as many inputs as outputs and, unless allowUnderpay is true, rejects a
// fee rate below the configured minimum. Calling it again after success
// is a no-op returning the same finalized transaction.
func (a *Assembler) GenerateTx(allowUnderpay bool) (*wire.MsgTx, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.finalizedTx != nil {
		return a.finalizedTx, nil
	}
	if a.unsignedTemplate == nil {
		return nil, ErrInitPsbtNotCreated
	}
	if len(a.inputs) < len(a.outputs) {
		return nil, ErrTooFewInputs
	}

	tx := a.unsignedTemplate.Copy()
	var totalIn btcutil.Amount
	for _, in := range a.inputs {
		tx.AddTxIn(in.TxIn)
		if in.Amount != nil {
			totalIn += *in.Amount
		}
	}

	var totalOut btcutil.Amount
	for _, out := range tx.TxOut {
		totalOut += btcutil.Amount(out.Value)
	}

	feeSats := int64(totalIn - totalOut)
	weight := txWeight(tx)
	if !allowUnderpay {
		vsize := (weight + 3) / 4
		if vsize <= 0 || uint64(feeSats)/uint64(vsize) < a.minFeeSatVb {
			return nil, &ErrFeeTooLow{ExpectedSatVb: a.minFeeSatVb, WeightUnits: weight, FeeSats: feeSats}
		}
	}

	a.finalizedTx = tx
	return tx, nil
}

// txWeight computes the BIP141 transaction weight: three times the base
// size plus the total size (base + witness data).
func txWeight(tx *wire.MsgTx) int64 {
	return int64(tx.SerializeSizeStripped())*3 + int64(tx.SerializeSize())
}

// Tx returns the finalized transaction, if any.
func (a *Assembler) Tx() (*wire.MsgTx, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.finalizedTx, a.finalizedTx != nil
}

// UnsignedTx returns the unsigned template, if any.
func (a *Assembler) UnsignedTx() (*wire.MsgTx, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unsignedTemplate, a.unsignedTemplate != nil
}

// InputsLen reports the number of registered inputs.
func (a *Assembler) InputsLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inputs)
}

// OutputsLen reports the number of registered outputs.
func (a *Assembler) OutputsLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.outputs)
}
