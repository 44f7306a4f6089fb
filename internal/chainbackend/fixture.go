package chainbackend

import (
	"context"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// Fixture is an in-memory Backend used by tests and by callers that don't
// have a live chain-query server (e.g. unit tests for the assembler).
type Fixture struct {
	mu       sync.RWMutex
	used     map[string]bool
	outpoint map[wire.OutPoint]btcutil.Amount
}

// NewFixture returns an empty Fixture backend.
func NewFixture() *Fixture {
	return &Fixture{
		used:     make(map[string]bool),
		outpoint: make(map[wire.OutPoint]btcutil.Amount),
	}
}

// MarkUsed records addr as having prior history.
func (f *Fixture) MarkUsed(addr btcutil.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.used[addr.EncodeAddress()] = true
}

// SetOutpointValue records the value held at op.
func (f *Fixture) SetOutpointValue(op wire.OutPoint, amount btcutil.Amount) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outpoint[op] = amount
}

func (f *Fixture) AddressAlreadyUsed(_ context.Context, addr btcutil.Address) (bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.used[addr.EncodeAddress()], nil
}

func (f *Fixture) GetOutpointValue(_ context.Context, op wire.OutPoint) (btcutil.Amount, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	amount, ok := f.outpoint[op]
	return amount, ok, nil
}
