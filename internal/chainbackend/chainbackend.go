// Package chainbackend defines the minimal chain-query surface the
// coinjoin assembler needs: whether an address has history (address-reuse
// guard) and the value sitting at an outpoint (input-value verification).
// Everything else about how addresses/transactions are fetched is out of
// scope here; internal/chainclient is one concrete implementation.
package chainbackend

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// ErrUnavailable wraps transport-level failures talking to the backend.
var ErrUnavailable = errors.New("chainbackend: backend unavailable")

// Backend abstracts the chain-query collaborator the coinjoin assembler
// and signer consult for address history and outpoint values.
type Backend interface {
	// AddressAlreadyUsed reports whether addr has any confirmed or
	// mempool history.
	AddressAlreadyUsed(ctx context.Context, addr btcutil.Address) (bool, error)

	// GetOutpointValue returns the value at op and ok=true, or ok=false
	// if the referenced transaction does not exist. Transport failures
	// are returned as a non-nil error (wrapping ErrUnavailable).
	GetOutpointValue(ctx context.Context, op wire.OutPoint) (amount btcutil.Amount, ok bool, err error)
}
