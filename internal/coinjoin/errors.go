package coinjoin

import (
	"errors"
	"fmt"
)

var (
	ErrInitPsbtExists     = errors.New("coinjoin: unsigned template already generated")
	ErrInitPsbtNotCreated = errors.New("coinjoin: unsigned template not yet generated")
	ErrDoubleSpend        = errors.New("coinjoin: outpoint already included in this coinjoin")
	ErrInputAmountTooLow  = errors.New("coinjoin: input amount is below the denomination")
	ErrTxAlreadyFinalized = errors.New("coinjoin: transaction already finalized")
	ErrAddressReuse       = errors.New("coinjoin: output address already received coins in the past")
	ErrAddressAlreadySet  = errors.New("coinjoin: output address already registered")
	ErrInputValueNotMatch = errors.New("coinjoin: supplied input amount does not match the on-chain value")
	ErrAmountMissing      = errors.New("coinjoin: input amount missing and no chain backend configured")
	ErrInputDoesNotExist  = errors.New("coinjoin: referenced outpoint does not exist on chain")
	ErrTooFewInputs       = errors.New("coinjoin: fewer inputs than outputs registered")
)

// ErrNotEnoughPeers reports the current/required peer counts when
// GeneratePsbt is invoked before enough peers have registered outputs.
type ErrNotEnoughPeers struct {
	Outputs, MinPeers int
}

func (e *ErrNotEnoughPeers) Error() string {
	return fmt.Sprintf("coinjoin: not enough peers to generate the template: %d/%d", e.Outputs, e.MinPeers)
}

// ErrFeeTooLow reports the expected fee rate against the actual fee
// computed for a finalized transaction.
type ErrFeeTooLow struct {
	ExpectedSatVb uint64
	WeightUnits   int64
	FeeSats       int64
}

func (e *ErrFeeTooLow) Error() string {
	return fmt.Sprintf(
		"coinjoin: fee below minimal rate (%d sat/vb): weight=%d fee=%d sats",
		e.ExpectedSatVb, e.WeightUnits, e.FeeSats,
	)
}
