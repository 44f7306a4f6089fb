package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrPoolConnectionTimeout is returned by a peer waiting for
	// Credentials when the pool's start deadline passes first.
	ErrPoolConnectionTimeout = errors.New("engine: start deadline passed before credentials arrived")

	// ErrSignerMissing is returned when a participant holds a coin to
	// contribute but no signer was configured.
	ErrSignerMissing = errors.New("engine: a coin is configured but no signer is set")

	// ErrTimeout is returned when a phase's final deadline passes
	// before the phase's exit condition is met.
	ErrTimeout = errors.New("engine: final deadline passed")

	// ErrNoChainBackend reports a missing broadcaster. The engine itself
	// does not return it: without a broadcaster it finalizes the
	// transaction locally and returns its txid.
	ErrNoChainBackend = errors.New("engine: no broadcaster configured")
)

// ErrNotEnoughPeers reports that fewer peers joined than the pool requires.
type ErrNotEnoughPeers struct {
	Got, Want int
}

func (e *ErrNotEnoughPeers) Error() string {
	return fmt.Sprintf("engine: not enough peers joined: %d/%d", e.Got, e.Want)
}

// ErrPeerCountNotMatch reports that the set of registered outputs doesn't
// match the set of peers who joined — treated as an attempted
// de-anonymization attack rather than proceeding short.
type ErrPeerCountNotMatch struct {
	Outputs, Peers int
}

func (e *ErrPeerCountNotMatch) Error() string {
	return fmt.Sprintf("engine: output count does not match peer count: %d outputs, %d peers", e.Outputs, e.Peers)
}
