// Package engine drives one participant's side of a coinjoin round: the
// pool-create/join, peer-registration, output-registration,
// input-signing, and finalize/broadcast phases, polling the relay and
// chain collaborators with the shared backoff policy.
package engine

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"

	"github.com/joinstr/joinstr/internal/backoff"
	"github.com/joinstr/joinstr/internal/coinjoin"
	"github.com/joinstr/joinstr/internal/poolmsg"
	"github.com/joinstr/joinstr/internal/relay"
	"github.com/joinstr/joinstr/internal/signer"
)

// Role distinguishes the only participant who may post a pool and hand
// out credentials from everyone else.
type Role int

const (
	RoleInitiator Role = iota
	RolePeer
)

// Relay is the subset of relay.Client the engine drives. Defined as an
// interface so tests can substitute an in-memory double.
type Relay interface {
	PubKey() *btcec.PublicKey
	PostEvent(content string) error
	SendDM(peer *btcec.PublicKey, plaintext string) error
	SendPoolMessage(peer *btcec.PublicKey, msg poolmsg.PoolMessage) error
	SubscribePools(backSeconds int64) error
	TryReceive() (relay.Event, bool, error)
	TryReceivePoolMsg() (*poolmsg.PoolMessage, *btcec.PublicKey, error)
	Close() error
}

// Broadcaster submits a finalized transaction to the network.
type Broadcaster interface {
	Broadcast(rawTxHex string) (string, error)
}

// Config wires one participant's collaborators and parameters. Signer
// and Coin are both nil for a participant contributing no input (the
// pool still requires inputs ≥ outputs overall, enforced by Assembler).
type Config struct {
	Role   Role
	Params *chaincfg.Params

	// Pool is, for an initiator, the payload to announce (ID is
	// overwritten by NewInitiator); for a peer, the already-decoded
	// announcement being joined.
	Pool poolmsg.Pool

	Relay Relay
	// RelayFactory, when set, mints a fresh Relay bound to the pool's
	// shared throwaway identity once it is known. Required for any
	// participant that will send or receive post-credentials DMs.
	RelayFactory func(priv *btcec.PrivateKey) (Relay, error)

	Assembler *coinjoin.Assembler
	Signer    *signer.Signer
	Coin      *signer.Coin

	OutputAddress string
	Broadcaster   Broadcaster

	MinPeers int

	// randomDelay, when set, overrides the uniform 200ms-5s
	// desynchronization delay. Tests set this to avoid waiting.
	randomDelay func() time.Duration
}

// Engine drives one participant through the round. Not safe for
// concurrent Run calls; the guarded fields may be read from another
// goroutine via Phase().
type Engine struct {
	mu    sync.Mutex
	phase Phase

	cfg  Config
	back *backoff.Backoff

	initiatorPubKey *btcec.PublicKey
	poolSecretKey   *btcec.PrivateKey

	joined map[string]*btcec.PublicKey

	finalTx   *wire.MsgTx
	finalTxid string
}

// NewInitiator constructs an engine that will announce cfg.Pool. It
// derives the pool id and a fresh shared throwaway secret key.
func NewInitiator(cfg Config) (*Engine, error) {
	if cfg.Relay == nil {
		return nil, fmt.Errorf("engine: initiator requires a relay client")
	}
	secret, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("engine: generate pool secret: %w", err)
	}
	e := newEngine(cfg)
	e.initiatorPubKey = cfg.Relay.PubKey()
	e.poolSecretKey = secret
	e.cfg.Pool.ID = poolmsg.ComputePoolID(pubKeyToPoolmsg(e.initiatorPubKey), uint64(time.Now().UnixMicro()))
	return e, nil
}

// NewPeer constructs an engine that will join the pool announced by
// initiatorPubKey.
func NewPeer(cfg Config, initiatorPubKey *btcec.PublicKey) (*Engine, error) {
	if cfg.Relay == nil {
		return nil, fmt.Errorf("engine: peer requires a relay client")
	}
	e := newEngine(cfg)
	e.initiatorPubKey = initiatorPubKey
	return e, nil
}

func newEngine(cfg Config) *Engine {
	if cfg.MinPeers == 0 {
		cfg.MinPeers = cfg.Pool.Payload.Peers
	}
	if cfg.randomDelay == nil {
		cfg.randomDelay = uniformDesyncDelay
	}
	return &Engine{
		cfg:    cfg,
		back:   backoff.NewMillis(200),
		joined: make(map[string]*btcec.PublicKey),
	}
}

// Pool reports the engine's view of the pool announcement, including the
// id an initiator derived during construction.
func (e *Engine) Pool() poolmsg.Pool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Pool
}

// Phase reports the engine's current phase.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

func (e *Engine) setPhase(p Phase) {
	e.mu.Lock()
	e.phase = p
	e.mu.Unlock()
}

// Run drives the participant through every phase to completion,
// returning the broadcast (or locally finalized, if no broadcaster is
// configured) transaction's txid.
func (e *Engine) Run(ctx context.Context) (string, error) {
	if e.cfg.Role == RoleInitiator {
		if err := e.announce(); err != nil {
			return "", err
		}
		if err := e.peerReg(ctx); err != nil {
			return "", err
		}
	} else {
		if err := e.join(ctx); err != nil {
			return "", err
		}
	}

	if err := e.outputReg(ctx); err != nil {
		return "", err
	}
	if err := e.signing(ctx); err != nil {
		return "", err
	}
	if err := e.inputReg(ctx); err != nil {
		return "", err
	}
	return e.finalizeAndBroadcast()
}

func (e *Engine) announce() error {
	e.setPhase(PhaseAnnounced)
	raw, err := json.Marshal(e.cfg.Pool)
	if err != nil {
		return fmt.Errorf("engine: marshal pool: %w", err)
	}
	return e.cfg.Relay.PostEvent(string(raw))
}

// join sends Join(self) to the initiator and polls for matching
// Credentials, rotating to the pool's shared identity on success.
func (e *Engine) join(ctx context.Context) error {
	own := e.cfg.Relay.PubKey()
	join := poolmsg.NewJoinMessage(ptr(pubKeyToPoolmsg(own)))
	if err := e.cfg.Relay.SendPoolMessage(e.initiatorPubKey, join); err != nil {
		return fmt.Errorf("engine: send join: %w", err)
	}

	startDeadline, _ := e.cfg.Pool.Payload.Timeout.StartDeadline()
	e.back.Reset()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if uint64(time.Now().Unix()) > startDeadline {
			return ErrPoolConnectionTimeout
		}

		msg, _, err := e.cfg.Relay.TryReceivePoolMsg()
		if err != nil {
			return fmt.Errorf("engine: receive: %w", err)
		}
		if msg != nil && msg.IsCredentials() && msg.Credentials.ID == e.cfg.Pool.ID {
			priv := btcec.PrivKeyFromBytes(msg.Credentials.Key[:])
			if err := e.rotateRelay(priv); err != nil {
				return err
			}
			e.poolSecretKey = priv
			e.setPhase(PhaseJoined)
			return nil
		}

		e.back.Snooze()
	}
}

// peerReg accepts Join DMs, handing every new joiner the pool's shared
// credentials, until min_peers is reached (if the timeline allows an
// early start) or the start deadline passes.
func (e *Engine) peerReg(ctx context.Context) error {
	e.setPhase(PhasePeerReg)
	startDeadline, startsEarly := e.cfg.Pool.Payload.Timeout.StartDeadline()

	e.back.Reset()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if uint64(time.Now().Unix()) > startDeadline {
			break
		}

		msg, sender, err := e.cfg.Relay.TryReceivePoolMsg()
		if err != nil {
			return fmt.Errorf("engine: receive: %w", err)
		}
		if msg != nil && msg.IsJoin() && sender != nil {
			key := hexKey(sender)
			if _, seen := e.joined[key]; !seen {
				e.joined[key] = sender
				cred := poolmsg.NewCredentialsMessage(poolmsg.Credentials{
					ID:  e.cfg.Pool.ID,
					Key: secKeyToPoolmsg(e.poolSecretKey),
				})
				if err := e.cfg.Relay.SendPoolMessage(sender, cred); err != nil {
					return fmt.Errorf("engine: send credentials: %w", err)
				}
			}
		}

		if startsEarly && len(e.joined) >= e.cfg.MinPeers {
			break
		}
		e.back.Snooze()
	}

	if len(e.joined) < e.cfg.MinPeers {
		return &ErrNotEnoughPeers{Got: len(e.joined), Want: e.cfg.MinPeers}
	}
	return e.rotateRelay(e.poolSecretKey)
}

func (e *Engine) rotateRelay(priv *btcec.PrivateKey) error {
	if e.cfg.RelayFactory == nil {
		return nil
	}
	fresh, err := e.cfg.RelayFactory(priv)
	if err != nil {
		return fmt.Errorf("engine: rotate relay identity: %w", err)
	}
	old := e.cfg.Relay
	e.cfg.Relay = fresh
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// outputReg registers this participant's own output, then accumulates
// inbound Output DMs (self-addressed broadcasts visible to every holder
// of the pool's shared key) until every peer has registered one or the
// final deadline passes.
func (e *Engine) outputReg(ctx context.Context) error {
	e.setPhase(PhaseOutputReg)
	time.Sleep(e.cfg.randomDelay())

	pub := e.cfg.Relay.PubKey()
	if err := e.cfg.Relay.SendPoolMessage(pub, poolmsg.NewOutputMessage(e.cfg.OutputAddress)); err != nil {
		return fmt.Errorf("engine: send output: %w", err)
	}

	finalDeadline := e.cfg.Pool.Payload.Timeout.FinalDeadline()
	target := e.cfg.Pool.Payload.Peers

	e.back.Reset()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if uint64(time.Now().Unix()) > finalDeadline {
			return ErrTimeout
		}

		msg, _, err := e.cfg.Relay.TryReceivePoolMsg()
		if err != nil {
			return fmt.Errorf("engine: receive: %w", err)
		}
		if msg != nil && msg.IsOutput() {
			addr, err := btcutil.DecodeAddress(msg.OutputAddress, e.cfg.Params)
			if err != nil {
				e.back.Snooze()
				continue // invalid for this network: dropped
			}
			switch err := e.cfg.Assembler.AddOutput(ctx, addr.EncodeAddress()); {
			case err == nil, err == coinjoin.ErrAddressAlreadySet:
				// ErrAddressAlreadySet just means a re-delivered DM.
			default:
				return err
			}
		}

		if e.cfg.Assembler.OutputsLen() >= target {
			break
		}
		e.back.Snooze()
	}

	if target < e.cfg.MinPeers {
		return &ErrNotEnoughPeers{Got: target, Want: e.cfg.MinPeers}
	}
	if e.cfg.Assembler.OutputsLen() != target {
		return &ErrPeerCountNotMatch{Outputs: e.cfg.Assembler.OutputsLen(), Peers: target}
	}
	return nil
}

// signing builds the unsigned template, then (if this participant holds
// a coin) signs and broadcasts its own Input.
func (e *Engine) signing(ctx context.Context) error {
	e.setPhase(PhaseSigning)

	if _, ok := e.cfg.Assembler.UnsignedTx(); !ok {
		if _, err := e.cfg.Assembler.GeneratePsbt(0); err != nil {
			return fmt.Errorf("engine: generate template: %w", err)
		}
	}

	time.Sleep(e.cfg.randomDelay())

	if e.cfg.Coin == nil {
		return nil
	}
	if e.cfg.Signer == nil {
		return ErrSignerMissing
	}

	unsigned, _ := e.cfg.Assembler.UnsignedTx()
	signed, err := e.cfg.Signer.Sign(unsigned.Copy(), *e.cfg.Coin)
	if err != nil {
		return fmt.Errorf("engine: sign input: %w", err)
	}

	pub := e.cfg.Relay.PubKey()
	return e.cfg.Relay.SendPoolMessage(pub, poolmsg.NewInputMessage(signed))
}

// inputReg accumulates Input (and Psbt) DMs into the assembler until it
// can finalize, or the final deadline passes.
func (e *Engine) inputReg(ctx context.Context) error {
	e.setPhase(PhaseInputReg)
	finalDeadline := e.cfg.Pool.Payload.Timeout.FinalDeadline()

	e.back.Reset()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if uint64(time.Now().Unix()) > finalDeadline {
			return ErrTimeout
		}

		msg, _, err := e.cfg.Relay.TryReceivePoolMsg()
		if err != nil {
			return fmt.Errorf("engine: receive: %w", err)
		}

		var signedInput *poolmsg.SignedInput
		switch {
		case msg != nil && msg.IsInput():
			signedInput = &msg.Input
		case msg != nil && msg.IsPsbt():
			in, err := poolmsg.SinglePsbtInput(msg.Psbt)
			if err != nil {
				e.back.Snooze()
				continue // malformed psbt DM: dropped
			}
			signedInput = &in
		}

		if signedInput != nil {
			if err := e.cfg.Assembler.AddInput(ctx, *signedInput); err != nil {
				return err
			}
		}

		if _, err := e.cfg.Assembler.GenerateTx(false); err == nil {
			e.setPhase(PhaseFinalizing)
			return nil
		}

		e.back.Snooze()
	}
}

func (e *Engine) finalizeAndBroadcast() (string, error) {
	tx, ok := e.cfg.Assembler.Tx()
	if !ok {
		return "", ErrTimeout
	}
	e.finalTx = tx

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("engine: serialize final tx: %w", err)
	}
	rawHex := hex.EncodeToString(buf.Bytes())

	if e.cfg.Broadcaster == nil {
		e.setPhase(PhaseDone)
		return tx.TxHash().String(), nil
	}

	e.setPhase(PhaseBroadcast)
	txid, err := e.cfg.Broadcaster.Broadcast(rawHex)
	if err != nil {
		// The transaction stays cached locally so the caller can retry
		// broadcast out-of-band.
		return "", fmt.Errorf("engine: broadcast: %w", err)
	}
	e.finalTxid = txid
	e.setPhase(PhaseDone)
	return txid, nil
}

// FinalTx returns the locally finalized transaction, if any, regardless
// of whether broadcast succeeded.
func (e *Engine) FinalTx() (*wire.MsgTx, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finalTx, e.finalTx != nil
}

func uniformDesyncDelay() time.Duration {
	const minMs, maxMs = 200, 5000
	return time.Duration(minMs+rand.Intn(maxMs-minMs)) * time.Millisecond
}

func pubKeyToPoolmsg(pub *btcec.PublicKey) poolmsg.PubKey {
	var pk poolmsg.PubKey
	copy(pk[:], pub.SerializeCompressed())
	return pk
}

func secKeyToPoolmsg(priv *btcec.PrivateKey) poolmsg.SecKey {
	var sk poolmsg.SecKey
	copy(sk[:], priv.Serialize())
	return sk
}

func hexKey(pub *btcec.PublicKey) string {
	return pubKeyToPoolmsg(pub).String()
}

func ptr[T any](v T) *T { return &v }
