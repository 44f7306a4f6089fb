// Package signer derives BIP84 (native segwit) keys from a master
// extended private key and produces ANYONECANPAY witnesses so peers in a
// coinjoin can sign their own input independently of the others.
package signer

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/tyler-smith/go-bip39"

	"github.com/joinstr/joinstr/internal/poolmsg"
)

// sighashAllAnyoneCanPay is the pinned sighash type every coinjoin input
// must be signed with, so inputs can be added independently after
// signing: SIGHASH_ALL (0x01) | SIGHASH_ANYONECANPAY (0x80).
const sighashAllAnyoneCanPay = txscript.SigHashAll | txscript.SigHashAnyOneCanPay

// Signer owns an m/84'/0'/0' account key and signs coins below it.
type Signer struct {
	account *hdkeychain.ExtendedKey
	params  *chaincfg.Params
}

// New derives the BIP84 account key m/84'/0'/0' from master and returns
// a Signer bound to params (used for address encoding only; the
// derivation path itself is coin-type-agnostic per this implementation).
func New(master *hdkeychain.ExtendedKey, params *chaincfg.Params) (*Signer, error) {
	account, err := derive(master, hdkeychain.HardenedKeyStart+84, hdkeychain.HardenedKeyStart+0, hdkeychain.HardenedKeyStart+0)
	if err != nil {
		return nil, fmt.Errorf("signer: derive account key: %w", err)
	}
	return &Signer{account: account, params: params}, nil
}

// NewFromMnemonic validates mnemonic under BIP-39, derives the seed (no
// passphrase), and builds a Signer from it. This is the entry point every
// external-facing operation uses to turn a user's wallet phrase into a
// usable signer.
func NewFromMnemonic(mnemonic string, params *chaincfg.Params) (*Signer, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrMnemonicInvalid
	}
	seed := bip39.NewSeed(mnemonic, "")
	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("signer: derive master key: %w", err)
	}
	return New(master, params)
}

func derive(key *hdkeychain.ExtendedKey, path ...uint32) (*hdkeychain.ExtendedKey, error) {
	cur := key
	for _, idx := range path {
		next, err := cur.Derive(idx)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

func (s *Signer) keyAt(path CoinPath) (*hdkeychain.ExtendedKey, error) {
	return derive(s.account, path.Depth, path.Index)
}

// AddressAt returns the P2WPKH address for the given coin path.
func (s *Signer) AddressAt(path CoinPath) (btcutil.Address, error) {
	key, err := s.keyAt(path)
	if err != nil {
		return nil, fmt.Errorf("signer: derive key at %+v: %w", path, err)
	}
	pub, err := key.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("signer: pubkey at %+v: %w", path, err)
	}
	hash := btcutil.Hash160(pub.SerializeCompressed())
	return btcutil.NewAddressWitnessPubKeyHash(hash, s.params)
}

// SpkAt returns the P2WPKH scriptPubKey for the given coin path.
func (s *Signer) SpkAt(path CoinPath) ([]byte, error) {
	addr, err := s.AddressAt(path)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}

// Sign produces a SignedInput for coin against unsignedTx, an
// all-outputs-only transaction template shared by every peer. unsignedTx
// must not already carry any input; Sign appends exactly one.
func (s *Signer) Sign(unsignedTx *wire.MsgTx, coin Coin) (poolmsg.SignedInput, error) {
	if len(unsignedTx.TxIn) != 0 {
		return poolmsg.SignedInput{}, ErrTxAlreadyHasInput
	}

	wantScript, err := s.SpkAt(coin.Path)
	if err != nil {
		return poolmsg.SignedInput{}, err
	}
	if string(wantScript) != string(coin.TxOut.PkScript) {
		return poolmsg.SignedInput{}, ErrCoinPath
	}

	txin := wire.NewTxIn(&coin.Outpoint, nil, nil)
	txin.Sequence = coin.Sequence
	unsignedTx.AddTxIn(txin)
	idx := len(unsignedTx.TxIn) - 1

	fetcher := txscript.NewCannedPrevOutputFetcher(coin.TxOut.PkScript, coin.TxOut.Value)
	sigHashes := txscript.NewTxSigHashes(unsignedTx, fetcher)

	sigHash, err := txscript.CalcWitnessSigHash(coin.TxOut.PkScript, sigHashes, sighashAllAnyoneCanPay, unsignedTx, idx, coin.TxOut.Value)
	if err != nil {
		return poolmsg.SignedInput{}, fmt.Errorf("signer: compute sighash: %w", err)
	}

	key, err := s.keyAt(coin.Path)
	if err != nil {
		return poolmsg.SignedInput{}, fmt.Errorf("signer: derive key for signing: %w", err)
	}
	privKey, err := key.ECPrivKey()
	if err != nil {
		return poolmsg.SignedInput{}, fmt.Errorf("signer: private key: %w", err)
	}
	pubKey := privKey.PubKey()

	sig := ecdsa.Sign(privKey, sigHash)
	if !sig.Verify(sigHash, pubKey) {
		return poolmsg.SignedInput{}, ErrInvalidSignature
	}

	sigBytes := append(sig.Serialize(), byte(sighashAllAnyoneCanPay))
	txin.Witness = wire.TxWitness{sigBytes, pubKey.SerializeCompressed()}

	amount := btcutil.Amount(coin.TxOut.Value)
	return poolmsg.SignedInput{TxIn: txin, Amount: &amount}, nil
}
