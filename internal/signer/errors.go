package signer

import "errors"

var (
	ErrTxAlreadyHasInput = errors.New("signer: unsigned transaction already has an input")
	ErrCoinPath          = errors.New("signer: coin script does not match the derived path")
	ErrInvalidSignature  = errors.New("signer: produced signature failed self-verification")
	ErrSighashType       = errors.New("signer: computed sighash type is not ALL|ANYONECANPAY")
	ErrMnemonicInvalid   = errors.New("signer: mnemonic does not parse under BIP-39")
)
