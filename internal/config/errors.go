package config

import "errors"

var (
	ErrMnemonicInvalid = errors.New("config: mnemonic does not parse under BIP-39")
	ErrElectrumInvalid = errors.New("config: electrum address must be <host>:<port>")
	ErrRelayInvalid    = errors.New("config: relay must be a valid URL")
)
