package config

import (
	"errors"
	"testing"

	"github.com/tyler-smith/go-bip39"
)

func validMnemonic(t *testing.T) string {
	t.Helper()
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		t.Fatalf("new entropy: %v", err)
	}
	m, err := bip39.NewMnemonic(entropy)
	if err != nil {
		t.Fatalf("new mnemonic: %v", err)
	}
	return m
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	cfg := &Config{
		Mnemonics: validMnemonic(t),
		Electrum:  "electrum.example.org:50002",
		Relay:     "wss://relay.example.org",
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateRejectsBadMnemonic(t *testing.T) {
	cfg := &Config{
		Mnemonics: "not a real mnemonic at all",
		Electrum:  "electrum.example.org:50002",
		Relay:     "wss://relay.example.org",
	}
	err := cfg.Validate()
	if !errors.Is(err, ErrMnemonicInvalid) {
		t.Fatalf("got %v, want ErrMnemonicInvalid", err)
	}
}

func TestValidateRejectsMalformedElectrum(t *testing.T) {
	cases := []string{"electrum.example.org", "a:b:50002", "electrum.example.org:99999"}
	for _, addr := range cases {
		cfg := &Config{Mnemonics: validMnemonic(t), Electrum: addr, Relay: "wss://relay.example.org"}
		if err := cfg.Validate(); !errors.Is(err, ErrElectrumInvalid) {
			t.Fatalf("addr %q: got %v, want ErrElectrumInvalid", addr, err)
		}
	}
}

func TestValidateRejectsMalformedRelay(t *testing.T) {
	cfg := &Config{Mnemonics: validMnemonic(t), Electrum: "electrum.example.org:50002", Relay: "not a url"}
	if err := cfg.Validate(); !errors.Is(err, ErrRelayInvalid) {
		t.Fatalf("got %v, want ErrRelayInvalid", err)
	}
}

func TestValidateAggregatesAllErrors(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	if !errors.Is(err, ErrMnemonicInvalid) || !errors.Is(err, ErrElectrumInvalid) || !errors.Is(err, ErrRelayInvalid) {
		t.Fatalf("expected all three sentinel errors joined, got %v", err)
	}
}
