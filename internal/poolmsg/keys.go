package poolmsg

import (
	"encoding/hex"
	"fmt"
)

// PubKey is a compressed secp256k1 public key, used both as a relay
// identity and as the pool's announcer key. Encoded on the wire as
// lower-case hex, matching the nostr-style npub fields the original
// protocol carries, simplified to the standard ECDSA compressed encoding
// since this implementation's crypto stack (btcec) is ECDSA-first rather
// than schnorr/x-only.
type PubKey [33]byte

// SecKey is a 32-byte secp256k1 private scalar, carried in Credentials so
// every joiner can derive the pool's shared throw-away identity.
type SecKey [32]byte

func (k PubKey) String() string { return hex.EncodeToString(k[:]) }
func (k SecKey) String() string { return hex.EncodeToString(k[:]) }

func (k PubKey) MarshalJSON() ([]byte, error) {
	return []byte(`"` + hex.EncodeToString(k[:]) + `"`), nil
}

func (k *PubKey) UnmarshalJSON(b []byte) error {
	s, err := unquote(b)
	if err != nil {
		return err
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("poolmsg: pubkey: %w", err)
	}
	if len(raw) != len(k) {
		return fmt.Errorf("poolmsg: pubkey: want %d bytes, got %d", len(k), len(raw))
	}
	copy(k[:], raw)
	return nil
}

func (k SecKey) MarshalJSON() ([]byte, error) {
	return []byte(`"` + hex.EncodeToString(k[:]) + `"`), nil
}

func (k *SecKey) UnmarshalJSON(b []byte) error {
	s, err := unquote(b)
	if err != nil {
		return err
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("poolmsg: seckey: %w", err)
	}
	if len(raw) != len(k) {
		return fmt.Errorf("poolmsg: seckey: want %d bytes, got %d", len(k), len(raw))
	}
	copy(k[:], raw)
	return nil
}

func unquote(b []byte) (string, error) {
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return "", fmt.Errorf("poolmsg: expected JSON string, got %q", b)
	}
	return string(b[1 : len(b)-1]), nil
}
