package crypte

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
)

func TestSharedKeyIsSymmetric(t *testing.T) {
	alicePriv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("alice key: %v", err)
	}
	bobPriv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("bob key: %v", err)
	}

	k1, err := SharedKey(alicePriv, bobPriv.PubKey())
	if err != nil {
		t.Fatalf("shared key (alice): %v", err)
	}
	k2, err := SharedKey(bobPriv, alicePriv.PubKey())
	if err != nil {
		t.Fatalf("shared key (bob): %v", err)
	}
	if k1 != k2 {
		t.Fatal("ECDH shared key is not symmetric")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	alicePriv, _ := btcec.NewPrivateKey()
	bobPriv, _ := btcec.NewPrivateKey()
	key, err := SharedKey(alicePriv, bobPriv.PubKey())
	if err != nil {
		t.Fatalf("shared key: %v", err)
	}

	plaintext := []byte(`{"type":"join_pool","version":"1"}`)
	wire, err := Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := Decrypt(key, wire)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("decrypted = %q, want %q", got, plaintext)
	}
}

func TestDecryptRejectsMalformedWire(t *testing.T) {
	var key [32]byte
	if _, err := Decrypt(key, "not-a-valid-payload"); err != ErrMalformedCiphertext {
		t.Fatalf("got %v, want ErrMalformedCiphertext", err)
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	alicePriv, _ := btcec.NewPrivateKey()
	bobPriv, _ := btcec.NewPrivateKey()
	key, _ := SharedKey(alicePriv, bobPriv.PubKey())

	wire, err := Encrypt(key, []byte("hello"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	var wrongKey [32]byte
	wrongKey[0] = 0xFF
	if _, err := Decrypt(wrongKey, wire); err == nil {
		t.Fatal("expected decryption under the wrong key to fail")
	}
}
