// Package crypte implements the relay's end-to-end DM encryption
// primitive: an ECDH shared secret over secp256k1, run through HKDF to
// derive an AES-256-CBC key, in the on-wire shape
// base64(ciphertext) + "?iv=" + base64(iv).
package crypte

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrMalformedCiphertext = errors.New("crypte: malformed ciphertext, missing ?iv= separator")
	ErrPadding             = errors.New("crypte: invalid PKCS7 padding")
)

const hkdfInfo = "joinstr-dm-v1"

// SharedKey derives the 32-byte AES key for DMs between priv and pub via
// ECDH followed by HKDF-SHA256.
func SharedKey(priv *btcec.PrivateKey, pub *btcec.PublicKey) ([32]byte, error) {
	secret := ecdh(priv, pub)

	var key [32]byte
	kdf := hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return [32]byte{}, fmt.Errorf("crypte: hkdf: %w", err)
	}
	return key, nil
}

// ecdh computes the x-coordinate of priv.D * pub as the raw ECDH secret.
func ecdh(priv *btcec.PrivateKey, pub *btcec.PublicKey) []byte {
	ecdsaPriv := priv.ToECDSA()
	ecdsaPub := pub.ToECDSA()
	x, _ := ecdsaPriv.Curve.ScalarMult(ecdsaPub.X, ecdsaPub.Y, ecdsaPriv.D.Bytes())

	secret := make([]byte, 32)
	xBytes := x.Bytes()
	copy(secret[32-len(xBytes):], xBytes)
	return secret
}

// Encrypt AES-256-CBC encrypts plaintext under key with a fresh random
// IV, returning the NIP04-style "base64(ciphertext)?iv=base64(iv)" wire
// string.
func Encrypt(key [32]byte, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", fmt.Errorf("crypte: new cipher: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("crypte: iv: %w", err)
	}

	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return base64.StdEncoding.EncodeToString(ciphertext) + "?iv=" + base64.StdEncoding.EncodeToString(iv), nil
}

// Decrypt reverses Encrypt.
func Decrypt(key [32]byte, wire string) ([]byte, error) {
	ctB64, ivB64, ok := strings.Cut(wire, "?iv=")
	if !ok {
		return nil, ErrMalformedCiphertext
	}

	ciphertext, err := base64.StdEncoding.DecodeString(ctB64)
	if err != nil {
		return nil, fmt.Errorf("crypte: decode ciphertext: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(ivB64)
	if err != nil {
		return nil, fmt.Errorf("crypte: decode iv: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("crypte: iv length %d, want %d", len(iv), aes.BlockSize)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("crypte: ciphertext is not a multiple of the block size")
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("crypte: new cipher: %w", err)
	}

	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)

	return pkcs7Unpad(plain)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrPadding
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, ErrPadding
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, ErrPadding
		}
	}
	return data[:len(data)-padLen], nil
}
