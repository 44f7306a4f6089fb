package chainclient

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/joinstr/joinstr/internal/chainbackend"
)

// Backend adapts a Client to the chainbackend.Backend interface the
// coinjoin assembler and signer consult, using the scripthash-subscription
// style history/get_tx methods exposed by this protocol.
type Backend struct {
	client *Client
}

// NewBackend wraps client as a chainbackend.Backend.
func NewBackend(client *Client) *Backend {
	return &Backend{client: client}
}

var _ chainbackend.Backend = (*Backend)(nil)

// Scripthash is the Electrum-style subscription key for a scriptPubKey:
// lower-hex of the single SHA-256 digest, byte-reversed.
func Scripthash(script []byte) string {
	sum := sha256.Sum256(script)
	for i, j := 0, len(sum)-1; i < j; i, j = i+1, j-1 {
		sum[i], sum[j] = sum[j], sum[i]
	}
	return hex.EncodeToString(sum[:])
}

func (b *Backend) AddressAlreadyUsed(_ context.Context, addr btcutil.Address) (bool, error) {
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return false, fmt.Errorf("chainclient: address to script: %w", err)
	}
	entries, err := b.client.GetCoinsAt(Scripthash(script))
	if err != nil {
		return false, fmt.Errorf("%w: %v", chainbackend.ErrUnavailable, err)
	}
	return len(entries) > 0, nil
}

func (b *Backend) GetOutpointValue(_ context.Context, op wire.OutPoint) (btcutil.Amount, bool, error) {
	hexTx, err := b.client.GetTx(op.Hash.String())
	if err != nil {
		if errors.Is(err, ErrTxDoesNotExist) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("%w: %v", chainbackend.ErrUnavailable, err)
	}

	raw, err := hex.DecodeString(hexTx)
	if err != nil {
		return 0, false, fmt.Errorf("%w: decode tx hex: %v", chainbackend.ErrUnavailable, err)
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return 0, false, fmt.Errorf("%w: deserialize tx: %v", chainbackend.ErrUnavailable, err)
	}
	if int(op.Index) >= len(tx.TxOut) {
		return 0, false, fmt.Errorf("%w: vout %d out of range", chainbackend.ErrUnavailable, op.Index)
	}
	return btcutil.Amount(tx.TxOut[op.Index].Value), true, nil
}
