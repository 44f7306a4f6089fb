package signer

import "github.com/btcsuite/btcd/wire"

// CoinPath locates a coin within the BIP84 receive/change tree:
// m/84'/0'/0'/depth/index. depth 0 is the receive chain, 1 the change
// chain.
type CoinPath struct {
	Depth uint32
	Index uint32
}

// Coin is a single UTXO owned by this signer, ready to be spent.
type Coin struct {
	TxOut    *wire.TxOut
	Outpoint wire.OutPoint
	Sequence uint32
	Path     CoinPath
}
