//go:build cgo
// +build cgo

// Package ffi exposes the four external-facing joinstr operations as a
// C-ABI surface: the exported operations accept NUL-terminated UTF-8
// strings (JSON configs or pools; a relay URL for list_pools) plus
// integer parameters, and return a {payload, error} struct, mirroring
// the cgo ownership discipline (C.CString/C.free, caller releases the
// returned string) the teacher's pkg/secure FFI layer uses, adapted here
// to export Go functions to C rather than import Rust functions into Go.
package ffi

/*
#include <stdlib.h>

typedef struct {
	char* payload;
	int error;
} joinstr_result;
*/
import "C"

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
	"unsafe"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"

	"github.com/joinstr/joinstr/internal/joinstr"
	"github.com/joinstr/joinstr/internal/poolmsg"
	"github.com/joinstr/joinstr/internal/signer"
)

// Error codes returned in joinstr_result.error. Zero denotes success.
const (
	errNone         C.int = 0
	errInvalidInput C.int = 1
	errInternal     C.int = 2
)

var logger = zap.NewNop()

func ok(payload string) C.joinstr_result {
	return C.joinstr_result{payload: C.CString(payload), error: errNone}
}

func fail(code C.int) C.joinstr_result {
	return C.joinstr_result{payload: nil, error: code}
}

func networkParams(name string) (*chaincfg.Params, error) {
	switch name {
	case "mainnet", "":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("ffi: unknown network %q", name)
	}
}

// wireCoin is the JSON shape PeerConfig.Coin travels in across the FFI
// boundary; ffiPeerConfig.toPeerConfig resolves it into a signer.Coin.
type wireCoin struct {
	TxID     string `json:"txid"`
	Vout     uint32 `json:"vout"`
	Amount   int64  `json:"amount"`
	PkScript string `json:"pk_script"`
	Sequence uint32 `json:"sequence"`
	Depth    uint32 `json:"depth"`
	Index    uint32 `json:"index"`
}

func (w wireCoin) toSignerCoin() (*signer.Coin, error) {
	txHash, err := chainhash.NewHashFromStr(w.TxID)
	if err != nil {
		return nil, fmt.Errorf("ffi: coin txid: %w", err)
	}
	script, err := hex.DecodeString(w.PkScript)
	if err != nil {
		return nil, fmt.Errorf("ffi: coin pk_script: %w", err)
	}
	seq := w.Sequence
	if seq == 0 {
		seq = wire.MaxTxInSequenceNum
	}
	return &signer.Coin{
		TxOut:    wire.NewTxOut(w.Amount, script),
		Outpoint: wire.OutPoint{Hash: *txHash, Index: w.Vout},
		Sequence: seq,
		Path:     signer.CoinPath{Depth: w.Depth, Index: w.Index},
	}, nil
}

// ffiPeerConfig is the JSON shape of PeerConfig across the FFI boundary.
type ffiPeerConfig struct {
	Mnemonics   string   `json:"mnemonics"`
	Electrum    string   `json:"electrum"`
	ElectrumTLS bool     `json:"electrum_tls"`
	Network     string   `json:"network"`
	Coin        wireCoin `json:"coin"`
	OutputDepth uint32   `json:"output_depth"`
	OutputIndex uint32   `json:"output_index"`
	MinPeers    int      `json:"min_peers"`
}

func (f ffiPeerConfig) toPeerConfig() (joinstr.PeerConfig, error) {
	params, err := networkParams(f.Network)
	if err != nil {
		return joinstr.PeerConfig{}, err
	}
	coin, err := f.Coin.toSignerCoin()
	if err != nil {
		return joinstr.PeerConfig{}, err
	}
	return joinstr.PeerConfig{
		Mnemonics:   f.Mnemonics,
		Electrum:    f.Electrum,
		ElectrumTLS: f.ElectrumTLS,
		Network:     params,
		Coin:        coin,
		OutputPath:  signer.CoinPath{Depth: f.OutputDepth, Index: f.OutputIndex},
		MinPeers:    f.MinPeers,
	}, nil
}

// ffiPoolConfig is the JSON shape of PoolConfig across the FFI boundary.
type ffiPoolConfig struct {
	Network      string   `json:"network"`
	Denomination int64    `json:"denomination"`
	Peers        int      `json:"peers"`
	Timeout      uint64   `json:"timeout_unix"`
	Relays       []string `json:"relays"`
	FeeSatVb     uint32   `json:"fee_sat_vb"`
}

func (f ffiPoolConfig) toPoolConfig() (joinstr.PoolConfig, error) {
	params, err := networkParams(f.Network)
	if err != nil {
		return joinstr.PoolConfig{}, err
	}
	return joinstr.PoolConfig{
		Network:      params,
		Denomination: btcutil.Amount(f.Denomination),
		Peers:        f.Peers,
		Timeout:      poolmsg.NewSimpleTimeline(f.Timeout),
		Relays:       f.Relays,
		FeeSatVb:     f.FeeSatVb,
	}, nil
}

//export list_pools
func list_pools(relayURL *C.char, backSeconds C.longlong, timeoutSeconds C.longlong) C.joinstr_result {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSeconds)*time.Second+5*time.Second)
	defer cancel()

	pools, err := joinstr.ListPools(ctx, C.GoString(relayURL), int64(backSeconds), time.Duration(timeoutSeconds)*time.Second, logger)
	if err != nil {
		return fail(errInternal)
	}
	raw, err := json.Marshal(pools)
	if err != nil {
		return fail(errInternal)
	}
	return ok(string(raw))
}

//export initiate_coinjoin
func initiate_coinjoin(poolCfgJSON, peerCfgJSON *C.char) C.joinstr_result {
	var poolCfg ffiPoolConfig
	if err := json.Unmarshal([]byte(C.GoString(poolCfgJSON)), &poolCfg); err != nil {
		return fail(errInvalidInput)
	}
	var peerCfg ffiPeerConfig
	if err := json.Unmarshal([]byte(C.GoString(peerCfgJSON)), &peerCfg); err != nil {
		return fail(errInvalidInput)
	}

	pc, err := poolCfg.toPoolConfig()
	if err != nil {
		return fail(errInvalidInput)
	}
	peer, err := peerCfg.toPeerConfig()
	if err != nil {
		return fail(errInvalidInput)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	txid, err := joinstr.InitiateCoinjoin(ctx, pc, peer, logger)
	if err != nil {
		return fail(errInternal)
	}
	return ok(txid)
}

//export join_coinjoin
func join_coinjoin(poolJSON, peerCfgJSON *C.char) C.joinstr_result {
	var peerCfg ffiPeerConfig
	if err := json.Unmarshal([]byte(C.GoString(peerCfgJSON)), &peerCfg); err != nil {
		return fail(errInvalidInput)
	}
	peer, err := peerCfg.toPeerConfig()
	if err != nil {
		return fail(errInvalidInput)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	txid, err := joinstr.JoinCoinjoin(ctx, C.GoString(poolJSON), peer, logger)
	if err != nil {
		return fail(errInternal)
	}
	return ok(txid)
}

//export list_coins
func list_coins(peerCfgJSON *C.char, rangeStart, rangeEnd C.uint) C.joinstr_result {
	var peerCfg ffiPeerConfig
	if err := json.Unmarshal([]byte(C.GoString(peerCfgJSON)), &peerCfg); err != nil {
		return fail(errInvalidInput)
	}
	params, err := networkParams(peerCfg.Network)
	if err != nil {
		return fail(errInvalidInput)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	coins, err := joinstr.ListCoins(ctx, peerCfg.Mnemonics, peerCfg.Electrum, peerCfg.ElectrumTLS, params, uint32(rangeStart), uint32(rangeEnd), logger)
	if err != nil {
		return fail(errInternal)
	}
	raw, err := json.Marshal(coins)
	if err != nil {
		return fail(errInternal)
	}
	return ok(string(raw))
}

//export joinstr_free
func joinstr_free(payload *C.char) {
	if payload != nil {
		C.free(unsafe.Pointer(payload))
	}
}
