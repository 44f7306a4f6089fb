// Package joinstr composes the engine, signer, relay, and chainclient
// collaborators into the four external-facing operations: listing public
// pool announcements, initiating or joining a round, and listing the
// outputs a wallet has received.
package joinstr

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"

	"github.com/joinstr/joinstr/internal/chainclient"
	"github.com/joinstr/joinstr/internal/coinjoin"
	"github.com/joinstr/joinstr/internal/engine"
	"github.com/joinstr/joinstr/internal/poolmsg"
	"github.com/joinstr/joinstr/internal/relay"
	"github.com/joinstr/joinstr/internal/signer"
)

// PoolConfig describes the round an initiator announces.
type PoolConfig struct {
	Network      *chaincfg.Params
	Denomination btcutil.Amount
	Peers        int
	Timeout      poolmsg.Timeline
	Relays       []string
	FeeSatVb     uint32
}

// PeerConfig is one participant's local material for joining or
// initiating a round: the wallet to sign with, the chain-query backend to
// verify and broadcast against, and the coin/output this participant
// contributes.
type PeerConfig struct {
	Mnemonics   string
	Electrum    string
	ElectrumTLS bool
	Network     *chaincfg.Params

	Coin       *signer.Coin
	OutputPath signer.CoinPath

	MinPeers int
}

func (p PeerConfig) wire(ctx context.Context, logger *zap.Logger) (*signer.Signer, *chainclient.Client, error) {
	s, err := signer.NewFromMnemonic(p.Mnemonics, p.Network)
	if err != nil {
		return nil, nil, fmt.Errorf("joinstr: signer from mnemonic: %w", err)
	}
	cc, err := chainclient.Dial(p.Electrum, p.ElectrumTLS, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("joinstr: dial chain backend: %w", err)
	}
	return s, cc, nil
}

func relayFactory(ctx context.Context, relayURL string, logger *zap.Logger) func(priv *btcec.PrivateKey) (engine.Relay, error) {
	return func(priv *btcec.PrivateKey) (engine.Relay, error) {
		c := relay.New(priv, logger)
		if err := c.Connect(ctx, relayURL); err != nil {
			return nil, fmt.Errorf("joinstr: rotate relay: %w", err)
		}
		return c, nil
	}
}

// ListPools connects a fresh relay client, subscribes to pool
// announcements since back seconds ago, waits timeout for notifications
// to arrive, and returns every pool announcement collected.
func ListPools(ctx context.Context, relayURL string, back int64, timeout time.Duration, logger *zap.Logger) ([]poolmsg.Pool, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("joinstr: generate relay identity: %w", err)
	}
	client := relay.New(priv, logger)
	if err := client.Connect(ctx, relayURL); err != nil {
		return nil, fmt.Errorf("joinstr: connect: %w", err)
	}
	defer client.Close()

	if err := client.SubscribePools(back); err != nil {
		return nil, fmt.Errorf("joinstr: subscribe: %w", err)
	}

	select {
	case <-time.After(timeout):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var pools []poolmsg.Pool
	for {
		ev, ok, err := client.TryReceive()
		if err != nil {
			break
		}
		if !ok {
			break
		}
		if ev.Kind != relay.KindPoolAnnouncement {
			continue
		}
		var p poolmsg.Pool
		if err := json.Unmarshal([]byte(ev.Content), &p); err != nil {
			logger.Debug("joinstr: dropping unparseable pool announcement", zap.Error(err))
			continue
		}
		pools = append(pools, p)
	}
	return pools, nil
}

// InitiateCoinjoin announces poolCfg, waits for peers, and drives the
// round to completion as the initiator, returning the broadcast txid.
func InitiateCoinjoin(ctx context.Context, poolCfg PoolConfig, peerCfg PeerConfig, logger *zap.Logger) (string, error) {
	if len(poolCfg.Relays) == 0 {
		return "", fmt.Errorf("joinstr: pool config has no relays")
	}
	s, cc, err := peerCfg.wire(ctx, logger)
	if err != nil {
		return "", err
	}
	defer cc.Close()

	outputAddr, err := s.AddressAt(peerCfg.OutputPath)
	if err != nil {
		return "", fmt.Errorf("joinstr: derive output address: %w", err)
	}

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return "", fmt.Errorf("joinstr: generate relay identity: %w", err)
	}
	relayClient := relay.New(priv, logger)
	if err := relayClient.Connect(ctx, poolCfg.Relays[0]); err != nil {
		return "", fmt.Errorf("joinstr: connect relay: %w", err)
	}

	backend := chainclient.NewBackend(cc)
	assembler := coinjoin.New(poolCfg.Denomination, poolCfg.Network, backend).
		MinPeer(peerCfg.MinPeers).Fee(uint64(poolCfg.FeeSatVb))

	cfg := engine.Config{
		Role:   engine.RoleInitiator,
		Params: poolCfg.Network,
		Pool: poolmsg.Pool{
			Version: []string{poolmsg.CurrentVersion},
			Network: poolCfg.Network.Name,
			Type:    poolmsg.PoolCreate,
			Payload: &poolmsg.PoolPayload{
				Denomination: poolCfg.Denomination,
				Peers:        poolCfg.Peers,
				Timeout:      poolCfg.Timeout,
				Relays:       poolCfg.Relays,
				Fee:          poolmsg.NewFixedFee(poolCfg.FeeSatVb),
			},
		},
		Relay:         relayClient,
		RelayFactory:  relayFactory(ctx, poolCfg.Relays[0], logger),
		Assembler:     assembler,
		Signer:        s,
		Coin:          peerCfg.Coin,
		OutputAddress: outputAddr.EncodeAddress(),
		Broadcaster:   cc,
		MinPeers:      peerCfg.MinPeers,
	}

	eng, err := engine.NewInitiator(cfg)
	if err != nil {
		return "", fmt.Errorf("joinstr: new initiator: %w", err)
	}
	return eng.Run(ctx)
}

// JoinCoinjoin decodes poolJSON, joins the described round as a peer, and
// drives it to completion, returning the broadcast txid.
func JoinCoinjoin(ctx context.Context, poolJSON string, peerCfg PeerConfig, logger *zap.Logger) (string, error) {
	var pool poolmsg.Pool
	if err := json.Unmarshal([]byte(poolJSON), &pool); err != nil {
		return "", fmt.Errorf("joinstr: decode pool: %w", err)
	}
	if pool.Payload == nil {
		return "", fmt.Errorf("joinstr: pool has no payload")
	}
	if len(pool.Payload.Relays) == 0 {
		return "", fmt.Errorf("joinstr: pool has no relays")
	}

	initiatorPub, err := btcec.ParsePubKey(pool.PublicKey[:])
	if err != nil {
		return "", fmt.Errorf("joinstr: parse initiator pubkey: %w", err)
	}

	s, cc, err := peerCfg.wire(ctx, logger)
	if err != nil {
		return "", err
	}
	defer cc.Close()

	outputAddr, err := s.AddressAt(peerCfg.OutputPath)
	if err != nil {
		return "", fmt.Errorf("joinstr: derive output address: %w", err)
	}

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return "", fmt.Errorf("joinstr: generate relay identity: %w", err)
	}
	relayURL := pool.Payload.Relays[0]
	relayClient := relay.New(priv, logger)
	if err := relayClient.Connect(ctx, relayURL); err != nil {
		return "", fmt.Errorf("joinstr: connect relay: %w", err)
	}

	backend := chainclient.NewBackend(cc)
	assembler := coinjoin.New(pool.Payload.Denomination, peerCfg.Network, backend).
		MinPeer(peerCfg.MinPeers)
	if pool.Payload.Fee.IsFixed() {
		assembler = assembler.Fee(uint64(pool.Payload.Fee.FixedSatVb))
	}

	cfg := engine.Config{
		Role:          engine.RolePeer,
		Params:        peerCfg.Network,
		Pool:          pool,
		Relay:         relayClient,
		RelayFactory:  relayFactory(ctx, relayURL, logger),
		Assembler:     assembler,
		Signer:        s,
		Coin:          peerCfg.Coin,
		OutputAddress: outputAddr.EncodeAddress(),
		Broadcaster:   cc,
		MinPeers:      peerCfg.MinPeers,
	}

	eng, err := engine.NewPeer(cfg, initiatorPub)
	if err != nil {
		return "", fmt.Errorf("joinstr: new peer: %w", err)
	}
	return eng.Run(ctx)
}

// Coin is one received output discovered by ListCoins; whether it has
// since been spent is not checked.
type Coin struct {
	Address  string          `json:"address"`
	Path     signer.CoinPath `json:"path"`
	Outpoint wire.OutPoint   `json:"outpoint"`
	Amount   btcutil.Amount  `json:"amount"`
	Height   int64           `json:"height"`
}

// ListCoins derives receive (depth 0) and change (depth 1) addresses for
// every index in [rangeStart, rangeEnd), queries the chain backend for
// each address's history, and returns, for each transaction in that
// history, the first output paying the address. Later outputs of the same
// transaction paying the same address are not returned, and spent
// outputs are not filtered out.
func ListCoins(ctx context.Context, mnemonics, electrum string, electrumTLS bool, network *chaincfg.Params, rangeStart, rangeEnd uint32, logger *zap.Logger) ([]Coin, error) {
	s, err := signer.NewFromMnemonic(mnemonics, network)
	if err != nil {
		return nil, fmt.Errorf("joinstr: signer from mnemonic: %w", err)
	}
	cc, err := chainclient.Dial(electrum, electrumTLS, logger)
	if err != nil {
		return nil, fmt.Errorf("joinstr: dial chain backend: %w", err)
	}
	defer cc.Close()

	var coins []Coin
	for depth := uint32(0); depth <= 1; depth++ {
		for index := rangeStart; index < rangeEnd; index++ {
			path := signer.CoinPath{Depth: depth, Index: index}
			addr, err := s.AddressAt(path)
			if err != nil {
				return nil, fmt.Errorf("joinstr: address at %+v: %w", path, err)
			}
			spk, err := s.SpkAt(path)
			if err != nil {
				return nil, fmt.Errorf("joinstr: script at %+v: %w", path, err)
			}

			entries, err := cc.GetCoinsAt(chainclient.Scripthash(spk))
			if err != nil {
				return nil, fmt.Errorf("joinstr: history at %+v: %w", path, err)
			}

			for _, entry := range entries {
				hexTx, err := cc.GetTx(entry.TxID)
				if err != nil {
					return nil, fmt.Errorf("joinstr: fetch tx %s: %w", entry.TxID, err)
				}
				raw, err := hex.DecodeString(hexTx)
				if err != nil {
					return nil, fmt.Errorf("joinstr: decode tx %s: %w", entry.TxID, err)
				}
				tx := wire.NewMsgTx(wire.TxVersion)
				if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
					return nil, fmt.Errorf("joinstr: deserialize tx %s: %w", entry.TxID, err)
				}

				vout, amount, ok := matchOutput(tx, spk)
				if !ok {
					continue
				}
				coins = append(coins, Coin{
					Address:  addr.EncodeAddress(),
					Path:     path,
					Outpoint: wire.OutPoint{Hash: tx.TxHash(), Index: vout},
					Amount:   amount,
					Height:   entry.Height,
				})
			}
		}
	}
	return coins, nil
}

// matchOutput returns the first output of tx paying spk, and whether one
// was found.
func matchOutput(tx *wire.MsgTx, spk []byte) (uint32, btcutil.Amount, bool) {
	for i, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, spk) {
			return uint32(i), btcutil.Amount(out.Value), true
		}
	}
	return 0, 0, false
}
