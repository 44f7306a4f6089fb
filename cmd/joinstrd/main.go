// Command joinstrd runs a joinstr participant as a long-lived process: it
// loads the per-user wallet/relay/electrum configuration, drives a single
// coinjoin round to completion (initiating or joining, per -join), and
// exposes a local read-only status endpoint while it runs.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/joinstr/joinstr/internal/config"
	"github.com/joinstr/joinstr/internal/engine"
	"github.com/joinstr/joinstr/internal/joinstr"
	"github.com/joinstr/joinstr/internal/poolmsg"
	"github.com/joinstr/joinstr/internal/secmem"
	"github.com/joinstr/joinstr/internal/signer"
)

func main() {
	configPath := flag.String("config", "", "path to joinstr.conf (defaults to the per-user config path)")
	debug := flag.Bool("debug", false, "enable debug logging")
	network := flag.String("network", "mainnet", "bitcoin network: mainnet, testnet, regtest")
	listen := flag.String("listen", "127.0.0.1:8990", "address for the local status endpoint")
	joinPool := flag.String("join", "", "pool announcement JSON to join; if empty, announces a new pool")
	denomination := flag.Int64("denomination", 100000, "round denomination in satoshis (initiator only)")
	peers := flag.Int("peers", 2, "total round size including the initiator (initiator only)")
	minPeers := flag.Int("min-peers", 1, "external peers required to join before proceeding")
	feeSatVb := flag.Uint("fee-sat-vb", 2, "fixed fee rate in sat/vB (initiator only)")
	roundSeconds := flag.Uint64("round-seconds", 120, "seconds from now the round's join window stays open (initiator only)")
	outpointTxid := flag.String("coin-txid", "", "txid of the coin to contribute")
	outpointVout := flag.Uint("coin-vout", 0, "vout of the coin to contribute")
	coinAmount := flag.Int64("coin-amount", 0, "value of the coin to contribute, in satoshis")
	coinDepth := flag.Uint("coin-depth", 0, "derivation depth of the coin to contribute")
	coinIndex := flag.Uint("coin-index", 0, "derivation index of the coin to contribute")
	outputDepth := flag.Uint("output-depth", 1, "derivation depth of the round output address")
	outputIndex := flag.Uint("output-index", 0, "derivation index of the round output address")
	flag.Parse()

	logger, err := newLogger(*debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, "joinstrd: logger init:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(runArgs{
		configPath:    *configPath,
		network:       *network,
		listen:        *listen,
		joinPool:      *joinPool,
		denomination:  *denomination,
		peers:         *peers,
		minPeers:      *minPeers,
		feeSatVb:      uint32(*feeSatVb),
		roundSeconds:  *roundSeconds,
		outpointTxid:  *outpointTxid,
		outpointVout:  uint32(*outpointVout),
		coinAmount:    *coinAmount,
		coinDepth:     uint32(*coinDepth),
		coinIndex:     uint32(*coinIndex),
		outputDepth:   uint32(*outputDepth),
		outputIndex:   uint32(*outputIndex),
	}, logger); err != nil {
		logger.Fatal("joinstrd exiting", zap.Error(err))
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stdout"}
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		cfg.Encoding = "console"
	}
	return cfg.Build()
}

type runArgs struct {
	configPath   string
	network      string
	listen       string
	joinPool     string
	denomination int64
	peers        int
	minPeers     int
	feeSatVb     uint32
	roundSeconds uint64
	outpointTxid string
	outpointVout uint32
	coinAmount   int64
	coinDepth    uint32
	coinIndex    uint32
	outputDepth  uint32
	outputIndex  uint32
}

func run(args runArgs, logger *zap.Logger) error {
	cfg, err := loadConfig(args.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	params, err := networkParams(args.network)
	if err != nil {
		return err
	}

	if args.outpointTxid == "" {
		return fmt.Errorf("-coin-txid is required")
	}

	status := newStatusServer(logger)
	go status.serve(args.listen)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	coin, err := resolveCoin(params, cfg.Mnemonics, args)
	if err != nil {
		return fmt.Errorf("resolve coin: %w", err)
	}

	peerCfg := joinstr.PeerConfig{
		Mnemonics:  cfg.Mnemonics,
		Electrum:   cfg.Electrum,
		Network:    params,
		Coin:       coin,
		OutputPath: signer.CoinPath{Depth: args.outputDepth, Index: args.outputIndex},
		MinPeers:   args.minPeers,
	}

	status.setPhase(engine.PhaseIdle.String())

	var txid string
	if args.joinPool == "" {
		poolCfg := joinstr.PoolConfig{
			Network:      params,
			Denomination: btcutil.Amount(args.denomination),
			Peers:        args.peers,
			Timeout:      poolmsg.NewSimpleTimeline(uint64(time.Now().Unix()) + args.roundSeconds),
			Relays:       []string{cfg.Relay},
			FeeSatVb:     args.feeSatVb,
		}
		logger.Info("announcing pool", zap.Int64("denomination", args.denomination), zap.Int("peers", args.peers))
		txid, err = joinstr.InitiateCoinjoin(ctx, poolCfg, peerCfg, logger)
	} else {
		logger.Info("joining pool")
		txid, err = joinstr.JoinCoinjoin(ctx, args.joinPool, peerCfg, logger)
	}
	if err != nil {
		status.setError(err)
		return fmt.Errorf("run round: %w", err)
	}

	status.setTxid(txid)
	logger.Info("round complete", zap.String("txid", txid))
	return nil
}

// loadConfig reads the config file (or the per-user default path) into a
// secmem buffer rather than a plain byte slice, so the raw file bytes
// (which hold the mnemonic in cleartext) are zeroed the moment JSON
// decoding is done with them, instead of lingering until the next GC.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	buf := secmem.New(len(raw))
	buf.Copy(raw)
	for i := range raw {
		raw[i] = 0
	}
	defer buf.Free()

	cfg := &config.Config{}
	err = buf.WithBytes(func(b []byte) error {
		return json.Unmarshal(b, cfg)
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func networkParams(name string) (*chaincfg.Params, error) {
	switch strings.ToLower(name) {
	case "mainnet", "":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", name)
	}
}

func resolveCoin(params *chaincfg.Params, mnemonics string, args runArgs) (*signer.Coin, error) {
	s, err := signer.NewFromMnemonic(mnemonics, params)
	if err != nil {
		return nil, err
	}
	path := signer.CoinPath{Depth: args.coinDepth, Index: args.coinIndex}
	spk, err := s.SpkAt(path)
	if err != nil {
		return nil, err
	}
	txHash, err := chainhash.NewHashFromStr(args.outpointTxid)
	if err != nil {
		return nil, fmt.Errorf("parse coin txid: %w", err)
	}
	return &signer.Coin{
		TxOut:    wire.NewTxOut(args.coinAmount, spk),
		Outpoint: wire.OutPoint{Hash: *txHash, Index: args.outpointVout},
		Sequence: wire.MaxTxInSequenceNum,
		Path:     path,
	}, nil
}

// statusServer is the local read-only status surface: a single gin engine
// reporting a coarse phase ("idle" while the round runs, "done" once it
// has a txid), the resulting txid, and the last error if the round failed.
// The engine's internal phases are not tracked here.
type statusServer struct {
	logger *zap.Logger

	mu    sync.Mutex
	phase string
	txid  string
	err   string
}

func newStatusServer(logger *zap.Logger) *statusServer {
	return &statusServer{logger: logger, phase: engine.PhaseIdle.String()}
}

func (s *statusServer) setPhase(phase string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = phase
}

func (s *statusServer) setTxid(txid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txid = txid
	s.phase = engine.PhaseDone.String()
}

func (s *statusServer) setError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err.Error()
}

func (s *statusServer) snapshot() (phase, txid, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase, s.txid, s.err
}

func (s *statusServer) serve(addr string) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/status", func(c *gin.Context) {
		phase, txid, errMsg := s.snapshot()
		c.JSON(http.StatusOK, gin.H{
			"phase": phase,
			"txid":  txid,
			"error": errMsg,
		})
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	s.logger.Info("status endpoint listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Error("status endpoint stopped", zap.Error(err))
	}
}
