// Command joinstrctl is a thin CLI over the read-only joinstr operations:
// listing public pool announcements on a relay and listing the outputs a
// wallet has received, against an electrum-style backend.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"go.uber.org/zap"

	"github.com/joinstr/joinstr/internal/config"
	"github.com/joinstr/joinstr/internal/joinstr"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	logger := zap.NewNop()

	switch os.Args[1] {
	case "list-pools":
		listPoolsCmd(os.Args[2:], logger)
	case "list-coins":
		listCoinsCmd(os.Args[2:], logger)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: joinstrctl <list-pools|list-coins> [flags]")
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

func listPoolsCmd(args []string, logger *zap.Logger) {
	fs := flag.NewFlagSet("list-pools", flag.ExitOnError)
	relayURL := fs.String("relay", "", "relay URL to subscribe to (defaults to the configured relay)")
	back := fs.Int64("back", 3600, "seconds of history to request from the relay")
	wait := fs.Duration("wait", 5*time.Second, "how long to wait for announcements to arrive")
	fs.Parse(args)

	cfg, err := config.Load()
	if err != nil {
		fail("load config", err)
	}
	target := *relayURL
	if target == "" {
		target = cfg.Relay
	}
	if target == "" {
		fail("resolve relay", fmt.Errorf("no -relay given and no relay configured"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), *wait+10*time.Second)
	defer cancel()

	pools, err := joinstr.ListPools(ctx, target, *back, *wait, logger)
	if err != nil {
		fail("list pools", err)
	}
	printJSON(pools)
}

func listCoinsCmd(args []string, logger *zap.Logger) {
	fs := flag.NewFlagSet("list-coins", flag.ExitOnError)
	network := fs.String("network", "mainnet", "bitcoin network: mainnet, testnet, regtest")
	rangeStart := fs.Uint("range-start", 0, "first derivation index to scan")
	rangeEnd := fs.Uint("range-end", 20, "derivation index to scan up to, exclusive")
	electrumTLS := fs.Bool("electrum-tls", false, "use TLS when dialing the electrum backend")
	fs.Parse(args)

	params, err := networkParams(*network)
	if err != nil {
		fail("resolve network", err)
	}

	cfg, err := config.Load()
	if err != nil {
		fail("load config", err)
	}
	if err := cfg.Validate(); err != nil {
		fail("validate config", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	coins, err := joinstr.ListCoins(ctx, cfg.Mnemonics, cfg.Electrum, *electrumTLS, params, uint32(*rangeStart), uint32(*rangeEnd), logger)
	if err != nil {
		fail("list coins", err)
	}
	printJSON(coins)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fail("encode output", err)
	}
}

func fail(step string, err error) {
	fmt.Fprintf(os.Stderr, "joinstrctl: %s: %v\n", step, err)
	os.Exit(1)
}
