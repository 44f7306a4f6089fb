// Package config loads and validates the joinstr runtime configuration:
// a per-user JSON file, overridable by environment variables (loaded via
// .env files the way the teacher's config layer does). No CLI flag
// overrides an individual field.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/tyler-smith/go-bip39"
)

// Config is the joinstr per-user configuration: the wallet mnemonic, the
// chain-query backend address, and the relay to announce/join pools on.
type Config struct {
	Mnemonics string `json:"mnemonics"`
	Electrum  string `json:"electrum"`
	Relay     string `json:"relay"`
}

var electrumPattern = regexp.MustCompile(`^[^:]+:[0-9]+$`)

// Dir returns the per-user joinstr config directory: the platform config
// directory on Windows and macOS, ~/.joinstr everywhere else.
func Dir() (string, error) {
	if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
		base, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("config: user config dir: %w", err)
		}
		return filepath.Join(base, "joinstr"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: user home dir: %w", err)
	}
	return filepath.Join(home, ".joinstr"), nil
}

// Path returns the full path to the config file.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "joinstr.conf"), nil
}

// EnsureDir creates the config directory if missing, mode 0700 on Unix.
func EnsureDir() error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	if runtime.GOOS == "windows" {
		return os.MkdirAll(dir, 0o755)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("config: mkdir %s: %w", dir, err)
	}
	return os.Chmod(dir, 0o700)
}

// Load reads the config file, then applies JOINSTR_MNEMONICS,
// JOINSTR_ELECTRUM, and JOINSTR_RELAY environment overrides, loading a
// .env file first exactly as the teacher's loadEnvironmentConfig does.
func Load() (*Config, error) {
	_ = godotenv.Load()

	path, err := Path()
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if jsonErr := json.Unmarshal(raw, cfg); jsonErr != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, jsonErr)
		}
	case errors.Is(err, os.ErrNotExist):
		// no file yet; env/flags may still supply everything needed.
	default:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg.Mnemonics = getEnv("JOINSTR_MNEMONICS", cfg.Mnemonics)
	cfg.Electrum = getEnv("JOINSTR_ELECTRUM", cfg.Electrum)
	cfg.Relay = getEnv("JOINSTR_RELAY", cfg.Relay)

	return cfg, nil
}

// Save writes cfg as the per-user config file, creating the directory
// (mode 0700 on Unix) if needed.
func Save(cfg *Config) error {
	if err := EnsureDir(); err != nil {
		return err
	}
	path, err := Path()
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(path, raw, 0o600)
}

// Validate checks every field per spec: the mnemonic must parse under
// BIP-39, electrum must be exactly one "<host>:<port>" pair with a valid
// port, and relay must parse as a URL with scheme and host. Every
// violation is collected rather than returning on the first one.
func (c *Config) Validate() error {
	var errs []error

	if c.Mnemonics == "" {
		errs = append(errs, fmt.Errorf("%w: mnemonics is empty", ErrMnemonicInvalid))
	} else if !bip39.IsMnemonicValid(c.Mnemonics) {
		errs = append(errs, fmt.Errorf("%w: %q", ErrMnemonicInvalid, c.Mnemonics))
	}

	if err := validateElectrum(c.Electrum); err != nil {
		errs = append(errs, err)
	}

	if err := validateRelay(c.Relay); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func validateElectrum(addr string) error {
	if !electrumPattern.MatchString(addr) {
		return fmt.Errorf("%w: %q does not match <host>:<port>", ErrElectrumInvalid, addr)
	}
	idx := strings.LastIndex(addr, ":")
	port, err := strconv.Atoi(addr[idx+1:])
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("%w: port out of range in %q", ErrElectrumInvalid, addr)
	}
	return nil
}

func validateRelay(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrRelayInvalid, raw)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
