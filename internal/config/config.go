// Package config loads the daemon configuration. Flags and environment
// variables take precedence over the optional TOML file; the file mainly
// serves long-lived deployments.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Mode selects the ledger backend.
const (
	ModeMock = "mock"
	ModeRPC  = "rpc"
)

type Ledger struct {
	// Mode is "mock" (in-memory, single process) or "rpc" (CometBFT node).
	Mode string `toml:"mode"`
	// RPCAddr is the CometBFT RPC endpoint for rpc mode.
	RPCAddr string `toml:"rpc_addr"`
	// FaucetAmount is credited to the local identity at startup in mock mode.
	FaucetAmount uint64 `toml:"faucet_amount"`
}

type Config struct {
	// DataDir holds the identity key and the secret store.
	DataDir string `toml:"data_dir"`
	// Listen is the gateway bind address, e.g. ":8080".
	Listen string `toml:"listen"`

	PollIntervalSecs int  `toml:"poll_interval_secs"`
	AutoSettle       bool `toml:"auto_settle"`

	Ledger Ledger `toml:"ledger"`
}

// Default returns the development configuration.
func Default() Config {
	return Config{
		DataDir:          ".rps",
		Listen:           ":8080",
		PollIntervalSecs: 2,
		AutoSettle:       true,
		Ledger: Ledger{
			Mode:         ModeMock,
			RPCAddr:      "tcp://127.0.0.1:26657",
			FaucetAmount: 1_000_000,
		},
	}
}

// Load reads path over the defaults. An empty path returns defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Ledger.Mode {
	case ModeMock, ModeRPC:
	default:
		return fmt.Errorf("invalid ledger.mode %q (want %s|%s)", c.Ledger.Mode, ModeMock, ModeRPC)
	}
	if c.Ledger.Mode == ModeRPC && c.Ledger.RPCAddr == "" {
		return fmt.Errorf("ledger.rpc_addr required in rpc mode")
	}
	if c.PollIntervalSecs <= 0 {
		return fmt.Errorf("poll_interval_secs must be positive")
	}
	return nil
}
