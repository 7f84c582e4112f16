package config

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"beetroot/crypto"
)

// Config is the daemon configuration, loaded from TOML.
type Config struct {
	DataDir     string `toml:"DataDir"`
	JournalPath string `toml:"JournalPath"`

	Pool    PoolConfig    `toml:"Pool"`
	Router  RouterConfig  `toml:"Router"`
	Gateway GatewayConfig `toml:"Gateway"`
	Logging LoggingConfig `toml:"Logging"`
}

// PoolConfig describes the controller actor. Addresses are bech32; fee
// amounts are decimal strings in minimal token units; code hashes are
// 32-byte hex.
type PoolConfig struct {
	Controller        string `toml:"Controller"`
	Admin             string `toml:"Admin"`
	StableTokenMaster string `toml:"StableTokenMaster"`
	ShareTokenMaster  string `toml:"ShareTokenMaster"`
	Router            string `toml:"Router"`
	SharePriceBP      uint64 `toml:"SharePriceBP"`
	DepositFee        string `toml:"DepositFee"`
	ForwardFee        string `toml:"ForwardFee"`
	SubLedgerCodeHash string `toml:"SubLedgerCodeHash"`
	WalletCodeHash    string `toml:"WalletCodeHash"`
}

// TargetConfig is one downstream protocol in the routing table.
type TargetConfig struct {
	Name        string `toml:"Name"`
	Protocol    string `toml:"Protocol"`
	TokenWallet string `toml:"TokenWallet"`
	Weight      uint64 `toml:"Weight"`
}

// RouterConfig describes the fan-out actor and its routing table.
type RouterConfig struct {
	Targets []TargetConfig `toml:"Targets"`
}

// GatewayConfig configures the HTTP read surface.
type GatewayConfig struct {
	ListenAddress     string  `toml:"ListenAddress"`
	RequestsPerMinute float64 `toml:"RequestsPerMinute"`
	Burst             int     `toml:"Burst"`
}

// LoggingConfig configures structured logging and optional file rotation.
type LoggingConfig struct {
	Service    string `toml:"Service"`
	Env        string `toml:"Env"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// Load loads the configuration from the given path, creating a default
// file when none exists.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./beetroot-data"
	}
	if strings.TrimSpace(c.JournalPath) == "" {
		c.JournalPath = filepath.Join(c.DataDir, "journal.db")
	}
	if strings.TrimSpace(c.Gateway.ListenAddress) == "" {
		c.Gateway.ListenAddress = ":8080"
	}
	if c.Gateway.RequestsPerMinute <= 0 {
		c.Gateway.RequestsPerMinute = 600
	}
	if c.Gateway.Burst <= 0 {
		c.Gateway.Burst = 20
	}
	if strings.TrimSpace(c.Logging.Service) == "" {
		c.Logging.Service = "beetrootd"
	}
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{
		Pool: PoolConfig{
			SharePriceBP: 10_000,
			DepositFee:   "1000000",
			ForwardFee:   "10000000",
		},
		Gateway: GatewayConfig{
			ListenAddress:     ":8080",
			RequestsPerMinute: 600,
			Burst:             20,
		},
		Logging: LoggingConfig{
			Service: "beetrootd",
			Env:     "local",
		},
	}
	cfg.applyDefaults()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return toml.NewEncoder(file).Encode(cfg)
}

// ParseAddress parses a bech32 actor address from configuration.
func ParseAddress(field, value string) (crypto.Address, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(value))
	if err != nil {
		return crypto.Address{}, fmt.Errorf("config: %s: %w", field, err)
	}
	return addr, nil
}

// ParseCodeHash parses a 32-byte hex code hash from configuration.
func ParseCodeHash(field, value string) (crypto.CodeHash, error) {
	var h crypto.CodeHash
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(value), "0x"))
	if err != nil {
		return h, fmt.Errorf("config: %s: %w", field, err)
	}
	if len(raw) != len(h) {
		return h, fmt.Errorf("config: %s must be %d hex bytes, got %d", field, len(h), len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

// ParseAmount parses a non-negative decimal token amount from configuration.
func ParseAmount(field, value string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok {
		return nil, fmt.Errorf("config: %s is not a decimal amount: %q", field, value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("config: %s must not be negative", field)
	}
	return amount, nil
}
