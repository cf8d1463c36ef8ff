package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"chainid/core/rewards"
	gatewaycfg "chainid/gateway/config"
)

// Network locates the ledger node.
type Network struct {
	Name        string        `toml:"name"`
	Endpoint    string        `toml:"endpoint"`
	Token       string        `toml:"token"`
	Timeout     time.Duration `toml:"timeout"`
	SubmitRate  float64       `toml:"submit_rate"`
	SubmitBurst int           `toml:"submit_burst"`
	// The indexer is optional. Without it deploy mode cannot recognise
	// deployments made by earlier sessions unless they are listed under
	// contracts.known.
	IndexerEndpoint string `toml:"indexer_endpoint"`
	IndexerToken    string `toml:"indexer_token"`
}

// Contracts selects how the identity registry and payment processor are bound.
type Contracts struct {
	Mode          string `toml:"mode"`
	IdentityAppID uint64 `toml:"identity_app_id"`
	PaymentAppID  uint64 `toml:"payment_app_id"`
	ArtifactsDir  string `toml:"artifacts_dir"`
	OnSchemaBreak string `toml:"on_schema_break"`
	OnUpdate      string `toml:"on_update"`
	// Known seeds deploy mode with deployments remembered from earlier runs.
	Known []KnownContract `toml:"known"`
}

// KnownContract is one remembered deployment.
type KnownContract struct {
	Name    string `toml:"name"`
	AppID   uint64 `toml:"app_id"`
	Version string `toml:"version"`
}

// Wallet names where the session signer comes from. The mnemonic itself is
// never stored in the file.
type Wallet struct {
	MnemonicEnv string `toml:"mnemonic_env"`
	Address     string `toml:"address"`
}

// Logging configures the structured logger.
type Logging struct {
	Service    string `toml:"service"`
	Env        string `toml:"env"`
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Telemetry configures the OTLP exporters.
type Telemetry struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
	Insecure bool   `toml:"insecure"`
	Headers  string `toml:"headers"`
	Traces   bool   `toml:"traces"`
	Metrics  bool   `toml:"metrics"`
}

// Config is the full client configuration.
type Config struct {
	Network   Network            `toml:"network"`
	Contracts Contracts          `toml:"contracts"`
	Wallet    Wallet             `toml:"wallet"`
	Platforms []rewards.Platform `toml:"platforms"`
	Gateway   gatewaycfg.Config  `toml:"gateway"`
	Logging   Logging            `toml:"logging"`
	Telemetry Telemetry          `toml:"telemetry"`
}

// Default returns the configuration of a LocalNet session against the
// well-known demo application ids.
func Default() *Config {
	return &Config{
		Network: Network{
			Name:        "localnet",
			Endpoint:    "http://localhost:4001",
			Token:       strings.Repeat("a", 64),
			Timeout:     30 * time.Second,
			SubmitBurst: 1,
		},
		Contracts: Contracts{
			Mode:          "pinned",
			IdentityAppID: 1002,
			PaymentAppID:  1024,
			ArtifactsDir:  "artifacts",
			OnSchemaBreak: "append",
			OnUpdate:      "append",
		},
		Wallet:  Wallet{MnemonicEnv: "CHAINID_MNEMONIC"},
		Gateway: gatewaycfg.Default(),
		Logging: Logging{
			Service:    "chainid",
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Telemetry: Telemetry{
			Endpoint: "localhost:4318",
			Insecure: true,
			Traces:   true,
			Metrics:  true,
		},
	}
}

// Load reads path over the defaults, applies CHAINID_* environment overrides
// and validates the result. An empty path or a missing file yields the
// defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if _, err := os.Stat(path); err == nil {
			meta, err := toml.DecodeFile(path, cfg)
			if err != nil {
				return nil, fmt.Errorf("decode config %s: %w", path, err)
			}
			if undecoded := meta.Undecoded(); len(undecoded) > 0 {
				return nil, fmt.Errorf("config %s: unknown key %s", path, undecoded[0])
			}
			if cfg.Contracts.ArtifactsDir != "" && !filepath.IsAbs(cfg.Contracts.ArtifactsDir) {
				cfg.Contracts.ArtifactsDir = filepath.Join(filepath.Dir(path), cfg.Contracts.ArtifactsDir)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.Gateway.ApplyDefaults()
	if len(cfg.Platforms) == 0 {
		cfg.Platforms = rewards.DefaultCatalog().Platforms()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Write persists cfg as TOML, creating parent directories.
func Write(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}
