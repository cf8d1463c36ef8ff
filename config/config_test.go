package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chainid/core/contract"
	chainerrors "chainid/core/errors"
	"chainid/core/ledger/memledger"
	"chainid/core/session"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chainid.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "localnet", cfg.Network.Name)
	require.Equal(t, 30*time.Second, cfg.Network.Timeout)
	mode, err := cfg.Mode()
	require.NoError(t, err)
	require.Equal(t, session.ModePinned, mode)
	require.Equal(t, uint64(1002), cfg.Contracts.IdentityAppID)
	require.Equal(t, uint64(1024), cfg.Contracts.PaymentAppID)

	policies, err := cfg.Policies()
	require.NoError(t, err)
	require.Equal(t, contract.AppendApp, policies.OnSchemaBreak)

	catalog, err := cfg.Catalog()
	require.NoError(t, err)
	require.Len(t, catalog.Platforms(), 3)
	require.Equal(t, ":8080", cfg.Gateway.ListenAddress)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	require.Equal(t, "localnet", cfg.Network.Name)
}

func TestLoadDecodesFile(t *testing.T) {
	path := writeConfig(t, `
[network]
name = "testnet"
endpoint = "https://testnet-api.algonode.cloud"
timeout = "10s"
submit_rate = 2.5

[contracts]
mode = "deploy"
artifacts_dir = "build"
on_schema_break = "replace"
on_update = "update"

[[platforms]]
key = "quest"
name = "Quest Board"
reward = "0.5 ALGO quest reward"

[gateway]
listen = "127.0.0.1:9090"

[gateway.auth]
enabled = false
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "testnet", cfg.Network.Name)
	require.Equal(t, 10*time.Second, cfg.Network.Timeout)
	require.InDelta(t, 2.5, cfg.Network.SubmitRate, 0.0001)
	require.Equal(t, filepath.Join(filepath.Dir(path), "build"), cfg.Contracts.ArtifactsDir)

	policies, err := cfg.Policies()
	require.NoError(t, err)
	require.Equal(t, contract.ReplaceApp, policies.OnSchemaBreak)
	require.Equal(t, contract.UpdateApp, policies.OnUpdate)

	catalog, err := cfg.Catalog()
	require.NoError(t, err)
	require.Len(t, catalog.Platforms(), 1)
	_, ok := catalog.Lookup("quest")
	require.True(t, ok)

	require.Equal(t, "127.0.0.1:9090", cfg.Gateway.ListenAddress)
	require.False(t, cfg.Gateway.Auth.Enabled)
	// Defaults the file left untouched survive.
	require.Equal(t, 2*time.Minute, cfg.Gateway.Auth.ClockSkew)
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	path := writeConfig(t, "[network]\nname = \"localnet\"\nchain_id = 187001\n")
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "chain_id")
}

func TestLoadRejectsInPlaceSchemaBreak(t *testing.T) {
	path := writeConfig(t, "[contracts]\nmode = \"deploy\"\non_schema_break = \"update\"\n")
	_, err := Load(path)
	require.ErrorIs(t, err, chainerrors.ErrConfiguration)
}

func TestLoadRejectsUnknownPolicy(t *testing.T) {
	path := writeConfig(t, "[contracts]\non_update = \"sometimes\"\n")
	_, err := Load(path)
	require.ErrorIs(t, err, chainerrors.ErrConfiguration)
}

func TestLoadRejectsBadPlatformReward(t *testing.T) {
	path := writeConfig(t, "[[platforms]]\nkey = \"dao\"\nname = \"DAO\"\nreward = \"plenty\"\n")
	_, err := Load(path)
	require.ErrorIs(t, err, chainerrors.ErrConfiguration)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(envNetwork, "memory")
	t.Setenv(envMode, "deploy")
	t.Setenv(envTimeout, "250ms")
	t.Setenv(envAddress, "WALLET")
	t.Setenv(envListen, ":9999")
	t.Setenv(envJWTSecret, "s3cret")
	t.Setenv(envLogLevel, "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	require.True(t, cfg.InMemory())
	require.Equal(t, 250*time.Millisecond, cfg.Network.Timeout)
	require.Equal(t, ":9999", cfg.Gateway.ListenAddress)
	require.Equal(t, "s3cret", cfg.Gateway.Auth.HMACSecret)
	require.NoError(t, cfg.Gateway.RequireSecret())

	params := cfg.LedgerParams(memledger.Signer("WALLET"))
	require.Equal(t, "memory", params.Network)
	require.Equal(t, "WALLET", params.Sender)
	require.NoError(t, params.Validate())
}

func TestEnvRejectsMalformedAppID(t *testing.T) {
	t.Setenv(envIdentityAppID, "first")
	_, err := Load("")
	require.Error(t, err)
	require.Contains(t, err.Error(), envIdentityAppID)
}

func TestEnvIgnoresMalformedDuration(t *testing.T) {
	t.Setenv(envTimeout, "soon")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, cfg.Network.Timeout)
}

func TestPinnedModeRequiresAppIDs(t *testing.T) {
	cfg := Default()
	cfg.Contracts.PaymentAppID = 0
	require.ErrorIs(t, cfg.Validate(), chainerrors.ErrConfiguration)

	cfg.Contracts.Mode = "deploy"
	require.NoError(t, cfg.Validate())
}

func TestDeploymentEnvRequiresTLSEndpoint(t *testing.T) {
	cfg := Default()
	cfg.Logging.Env = "prod"
	require.ErrorIs(t, cfg.Validate(), chainerrors.ErrConfiguration)

	cfg.Logging.Env = "dev"
	require.NoError(t, cfg.Validate())
}

func TestLogLevel(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "chatty"
	require.ErrorIs(t, cfg.Validate(), chainerrors.ErrConfiguration)
}

func TestWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "chainid.toml")
	cfg := Default()
	cfg.Contracts.Mode = "deploy"
	cfg.Network.Name = "memory"
	require.NoError(t, Write(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "deploy", loaded.Contracts.Mode)
	require.True(t, loaded.InMemory())
}
