package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/mnemonic"
	"github.com/stretchr/testify/require"

	"chainid/config"
	chainerrors "chainid/core/errors"
	"chainid/core/identity"
	"chainid/core/ledger"
	"chainid/core/ledger/memledger"
	"chainid/core/session"
	gatewaycfg "chainid/gateway/config"
	"chainid/gateway/notify"
	"chainid/observability/logging"
)

func memoryEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CHAINID_NETWORK", "memory")
	t.Setenv("CHAINID_MODE", "deploy")
	t.Setenv("CHAINID_LOG_LEVEL", "error")
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	code := run(context.Background(), args, stdout, stderr)
	return code, stdout.String(), stderr.String()
}

type fakeSource struct {
	phrase string
	err    error
}

func (f fakeSource) Get() (string, error) { return f.phrase, f.err }

func swapMnemonic(t *testing.T, src secretSource) {
	t.Helper()
	original := mnemonicSource
	mnemonicSource = func(string) secretSource { return src }
	t.Cleanup(func() { mnemonicSource = original })
}

func TestRunWithoutCommandPrintsUsage(t *testing.T) {
	code, stdout, stderr := runCLI(t)
	require.Equal(t, 1, code)
	require.Empty(t, stdout)
	require.Contains(t, stderr, "Usage: chainid")

	code, _, stderr = runCLI(t, "launch")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "Unknown command: launch")

	code, stdout, _ = runCLI(t, "help")
	require.Zero(t, code)
	require.Contains(t, stdout, "register")
}

func TestApplyGlobalFlags(t *testing.T) {
	opts, rest, err := applyGlobalFlags([]string{"--config", "a.toml", "--network=memory", "claim", "--mode", "x"})
	require.NoError(t, err)
	require.Equal(t, "a.toml", opts.configPath)
	require.Equal(t, "memory", opts.network)
	require.Empty(t, opts.mode)
	require.Equal(t, []string{"claim", "--mode", "x"}, rest)

	_, _, err = applyGlobalFlags([]string{"--config"})
	require.Error(t, err)
}

func TestCommandArgValidation(t *testing.T) {
	memoryEnv(t)
	cases := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "register_missing_address", args: []string{"register", "--level", "1"}, wantErr: "Error: --address is required"},
		{name: "register_missing_level", args: []string{"register", "--address", "A"}, wantErr: "Error: --level is required"},
		{name: "claim_missing_platform", args: []string{"claim"}, wantErr: "Error: --platform is required"},
		{name: "stats_positional", args: []string{"stats", "extra"}, wantErr: "Error: unexpected positional arguments"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, stdout, stderr := runCLI(t, tc.args...)
			if code != 1 {
				t.Fatalf("unexpected exit code: got %d, want 1", code)
			}
			if stdout != "" {
				t.Fatalf("expected empty stdout, got %q", stdout)
			}
			if !strings.Contains(stderr, tc.wantErr) {
				t.Fatalf("stderr %q does not mention %q", stderr, tc.wantErr)
			}
		})
	}
}

func TestRegisterOnMemoryNetwork(t *testing.T) {
	memoryEnv(t)
	code, stdout, stderr := runCLI(t, "register", "--address", "MEMBER", "--level", "premium")
	require.Zero(t, code, stderr)

	var out session.Registration
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	require.Equal(t, "MEMBER", out.Address)
	require.Equal(t, identity.LevelPremium, out.Level)
	require.Equal(t, "Premium", out.Tier)
	require.Len(t, out.TxIDs, 1)
}

func TestRegisterRejectsUnknownLevel(t *testing.T) {
	memoryEnv(t)
	code, stdout, stderr := runCLI(t, "register", "--address", "MEMBER", "--level", "gold")
	require.Equal(t, 1, code)
	require.Empty(t, stdout)
	require.Contains(t, stderr, "Kind: validation")
}

func TestStatsOnFreshDeployment(t *testing.T) {
	memoryEnv(t)
	code, stdout, stderr := runCLI(t, "stats")
	require.Zero(t, code, stderr)
	var out session.Stats
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	require.Zero(t, out.VerifiedUsers)
	require.Zero(t, out.TotalPayments)
}

// shareLedger makes every command of the test talk to one in-memory ledger,
// the way separate invocations share a real network.
func shareLedger(t *testing.T) *memledger.Ledger {
	t.Helper()
	mem := memledger.New()
	original := memoryDial
	memoryDial = func() ledger.DialFunc { return mem.Dial() }
	t.Cleanup(func() { memoryDial = original })
	return mem
}

func TestCommandsReuseDeploymentsAcrossInvocations(t *testing.T) {
	memoryEnv(t)
	mem := shareLedger(t)

	code, _, stderr := runCLI(t, "register", "--address", "MEMBER", "--level", "1")
	require.Zero(t, code, stderr)
	code, stdout, stderr := runCLI(t, "stats")
	require.Zero(t, code, stderr)

	var out session.Stats
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	require.Equal(t, uint64(1), out.VerifiedUsers)
	apps, err := mem.CreatedApps(context.Background(), memoryWallet)
	require.NoError(t, err)
	require.Len(t, apps, 2)
}

func TestKnownContractsSeedDeployMode(t *testing.T) {
	memoryEnv(t)
	mem := shareLedger(t)
	code, stdout, stderr := runCLI(t, "deploy")
	require.Zero(t, code, stderr)
	var deployed deployResult
	require.NoError(t, json.Unmarshal([]byte(stdout), &deployed))

	path := filepath.Join(t.TempDir(), "chainid.toml")
	cfg := config.Default()
	cfg.Contracts.Known = []config.KnownContract{
		{Name: "IdentityRegistry", AppID: deployed.Contracts[0].AppID, Version: "1.0.0"},
		{Name: "PaymentProcessor", AppID: deployed.Contracts[1].AppID, Version: "1.0.0"},
	}
	require.NoError(t, config.Write(path, cfg))

	code, stdout, stderr = runCLI(t, "--config", path, "deploy")
	require.Zero(t, code, stderr)
	var again deployResult
	require.NoError(t, json.Unmarshal([]byte(stdout), &again))
	require.Equal(t, deployed.Contracts[0].AppID, again.Contracts[0].AppID)
	require.Equal(t, deployed.Contracts[1].AppID, again.Contracts[1].AppID)
	apps, err := mem.CreatedApps(context.Background(), memoryWallet)
	require.NoError(t, err)
	require.Len(t, apps, 2)
}

func TestHelloVerifyAndAdmin(t *testing.T) {
	memoryEnv(t)
	shareLedger(t)

	code, stdout, stderr := runCLI(t, "hello", "--name", "demo")
	require.Zero(t, code, stderr)
	require.Contains(t, stdout, "Hello, demo")

	code, stdout, stderr = runCLI(t, "verify", "--address", "MEMBER")
	require.Zero(t, code, stderr)
	var verified verifyResult
	require.NoError(t, json.Unmarshal([]byte(stdout), &verified))
	require.True(t, verified.Verified)

	code, stdout, stderr = runCLI(t, "admin", "pause")
	require.Zero(t, code, stderr)
	var state session.AdminState
	require.NoError(t, json.Unmarshal([]byte(stdout), &state))
	require.True(t, state.Paused)
	require.Equal(t, memoryWallet, state.Admin)

	code, _, stderr = runCLI(t, "register", "--address", "MEMBER", "--level", "1")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "Kind: operation")

	code, stdout, stderr = runCLI(t, "admin", "unpause")
	require.Zero(t, code, stderr)
	require.NoError(t, json.Unmarshal([]byte(stdout), &state))
	require.False(t, state.Paused)

	code, stdout, stderr = runCLI(t, "admin", "set-admin", "--address", "OPERATOR")
	require.Zero(t, code, stderr)
	code, stdout, stderr = runCLI(t, "admin", "status")
	require.Zero(t, code, stderr)
	require.NoError(t, json.Unmarshal([]byte(stdout), &state))
	require.Equal(t, "OPERATOR", state.Admin)
}

func TestAdminArgValidation(t *testing.T) {
	memoryEnv(t)
	cases := map[string][]string{
		"Usage: chainid admin":         {"admin"},
		"Unknown admin action: drop":   {"admin", "drop"},
		"Error: --address is required": {"admin", "set-admin"},
		"Error: unexpected positional": {"admin", "pause", "now"},
	}
	for want, args := range cases {
		code, stdout, stderr := runCLI(t, args...)
		if code != 1 {
			t.Fatalf("%v: unexpected exit code: got %d, want 1", args, code)
		}
		if stdout != "" {
			t.Fatalf("%v: expected empty stdout, got %q", args, stdout)
		}
		if !strings.Contains(stderr, want) {
			t.Fatalf("%v: stderr %q does not mention %q", args, stderr, want)
		}
	}
	code, _, stderr := runCLI(t, "verify")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "Error: --address is required")
}

func TestClaimDefaultsToSigningWallet(t *testing.T) {
	memoryEnv(t)
	code, stdout, stderr := runCLI(t, "claim", "--platform", "dao")
	require.Zero(t, code, stderr)
	var payment struct {
		Recipient       string `json:"recipient"`
		AmountBaseUnits uint64 `json:"amountBaseUnits"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &payment))
	require.Equal(t, memoryWallet, payment.Recipient)
	require.Equal(t, uint64(100_000), payment.AmountBaseUnits)

	code, _, stderr = runCLI(t, "claim", "--platform", "casino")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "Error:")
}

func TestPlatformsListsCatalog(t *testing.T) {
	memoryEnv(t)
	code, stdout, stderr := runCLI(t, "platforms", "--claimant", "SOMEONE")
	require.Zero(t, code, stderr)
	var out platformsResult
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	require.Equal(t, "SOMEONE", out.Claimant)
	require.Len(t, out.Platforms, 3)
	require.True(t, out.Platforms[0].Eligible)
}

func TestDeployPrintsReferences(t *testing.T) {
	memoryEnv(t)
	code, stdout, stderr := runCLI(t, "deploy")
	require.Zero(t, code, stderr)
	var out deployResult
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	require.Equal(t, "memory", out.Network)
	require.Len(t, out.Contracts, 2)
	require.NotZero(t, out.Contracts[0].AppID)
}

func TestPinnedIdsMissingFromLedger(t *testing.T) {
	memoryEnv(t)
	code, _, stderr := runCLI(t, "--mode", "pinned", "stats")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "Kind: deployment")
}

func TestUnknownModeIsConfigurationError(t *testing.T) {
	memoryEnv(t)
	code, _, stderr := runCLI(t, "--mode", "sideload", "stats")
	require.Equal(t, 2, code)
	require.Contains(t, stderr, "Kind: configuration")
}

func TestConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chainid.toml")
	code, stdout, stderr := runCLI(t, "config", "init", "--path", path)
	require.Zero(t, code, stderr)
	require.Contains(t, stdout, path)

	code, _, stderr = runCLI(t, "config", "init", "--path", path)
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "already exists")

	t.Setenv("CHAINID_JWT_SECRET", "do-not-print")
	code, stdout, stderr = runCLI(t, "--config", path, "config", "show")
	require.Zero(t, code, stderr)
	require.Contains(t, stdout, `name = "localnet"`)
	require.Contains(t, stdout, logging.RedactedValue)
	require.NotContains(t, stdout, "do-not-print")
	require.NotContains(t, stdout, strings.Repeat("a", 64))
}

func TestConnectRequiresMnemonic(t *testing.T) {
	swapMnemonic(t, fakeSource{err: errors.New("no terminal")})
	cfg := config.Default()
	cfg.Network.Name = "testnet"
	_, _, err := connect(cfg)
	require.ErrorIs(t, err, chainerrors.ErrConfiguration)
}

func TestConnectChecksConfiguredAddress(t *testing.T) {
	account := crypto.GenerateAccount()
	phrase, err := mnemonic.FromPrivateKey(account.PrivateKey)
	require.NoError(t, err)
	swapMnemonic(t, fakeSource{phrase: phrase})

	cfg := config.Default()
	cfg.Network.Name = "testnet"
	signer, dial, err := connect(cfg)
	require.NoError(t, err)
	require.NotNil(t, dial)
	require.Equal(t, account.Address.String(), signer.Address())

	other := crypto.GenerateAccount()
	cfg.Wallet.Address = other.Address.String()
	_, _, err = connect(cfg)
	require.ErrorIs(t, err, chainerrors.ErrConfiguration)
}

func TestServeGatewayUntilCancelled(t *testing.T) {
	memoryEnv(t)
	cfg, err := loadConfig(globalOptions{})
	require.NoError(t, err)
	cfg.Gateway.Auth.Enabled = false

	hub := notify.NewHub(8, time.Second, nil)
	a, err := newApp(context.Background(), cfg, io.Discard, hub)
	require.NoError(t, err)
	defer a.Close()

	handler, err := newGatewayHandler(a, cfg.Gateway, hub)
	require.NoError(t, err)
	server := &http.Server{Addr: "127.0.0.1:0", Handler: handler}

	ctx, cancel := context.WithCancel(context.Background())
	addrs := make(chan net.Addr, 1)
	done := make(chan error, 1)
	go func() {
		done <- serveUntilDone(ctx, server, a.logger, func(addr net.Addr) { addrs <- addr })
	}()
	addr := <-addrs

	res, err := http.Get("http://" + addr.String() + "/healthz")
	require.NoError(t, err)
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, string(body), `"network":"memory"`)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServeRefusesPlaintextOffLoopbackInProduction(t *testing.T) {
	memoryEnv(t)
	t.Setenv("CHAINID_ENV", "production")
	t.Setenv("CHAINID_JWT_SECRET", "serve-secret")
	code, stdout, stderr := runCLI(t, "serve", "--listen", "0.0.0.0:0")
	require.Equal(t, 2, code)
	require.Empty(t, stdout)
	require.Contains(t, stderr, "TLS certificate and key are required")
}

func TestServeRequiresSecretWhenAuthEnabled(t *testing.T) {
	memoryEnv(t)
	code, _, stderr := runCLI(t, "serve", "--listen", "127.0.0.1:0")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "hmacSecret is required")
}

func gatewaySecurity(cert, key string) gatewaycfg.SecurityConfig {
	return gatewaycfg.SecurityConfig{TLSCertFile: cert, TLSKeyFile: key}
}

func TestBuildTLSConfig(t *testing.T) {
	tlsCfg, err := buildTLSConfig("", gatewaySecurity("", ""))
	require.NoError(t, err)
	require.Nil(t, tlsCfg)

	_, err = buildTLSConfig("", gatewaySecurity("cert.pem", ""))
	require.Error(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cert.pem"), []byte("junk"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "key.pem"), []byte("junk"), 0o600))
	_, err = buildTLSConfig(dir, gatewaySecurity("cert.pem", "key.pem"))
	require.ErrorContains(t, err, "load TLS key pair")
}

func TestIsLoopbackAddress(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:8080": true,
		"localhost:80":   true,
		"[::1]:9000":     true,
		":8080":          false,
		"0.0.0.0:8080":   false,
		"10.0.0.4:8080":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddress(addr); got != want {
			t.Fatalf("isLoopbackAddress(%q) = %v, want %v", addr, got, want)
		}
	}
}
