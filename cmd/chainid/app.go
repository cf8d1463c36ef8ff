package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"chainid/cmd/internal/passphrase"
	"chainid/config"
	"chainid/core/contract"
	chainerrors "chainid/core/errors"
	"chainid/core/ledger"
	"chainid/core/ledger/algod"
	"chainid/core/ledger/memledger"
	"chainid/core/session"
	"chainid/core/tracker"
	"chainid/observability/logging"
	telemetry "chainid/observability/otel"
)

// memoryWallet signs for in-memory sessions that configure no address.
const memoryWallet = "CHAINIDMEMORYWALLET"

type secretSource interface {
	Get() (string, error)
}

// Swapped in tests.
var (
	mnemonicSource = func(envVar string) secretSource { return passphrase.NewSource(envVar) }
	memoryDial     = func() ledger.DialFunc { return memledger.New().Dial() }
)

// app is one wired session plus the resources backing it.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	session *session.Session

	client    *ledger.Client
	logCloser io.Closer
	telemetry telemetry.Shutdown
}

// newApp wires logging, telemetry, the ledger facade and a session from cfg.
// Extra notifiers receive tracker transitions next to the log sink.
func newApp(ctx context.Context, cfg *config.Config, stderr io.Writer, notifiers ...tracker.Notifier) (*app, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	logger, logCloser := logging.New(logging.Options{
		Service:    cfg.Logging.Service,
		Env:        cfg.Logging.Env,
		Level:      level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Output:     stderr,
	})
	a := &app{cfg: cfg, logger: logger, logCloser: logCloser}

	a.telemetry, err = telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Logging.Service,
		Environment: cfg.Logging.Env,
		Network:     cfg.Network.Name,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	signer, dial, err := connect(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.client, err = ledger.Configure(cfg.LedgerParams(signer), dial)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.session, err = buildSession(cfg, a.client, tracker.Fanout(append([]tracker.Notifier{logging.Notifier(logger)}, notifiers...)...))
	if err != nil {
		a.Close()
		return nil, err
	}
	logger.Info("session ready",
		"network", a.session.Network(),
		"sender", a.session.Sender(),
		"mode", a.session.Mode().String())
	return a, nil
}

func buildSession(cfg *config.Config, client *ledger.Client, notifier tracker.Notifier) (*session.Session, error) {
	mode, err := cfg.Mode()
	if err != nil {
		return nil, err
	}
	policies, err := cfg.Policies()
	if err != nil {
		return nil, err
	}
	catalog, err := cfg.Catalog()
	if err != nil {
		return nil, err
	}
	identityDef, paymentDef, err := session.Definitions(cfg.Contracts.ArtifactsDir, cfg.InMemory())
	if err != nil {
		return nil, err
	}
	var registry *contract.Registry
	if known := cfg.KnownReferences(); len(known) > 0 {
		registry = contract.NewRegistry()
		registry.Seed(known...)
	}
	sc := session.Config{
		Registry:           registry,
		Mode:               mode,
		IdentityAppID:      cfg.Contracts.IdentityAppID,
		PaymentAppID:       cfg.Contracts.PaymentAppID,
		Policies:           policies,
		IdentityDefinition: identityDef,
		PaymentDefinition:  paymentDef,
		Notifier:           notifier,
		Catalog:            catalog,
	}
	if !cfg.InMemory() {
		sc.AddressCheck = func(address string) error {
			if !algod.ValidAddress(address) {
				return chainerrors.Validation("address", "%q is not an Algorand address", address)
			}
			return nil
		}
	}
	return session.New(client, sc)
}

// connect resolves the signer and transport for the configured network.
func connect(cfg *config.Config) (ledger.Signer, ledger.DialFunc, error) {
	if cfg.InMemory() {
		address := cfg.Wallet.Address
		if address == "" {
			address = memoryWallet
		}
		return memledger.Signer(address), memoryDial(), nil
	}
	phrase, err := mnemonicSource(cfg.Wallet.MnemonicEnv).Get()
	if err != nil {
		return nil, nil, chainerrors.Configuration("wallet.mnemonic_env", err.Error())
	}
	account, err := algod.AccountFromMnemonic(phrase)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Wallet.Address != "" && cfg.Wallet.Address != account.Address() {
		return nil, nil, chainerrors.Configuration("wallet.address", "mnemonic does not belong to the configured address")
	}
	return account, algod.Dial, nil
}

// Close releases the ledger connection and flushes telemetry and logs.
func (a *app) Close() error {
	var errs []error
	if a.client != nil {
		errs = append(errs, a.client.Close())
	}
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, a.telemetry(ctx))
		cancel()
	}
	if a.logCloser != nil {
		errs = append(errs, a.logCloser.Close())
	}
	return errors.Join(errs...)
}

// withApp loads the configuration, builds an app and runs fn against it.
func withApp(ctx context.Context, globals globalOptions, stdout, stderr io.Writer, fn func(context.Context, *app) (any, error)) int {
	cfg, err := loadConfig(globals)
	if err != nil {
		return reportError(stderr, err)
	}
	a, err := newApp(ctx, cfg, stderr)
	if err != nil {
		return reportError(stderr, err)
	}
	defer a.Close()
	result, err := fn(ctx, a)
	if err != nil {
		return reportError(stderr, err)
	}
	writeResult(stdout, result)
	return 0
}
