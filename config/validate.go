package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"chainid/core/contract"
	chainerrors "chainid/core/errors"
	"chainid/core/ledger"
	"chainid/core/ledger/memledger"
	"chainid/core/rewards"
	"chainid/core/session"
	gatewaycfg "chainid/gateway/config"
)

// Validate reports the first invalid setting as a ConfigurationError.
func (c *Config) Validate() error {
	if c == nil {
		return chainerrors.Configuration("", "config is nil")
	}
	if strings.TrimSpace(c.Network.Name) == "" {
		return chainerrors.Configuration("network.name", "network name is required")
	}
	if strings.TrimSpace(c.Network.Endpoint) == "" && !c.InMemory() {
		return chainerrors.Configuration("network.endpoint", "ledger endpoint is required")
	}
	if env := strings.TrimSpace(c.Logging.Env); env != "" && !c.InMemory() {
		target, err := url.Parse(c.Network.Endpoint)
		if err != nil {
			return chainerrors.Configuration("network.endpoint", err.Error())
		}
		if _, _, err := gatewaycfg.EnforceSecureScheme(env, target, false); err != nil {
			return chainerrors.Configuration("network.endpoint", err.Error())
		}
		if idx := strings.TrimSpace(c.Network.IndexerEndpoint); idx != "" {
			target, err := url.Parse(idx)
			if err != nil {
				return chainerrors.Configuration("network.indexer_endpoint", err.Error())
			}
			if _, _, err := gatewaycfg.EnforceSecureScheme(env, target, false); err != nil {
				return chainerrors.Configuration("network.indexer_endpoint", err.Error())
			}
		}
	}
	if c.Network.Timeout < 0 {
		return chainerrors.Configuration("network.timeout", "must not be negative")
	}
	if c.Network.SubmitRate < 0 {
		return chainerrors.Configuration("network.submit_rate", "must not be negative")
	}
	mode, err := c.Mode()
	if err != nil {
		return err
	}
	if mode == session.ModePinned {
		if c.Contracts.IdentityAppID == 0 {
			return chainerrors.Configuration("contracts.identity_app_id", "pinned mode requires an application id")
		}
		if c.Contracts.PaymentAppID == 0 {
			return chainerrors.Configuration("contracts.payment_app_id", "pinned mode requires an application id")
		}
	}
	if _, err := c.Policies(); err != nil {
		return err
	}
	for i, known := range c.Contracts.Known {
		if strings.TrimSpace(known.Name) == "" {
			return chainerrors.Configuration(fmt.Sprintf("contracts.known[%d].name", i), "contract name is required")
		}
		if known.AppID == 0 {
			return chainerrors.Configuration(fmt.Sprintf("contracts.known[%d].app_id", i), "application id is required")
		}
	}
	if _, err := c.Catalog(); err != nil {
		return chainerrors.Configuration("platforms", err.Error())
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	if err := c.Gateway.Validate(); err != nil {
		return chainerrors.Configuration("gateway", err.Error())
	}
	return nil
}

// InMemory reports whether the session runs against the in-process ledger.
func (c *Config) InMemory() bool {
	return strings.EqualFold(strings.TrimSpace(c.Network.Name), memledger.Network)
}

// Mode parses contracts.mode.
func (c *Config) Mode() (session.Mode, error) {
	mode, err := session.ParseMode(c.Contracts.Mode)
	if err != nil {
		return mode, chainerrors.Configuration("contracts.mode", err.Error())
	}
	return mode, nil
}

// Policies parses the deploy-on-demand conflict policies.
func (c *Config) Policies() (contract.Policies, error) {
	onBreak, err := contract.ParsePolicy(c.Contracts.OnSchemaBreak)
	if err != nil {
		return contract.Policies{}, chainerrors.Configuration("contracts.on_schema_break", err.Error())
	}
	onUpdate, err := contract.ParsePolicy(c.Contracts.OnUpdate)
	if err != nil {
		return contract.Policies{}, chainerrors.Configuration("contracts.on_update", err.Error())
	}
	p := contract.Policies{OnSchemaBreak: onBreak, OnUpdate: onUpdate}
	if err := p.Validate(); err != nil {
		return contract.Policies{}, err
	}
	return p, nil
}

// Catalog builds the partner catalog.
func (c *Config) Catalog() (*rewards.Catalog, error) {
	return rewards.NewCatalog(c.Platforms...)
}

// LogLevel parses logging.level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	raw := strings.TrimSpace(c.Logging.Level)
	if raw == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return slog.LevelInfo, chainerrors.Configuration("logging.level", fmt.Sprintf("unknown level %q", raw))
	}
	return level, nil
}

// KnownReferences turns contracts.known into registry seeds.
func (c *Config) KnownReferences() []contract.AppReference {
	refs := make([]contract.AppReference, 0, len(c.Contracts.Known))
	for _, known := range c.Contracts.Known {
		refs = append(refs, contract.AppReference{
			Name:          strings.TrimSpace(known.Name),
			AppID:         known.AppID,
			SchemaVersion: strings.TrimSpace(known.Version),
			Status:        contract.StatusDeployed,
		})
	}
	return refs
}

// LedgerParams builds the facade parameters for signer.
func (c *Config) LedgerParams(signer ledger.Signer) ledger.Params {
	endpoint := c.Network.Endpoint
	if c.InMemory() && strings.TrimSpace(endpoint) == "" {
		endpoint = "memory://local"
	}
	return ledger.Params{
		Network:  c.Network.Name,
		Endpoint: endpoint,
		Token:    c.Network.Token,
		Sender:   c.Wallet.Address,

		IndexerEndpoint: c.Network.IndexerEndpoint,
		IndexerToken:    c.Network.IndexerToken,

		Signer:      signer,
		Timeout:     c.Network.Timeout,
		SubmitRate:  c.Network.SubmitRate,
		SubmitBurst: c.Network.SubmitBurst,
	}
}
