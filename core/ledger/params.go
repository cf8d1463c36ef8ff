package ledger

import (
	"strings"
	"time"

	chainerrors "chainid/core/errors"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultSubmitBurst = 1
)

// Params carries everything the network configuration loader and the wallet
// layer hand to the facade at session start.
type Params struct {
	Network  string
	Endpoint string
	Token    string
	Sender   string
	Signer   Signer

	// IndexerEndpoint is optional. Transports use it to recover creation
	// notes, which the node itself does not keep.
	IndexerEndpoint string
	IndexerToken    string

	// Timeout bounds every primitive call. Zero selects the default.
	Timeout time.Duration
	// SubmitRate caps submissions per second. Zero disables throttling.
	SubmitRate  float64
	SubmitBurst int
}

// Validate reports the first missing parameter as a ConfigurationError.
func (p Params) Validate() error {
	if strings.TrimSpace(p.Network) == "" {
		return chainerrors.Configuration("network", "network name is required")
	}
	if strings.TrimSpace(p.Endpoint) == "" {
		return chainerrors.Configuration("endpoint", "ledger endpoint is required")
	}
	if p.Signer == nil {
		return chainerrors.Configuration("signer", "transaction signer is required")
	}
	sender := strings.TrimSpace(p.Sender)
	if sender == "" {
		sender = strings.TrimSpace(p.Signer.Address())
	}
	if sender == "" {
		return chainerrors.Configuration("sender", "default sender address is required")
	}
	if p.Timeout < 0 {
		return chainerrors.Configuration("timeout", "must not be negative")
	}
	if p.SubmitRate < 0 {
		return chainerrors.Configuration("submit_rate", "must not be negative")
	}
	return nil
}

func (p Params) withDefaults() Params {
	p.Network = strings.TrimSpace(p.Network)
	p.Endpoint = strings.TrimSpace(p.Endpoint)
	p.IndexerEndpoint = strings.TrimSpace(p.IndexerEndpoint)
	p.Sender = strings.TrimSpace(p.Sender)
	if p.Sender == "" && p.Signer != nil {
		p.Sender = strings.TrimSpace(p.Signer.Address())
	}
	if p.Timeout == 0 {
		p.Timeout = defaultTimeout
	}
	if p.SubmitBurst <= 0 {
		p.SubmitBurst = defaultSubmitBurst
	}
	return p
}
