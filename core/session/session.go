// Package session wires one user's ledger handle, contract resolver, services
// and action tracker together. Every user-facing action runs under its action
// key: it is admitted by the tracker, resolves its contract, submits through
// the facade and finishes with exactly one notification.
package session

import (
	"context"
	"fmt"
	"strings"

	"chainid/core/contract"
	chainerrors "chainid/core/errors"
	"chainid/core/identity"
	"chainid/core/rewards"
	"chainid/core/tracker"
)

// Action keys.
const (
	KeyRegister  = "register"
	KeyLoadStats = "loadStats"
	KeyDeploy    = "deploy"
	KeyHello     = "hello"
	KeyAdmin     = "admin"

	claimKeyPrefix = "claim:"
)

// ClaimKey is the action key of a claim against platform.
func ClaimKey(platform string) string {
	return claimKeyPrefix + strings.ToLower(strings.TrimSpace(platform))
}

// Mode selects how contracts are bound.
type Mode int

const (
	// ModePinned binds known application ids and never deploys.
	ModePinned Mode = iota
	// ModeDeploy deploys on demand and applies the conflict policies.
	ModeDeploy
)

func (m Mode) String() string {
	if m == ModeDeploy {
		return "deploy"
	}
	return "pinned"
}

// ParseMode accepts "pinned" or "deploy".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "pinned":
		return ModePinned, nil
	case "deploy", "deploy_on_demand":
		return ModeDeploy, nil
	}
	return ModePinned, fmt.Errorf("unknown session mode %q", s)
}

// Ledger is the facade surface a session needs.
type Ledger interface {
	contract.Ledger
	Network() string
	Sender() string
}

// Config describes a session.
type Config struct {
	Mode Mode
	// Application ids bound in ModePinned.
	IdentityAppID uint64
	PaymentAppID  uint64
	Policies      contract.Policies

	IdentityDefinition *contract.Definition
	PaymentDefinition  *contract.Definition

	// Registry carries references from earlier in the process. A fresh one
	// is created when nil.
	Registry     *contract.Registry
	Notifier     tracker.Notifier
	Catalog      *rewards.Catalog
	AddressCheck func(string) error
}

// Validate reports missing definitions or pinned ids.
func (c Config) Validate() error {
	if c.IdentityDefinition == nil {
		return chainerrors.Configuration("identity_definition", "identity registry definition is required")
	}
	if c.PaymentDefinition == nil {
		return chainerrors.Configuration("payment_definition", "payment processor definition is required")
	}
	if c.Mode == ModePinned {
		if c.IdentityAppID == 0 {
			return chainerrors.Configuration("identity_app_id", "pinned mode requires the identity registry app id")
		}
		if c.PaymentAppID == 0 {
			return chainerrors.Configuration("payment_app_id", "pinned mode requires the payment processor app id")
		}
	}
	return c.Policies.Validate()
}

// Session is safe for concurrent use. Distinct action keys run independently;
// the same key is never in flight twice.
type Session struct {
	ledger   Ledger
	mode     Mode
	resolver *contract.Resolver
	tracker  *tracker.Tracker
	identity *identity.Service
	rewards  *rewards.Service

	identityDef *contract.Definition
	paymentDef  *contract.Definition
}

// New builds a session over a configured ledger client.
func New(l Ledger, cfg Config) (*Session, error) {
	if l == nil {
		return nil, chainerrors.Configuration("ledger", "session requires a configured ledger client")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	registry := cfg.Registry
	if registry == nil {
		registry = contract.NewRegistry()
	}
	resolver, err := contract.NewResolver(l, registry, cfg.Policies)
	if err != nil {
		return nil, err
	}

	identityAppID, paymentAppID := cfg.IdentityAppID, cfg.PaymentAppID
	if cfg.Mode == ModeDeploy {
		identityAppID, paymentAppID = 0, 0
	}
	idOpts := []identity.Option{identity.WithAppID(identityAppID)}
	if cfg.AddressCheck != nil {
		idOpts = append(idOpts, identity.WithAddressCheck(cfg.AddressCheck))
	}
	ids, err := identity.NewService(resolver, cfg.IdentityDefinition, idOpts...)
	if err != nil {
		return nil, err
	}
	rw, err := rewards.NewService(resolver, cfg.PaymentDefinition, l.Sender(),
		rewards.WithAppID(paymentAppID), rewards.WithCatalog(cfg.Catalog))
	if err != nil {
		return nil, err
	}
	return &Session{
		ledger:      l,
		mode:        cfg.Mode,
		resolver:    resolver,
		tracker:     tracker.New(cfg.Notifier),
		identity:    ids,
		rewards:     rw,
		identityDef: cfg.IdentityDefinition,
		paymentDef:  cfg.PaymentDefinition,
	}, nil
}

// Mode returns the binding mode.
func (s *Session) Mode() Mode { return s.mode }

// Sender returns the connected wallet address.
func (s *Session) Sender() string { return s.ledger.Sender() }

// Network returns the network name.
func (s *Session) Network() string { return s.ledger.Network() }

// Tracker exposes the action tracker.
func (s *Session) Tracker() *tracker.Tracker { return s.tracker }

// Identity exposes the identity service for reads that need no action key.
func (s *Session) Identity() *identity.Service { return s.identity }

// Rewards exposes the reward service.
func (s *Session) Rewards() *rewards.Service { return s.rewards }

// Registry exposes the application registry.
func (s *Session) Registry() *contract.Registry { return s.resolver.Registry() }

// Registration is the outcome of Register.
type Registration struct {
	identity.Record
	Tier  string   `json:"tier"`
	TxIDs []string `json:"txIds"`
}

// Register registers address at level under the "register" key.
func (s *Session) Register(ctx context.Context, address string, level identity.Level) (*Registration, error) {
	var reg *Registration
	err := s.tracker.Do(ctx, KeyRegister, func(ctx context.Context) (string, error) {
		ids, err := s.identity.RegisterIdentity(ctx, address, level)
		if err != nil {
			return "", err
		}
		reg = &Registration{
			Record: identity.Record{Address: strings.TrimSpace(address), Level: level},
			Tier:   level.String(),
			TxIDs:  ids,
		}
		return fmt.Sprintf("Identity registered at %s level. TX: %s", level, firstTx(ids)), nil
	})
	return reg, err
}

// LoadStats reloads the verified user count under the "loadStats" key.
func (s *Session) LoadStats(ctx context.Context) (uint64, error) {
	var count uint64
	err := s.tracker.Do(ctx, KeyLoadStats, func(ctx context.Context) (string, error) {
		n, err := s.identity.VerifiedUserCount(ctx)
		if err != nil {
			return "", err
		}
		count = n
		return fmt.Sprintf("%d verified users", n), nil
	})
	return count, err
}

// Stats are the aggregate counters of both contracts.
type Stats struct {
	VerifiedUsers uint64 `json:"verifiedUsers"`
	TotalPayments uint64 `json:"totalPayments"`
}

// LoadAllStats reloads the verified user count under the "loadStats" key and
// reads the payment counter alongside it.
func (s *Session) LoadAllStats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.tracker.Do(ctx, KeyLoadStats, func(ctx context.Context) (string, error) {
		n, err := s.identity.VerifiedUserCount(ctx)
		if err != nil {
			return "", err
		}
		total, err := s.rewards.TotalPayments(ctx)
		if err != nil {
			return "", err
		}
		stats = Stats{VerifiedUsers: n, TotalPayments: total}
		return fmt.Sprintf("%d verified users, %d payments", n, total), nil
	})
	return stats, err
}

// Hello calls the registry's greeting method under the "hello" key. It is
// the quickest end-to-end check that the registry is deployed and callable.
func (s *Session) Hello(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "chainid"
	}
	var greeting string
	err := s.tracker.Do(ctx, KeyHello, func(ctx context.Context) (string, error) {
		g, err := s.identity.Hello(ctx, name)
		if err != nil {
			return "", err
		}
		greeting = g
		return "Contract says: " + g, nil
	})
	return greeting, err
}

// Verify reports whether address holds a registered identity. It is a read
// and runs under no action key.
func (s *Session) Verify(ctx context.Context, address string) (bool, error) {
	return s.identity.VerifyIdentity(ctx, address)
}

// AdminAction names a registry administration call.
type AdminAction string

const (
	AdminPause    AdminAction = "pause"
	AdminUnpause  AdminAction = "unpause"
	AdminSetAdmin AdminAction = "set-admin"
)

// AdminState is the administrative state of the registry.
type AdminState struct {
	Admin  string   `json:"admin"`
	Paused bool     `json:"paused"`
	TxIDs  []string `json:"txIds,omitempty"`
}

// Administer runs action against the registry under the "admin" key and
// returns the resulting state. address is used only by AdminSetAdmin.
func (s *Session) Administer(ctx context.Context, action AdminAction, address string) (*AdminState, error) {
	var state *AdminState
	err := s.tracker.Do(ctx, KeyAdmin, func(ctx context.Context) (string, error) {
		var (
			ids []string
			err error
		)
		switch action {
		case AdminPause:
			ids, err = s.identity.Pause(ctx)
		case AdminUnpause:
			ids, err = s.identity.Unpause(ctx)
		case AdminSetAdmin:
			ids, err = s.identity.SetAdmin(ctx, address)
		default:
			err = chainerrors.Validation("action", "unknown admin action %q", action)
		}
		if err != nil {
			return "", err
		}
		st, err := s.adminState(ctx)
		if err != nil {
			return "", err
		}
		st.TxIDs = ids
		state = st
		return fmt.Sprintf("Registry %s done. TX: %s", action, firstTx(ids)), nil
	})
	return state, err
}

// AdminStatus reads the registry administrator and pause flag.
func (s *Session) AdminStatus(ctx context.Context) (*AdminState, error) {
	return s.adminState(ctx)
}

func (s *Session) adminState(ctx context.Context) (*AdminState, error) {
	admin, err := s.identity.Admin(ctx)
	if err != nil {
		return nil, err
	}
	paused, err := s.identity.IsPaused(ctx)
	if err != nil {
		return nil, err
	}
	return &AdminState{Admin: admin, Paused: paused}, nil
}

// Claim pays the catalog reward of platform to claimant under the
// "claim:<platform>" key.
func (s *Session) Claim(ctx context.Context, platform, claimant string) (*rewards.Payment, error) {
	p, ok := s.rewards.Catalog().Lookup(platform)
	if !ok {
		return nil, chainerrors.Validation("platform", "unknown platform %q", platform)
	}
	return s.claim(ctx, ClaimKey(p.Key), p.Name, p.Reward, claimant)
}

// ClaimDescriptor pays an explicit reward descriptor under the key of
// platform.
func (s *Session) ClaimDescriptor(ctx context.Context, platform, descriptor, claimant string) (*rewards.Payment, error) {
	return s.claim(ctx, ClaimKey(platform), platform, descriptor, claimant)
}

func (s *Session) claim(ctx context.Context, key, platform, descriptor, claimant string) (*rewards.Payment, error) {
	var payment *rewards.Payment
	err := s.tracker.Do(ctx, key, func(ctx context.Context) (string, error) {
		p, err := s.rewards.Claim(ctx, platform, descriptor, claimant)
		if err != nil {
			return "", err
		}
		payment = p
		return fmt.Sprintf("%s ALGO claimed from %s! TX: %s", rewards.FormatAmount(p.AmountBaseUnits), platform, firstTx(p.TxIDs)), nil
	})
	return payment, err
}

// Platforms presents the catalog to claimant. Any connected wallet counts as
// verified.
func (s *Session) Platforms(claimant string) []rewards.Descriptor {
	return s.rewards.Catalog().Descriptors(strings.TrimSpace(claimant) != "")
}

// Deploy resolves both contracts under the "deploy" key and returns their
// live references.
func (s *Session) Deploy(ctx context.Context) ([]contract.AppReference, error) {
	var refs []contract.AppReference
	err := s.tracker.Do(ctx, KeyDeploy, func(ctx context.Context) (string, error) {
		refs = refs[:0]
		for _, target := range []struct {
			def   *contract.Definition
			appID func(context.Context) (uint64, error)
		}{
			{s.identityDef, s.identity.AppID},
			{s.paymentDef, s.rewards.AppID},
		} {
			if _, err := target.appID(ctx); err != nil {
				return "", err
			}
			ref, ok := s.Registry().Live(target.def.Name)
			if !ok {
				return "", chainerrors.Deployment(chainerrors.NetworkFailure, target.def.Name, 0, fmt.Errorf("no live reference after resolution"))
			}
			refs = append(refs, ref)
		}
		parts := make([]string, 0, len(refs))
		for _, ref := range refs {
			parts = append(parts, fmt.Sprintf("%s=%d", ref.Name, ref.AppID))
		}
		return "Contracts ready: " + strings.Join(parts, ", "), nil
	})
	return refs, err
}

func firstTx(ids []string) string {
	if len(ids) == 0 {
		return "-"
	}
	return ids[0]
}
