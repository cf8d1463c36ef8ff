// Package rewards pays partner platform rewards through the payment processor
// contract.
//
// A claim is paid to any non-empty claimant address. Eligibility is shown to
// the user through Descriptor.Eligible but is not re-verified against the
// identity registry before the payment is submitted.
package rewards

import (
	"context"
	"strings"

	"chainid/core/contract"
	chainerrors "chainid/core/errors"
	"chainid/core/ledger"
)

// Payment is a submitted reward payment. It is immutable once returned.
type Payment struct {
	Platform        string   `json:"platform"`
	Sender          string   `json:"sender"`
	Recipient       string   `json:"recipient"`
	AmountBaseUnits uint64   `json:"amountBaseUnits"`
	TxIDs           []string `json:"txIds"`
}

// PaymentArgs are the arguments of process_payment.
type PaymentArgs struct {
	Recipient       string
	AmountBaseUnits uint64
}

func (a PaymentArgs) values() []any {
	return []any{a.Recipient, a.AmountBaseUnits}
}

// Resolver yields the bound payment processor application.
type Resolver interface {
	Resolve(ctx context.Context, def *contract.Definition, knownAppID uint64) (*contract.Handle, error)
}

// Option configures a Service.
type Option func(*Service)

// WithAppID pins the payment processor application id. Zero selects
// deploy-on-demand.
func WithAppID(appID uint64) Option {
	return func(s *Service) { s.appID = appID }
}

// WithCatalog replaces the default partner catalog.
func WithCatalog(c *Catalog) Option {
	return func(s *Service) {
		if c != nil {
			s.catalog = c
		}
	}
}

// Service submits reward payments.
type Service struct {
	resolver Resolver
	def      *contract.Definition
	sender   string
	appID    uint64
	catalog  *Catalog
}

// NewService builds a service that pays from sender through the processor
// described by def.
func NewService(resolver Resolver, def *contract.Definition, sender string, opts ...Option) (*Service, error) {
	if resolver == nil {
		return nil, chainerrors.Configuration("resolver", "reward service requires a contract resolver")
	}
	if def == nil {
		return nil, chainerrors.Configuration("definition", "reward service requires the payment processor definition")
	}
	s := &Service{resolver: resolver, def: def, sender: sender, catalog: DefaultCatalog()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Catalog returns the partner catalog the service presents.
func (s *Service) Catalog() *Catalog { return s.catalog }

// Claim pays the amount at the head of descriptor to claimant. The claimant
// and the amount are checked before the processor is resolved, so a failed
// precondition or parse submits nothing. Each call is a new payment: there is
// no idempotency key.
func (s *Service) Claim(ctx context.Context, platform, descriptor, claimant string) (*Payment, error) {
	claimant = strings.TrimSpace(claimant)
	if claimant == "" {
		return nil, chainerrors.Precondition("no claimant address; connect a wallet first")
	}
	amount, err := ParseAmount(descriptor)
	if err != nil {
		return nil, err
	}
	h, err := s.resolver.Resolve(ctx, s.def, s.appID)
	if err != nil {
		return nil, err
	}
	args := PaymentArgs{Recipient: claimant, AmountBaseUnits: amount}
	res, err := h.Submit(ctx, "process_payment", args.values()...)
	if err != nil {
		return nil, err
	}
	return &Payment{
		Platform:        platform,
		Sender:          s.sender,
		Recipient:       claimant,
		AmountBaseUnits: amount,
		TxIDs:           res.TxIDs,
	}, nil
}

// ClaimPlatform claims the catalog reward of the platform identified by key.
func (s *Service) ClaimPlatform(ctx context.Context, key, claimant string) (*Payment, error) {
	p, ok := s.catalog.Lookup(key)
	if !ok {
		return nil, chainerrors.Validation("platform", "unknown platform %q", key)
	}
	return s.Claim(ctx, p.Name, p.Reward, claimant)
}

// TotalPayments reads the processor's payment counter.
func (s *Service) TotalPayments(ctx context.Context) (uint64, error) {
	h, err := s.resolver.Resolve(ctx, s.def, s.appID)
	if err != nil {
		return 0, err
	}
	v, err := h.Query(ctx, "get_total_payments")
	if err != nil {
		return 0, err
	}
	n, err := ledger.Uint64(v)
	if err != nil {
		return 0, chainerrors.Operation("get_total_payments", err)
	}
	return n, nil
}

// AppID returns the bound payment processor application id, resolving it if
// needed.
func (s *Service) AppID(ctx context.Context) (uint64, error) {
	h, err := s.resolver.Resolve(ctx, s.def, s.appID)
	if err != nil {
		return 0, err
	}
	return h.AppID(), nil
}
