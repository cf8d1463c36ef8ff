// Package identity registers reusable identity records with the identity
// registry contract and reads its aggregate counters.
package identity

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"chainid/core/contract"
	chainerrors "chainid/core/errors"
	"chainid/core/ledger"
)

// Level is the depth of identity checks a record attests to.
type Level uint64

const (
	LevelBasic    Level = 1
	LevelEnhanced Level = 2
	LevelPremium  Level = 3
)

// Valid reports whether l is one of the three tiers.
func (l Level) Valid() bool {
	return l >= LevelBasic && l <= LevelPremium
}

func (l Level) String() string {
	switch l {
	case LevelBasic:
		return "Basic"
	case LevelEnhanced:
		return "Enhanced"
	case LevelPremium:
		return "Premium"
	default:
		return fmt.Sprintf("Level(%d)", uint64(l))
	}
}

// ParseLevel accepts a tier number or name.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "basic":
		return LevelBasic, nil
	case "2", "enhanced":
		return LevelEnhanced, nil
	case "3", "premium":
		return LevelPremium, nil
	}
	return 0, chainerrors.Validation("level", "unknown verification level %q", s)
}

// Record is an identity as the registry stores it.
type Record struct {
	Address string `json:"address"`
	Level   Level  `json:"level"`
}

// RegisterArgs are the arguments of register_identity.
type RegisterArgs struct {
	Address string
	Level   Level
}

// Validate rejects arguments the contract would refuse.
func (a RegisterArgs) Validate() error {
	if !a.Level.Valid() {
		return chainerrors.Validation("level", "verification level must be 1, 2 or 3, got %d", uint64(a.Level))
	}
	if strings.TrimSpace(a.Address) == "" {
		return chainerrors.Validation("address", "address is required")
	}
	return nil
}

func (a RegisterArgs) values() []any {
	return []any{a.Address, uint64(a.Level)}
}

// Resolver yields the bound registry application.
type Resolver interface {
	Resolve(ctx context.Context, def *contract.Definition, knownAppID uint64) (*contract.Handle, error)
}

// Option configures a Service.
type Option func(*Service)

// WithAppID pins the registry application id. Zero selects deploy-on-demand.
func WithAppID(appID uint64) Option {
	return func(s *Service) { s.appID = appID }
}

// WithAddressCheck installs a network specific address validator used before
// anything is resolved or submitted.
func WithAddressCheck(check func(string) error) Option {
	return func(s *Service) { s.checkAddress = check }
}

// Service talks to the identity registry.
type Service struct {
	resolver     Resolver
	def          *contract.Definition
	appID        uint64
	checkAddress func(string) error

	mu          sync.RWMutex
	cachedCount uint64
	cacheValid  bool
}

// NewService builds a service for the registry described by def.
func NewService(resolver Resolver, def *contract.Definition, opts ...Option) (*Service, error) {
	if resolver == nil {
		return nil, chainerrors.Configuration("resolver", "identity service requires a contract resolver")
	}
	if def == nil {
		return nil, chainerrors.Configuration("definition", "identity service requires the registry definition")
	}
	s := &Service{resolver: resolver, def: def}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RegisterIdentity submits register_identity(address, level) and returns the
// transaction ids. Arguments are validated before the registry is resolved,
// so invalid input never reaches the ledger. The advisory user count is not
// touched; refresh it with VerifiedUserCount.
func (s *Service) RegisterIdentity(ctx context.Context, address string, level Level) ([]string, error) {
	args := RegisterArgs{Address: strings.TrimSpace(address), Level: level}
	if err := args.Validate(); err != nil {
		return nil, err
	}
	if err := s.validAddress(args.Address); err != nil {
		return nil, err
	}
	h, err := s.handle(ctx)
	if err != nil {
		return nil, err
	}
	res, err := h.Submit(ctx, "register_identity", args.values()...)
	if err != nil {
		return nil, err
	}
	return res.TxIDs, nil
}

// VerifiedUserCount queries the registry's aggregate registration count and
// refreshes the advisory cache.
func (s *Service) VerifiedUserCount(ctx context.Context) (uint64, error) {
	h, err := s.handle(ctx)
	if err != nil {
		return 0, err
	}
	v, err := h.Query(ctx, "get_total_verified_users")
	if err != nil {
		return 0, err
	}
	n, err := ledger.Uint64(v)
	if err != nil {
		return 0, chainerrors.Operation("get_total_verified_users", err)
	}
	s.mu.Lock()
	s.cachedCount = n
	s.cacheValid = true
	s.mu.Unlock()
	return n, nil
}

// CachedUserCount returns the last count read by VerifiedUserCount. It may be
// stale; ok is false before the first successful query.
func (s *Service) CachedUserCount() (count uint64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cachedCount, s.cacheValid
}

// VerifyIdentity asks the registry whether address is verified.
func (s *Service) VerifyIdentity(ctx context.Context, address string) (bool, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return false, chainerrors.Validation("address", "address is required")
	}
	if err := s.validAddress(address); err != nil {
		return false, err
	}
	v, err := s.query(ctx, "verify_identity", address)
	if err != nil {
		return false, err
	}
	ok, err := ledger.Bool(v)
	if err != nil {
		return false, chainerrors.Operation("verify_identity", err)
	}
	return ok, nil
}

// Admin returns the registry administrator address.
func (s *Service) Admin(ctx context.Context) (string, error) {
	v, err := s.query(ctx, "get_admin")
	if err != nil {
		return "", err
	}
	admin, err := ledger.String(v)
	if err != nil {
		return "", chainerrors.Operation("get_admin", err)
	}
	return admin, nil
}

// IsPaused reports whether the registry refuses registrations.
func (s *Service) IsPaused(ctx context.Context) (bool, error) {
	v, err := s.query(ctx, "is_paused")
	if err != nil {
		return false, err
	}
	paused, err := ledger.Bool(v)
	if err != nil {
		return false, chainerrors.Operation("is_paused", err)
	}
	return paused, nil
}

// Pause stops registrations. Only the administrator may call it.
func (s *Service) Pause(ctx context.Context) ([]string, error) {
	return s.submit(ctx, "pause_contract")
}

// Unpause resumes registrations. Only the administrator may call it.
func (s *Service) Unpause(ctx context.Context) ([]string, error) {
	return s.submit(ctx, "unpause_contract")
}

// SetAdmin hands administration to address.
func (s *Service) SetAdmin(ctx context.Context, address string) ([]string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, chainerrors.Validation("address", "address is required")
	}
	if err := s.validAddress(address); err != nil {
		return nil, err
	}
	return s.submit(ctx, "set_admin", address)
}

// Hello calls the registry greeting to confirm the deployed app answers.
func (s *Service) Hello(ctx context.Context, name string) (string, error) {
	v, err := s.query(ctx, "hello", name)
	if err != nil {
		return "", err
	}
	greeting, err := ledger.String(v)
	if err != nil {
		return "", chainerrors.Operation("hello", err)
	}
	return greeting, nil
}

// AppID returns the bound registry application id, resolving it if needed.
func (s *Service) AppID(ctx context.Context) (uint64, error) {
	h, err := s.handle(ctx)
	if err != nil {
		return 0, err
	}
	return h.AppID(), nil
}

func (s *Service) submit(ctx context.Context, method string, args ...any) ([]string, error) {
	h, err := s.handle(ctx)
	if err != nil {
		return nil, err
	}
	res, err := h.Submit(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	return res.TxIDs, nil
}

func (s *Service) query(ctx context.Context, method string, args ...any) (any, error) {
	h, err := s.handle(ctx)
	if err != nil {
		return nil, err
	}
	return h.Query(ctx, method, args...)
}

func (s *Service) handle(ctx context.Context) (*contract.Handle, error) {
	return s.resolver.Resolve(ctx, s.def, s.appID)
}

func (s *Service) validAddress(address string) error {
	if s.checkAddress == nil {
		return nil
	}
	if err := s.checkAddress(address); err != nil {
		return chainerrors.Validation("address", "%v", err)
	}
	return nil
}
