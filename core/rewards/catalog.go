package rewards

import (
	"sort"
	"strings"
	"sync"

	chainerrors "chainid/core/errors"
)

// Platform is a partner that pays a reward for verified identities.
type Platform struct {
	Key         string `json:"key" toml:"key"`
	Name        string `json:"name" toml:"name"`
	Description string `json:"description" toml:"description"`
	Reward      string `json:"reward" toml:"reward"`
}

// Descriptor is how a platform's reward is presented to one user. It is
// derived per presentation and never stored.
type Descriptor struct {
	Key           string `json:"key"`
	Platform      string `json:"platform"`
	Description   string `json:"description,omitempty"`
	DisplayAmount string `json:"displayAmount"`
	Eligible      bool   `json:"eligible"`
}

// Catalog is the set of partner platforms. It is safe for concurrent use.
type Catalog struct {
	mu        sync.RWMutex
	platforms map[string]Platform
}

// NewCatalog validates and indexes platforms by key.
func NewCatalog(platforms ...Platform) (*Catalog, error) {
	c := &Catalog{platforms: make(map[string]Platform, len(platforms))}
	for _, p := range platforms {
		if err := c.Add(p); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// DefaultCatalog returns the three launch partners.
func DefaultCatalog() *Catalog {
	c, _ := NewCatalog(
		Platform{
			Key:         "dao",
			Name:        "AlgoDAO Governance",
			Description: "Participate in DAO voting and governance decisions",
			Reward:      "0.1 ALGO voting reward",
		},
		Platform{
			Key:         "defi",
			Name:        "AlgoFi DeFi Protocol",
			Description: "Lend, borrow, and earn yield on crypto assets",
			Reward:      "0.05 ALGO liquidity bonus",
		},
		Platform{
			Key:         "nft",
			Name:        "NFT Marketplace",
			Description: "Buy, sell, and trade verified NFT collections",
			Reward:      "0.02 ALGO creator reward",
		},
	)
	return c
}

// Add registers or replaces a platform. Its reward must parse.
func (c *Catalog) Add(p Platform) error {
	p.Key = strings.ToLower(strings.TrimSpace(p.Key))
	if p.Key == "" {
		return chainerrors.Validation("platform.key", "platform key is required")
	}
	if strings.ContainsAny(p.Key, " /:") {
		return chainerrors.Validation("platform.key", "platform key %q must not contain spaces, '/' or ':'", p.Key)
	}
	if strings.TrimSpace(p.Name) == "" {
		p.Name = p.Key
	}
	if _, err := ParseAmount(p.Reward); err != nil {
		return err
	}
	c.mu.Lock()
	c.platforms[p.Key] = p
	c.mu.Unlock()
	return nil
}

// Lookup finds a platform by key.
func (c *Catalog) Lookup(key string) (Platform, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.platforms[strings.ToLower(strings.TrimSpace(key))]
	return p, ok
}

// Platforms lists platforms sorted by key.
func (c *Catalog) Platforms() []Platform {
	c.mu.RLock()
	out := make([]Platform, 0, len(c.platforms))
	for _, p := range c.platforms {
		out = append(out, p)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Descriptors presents every platform. verified is whether the viewer has an
// identity the platform accepts; today that is wallet presence.
func (c *Catalog) Descriptors(verified bool) []Descriptor {
	platforms := c.Platforms()
	out := make([]Descriptor, 0, len(platforms))
	for _, p := range platforms {
		out = append(out, Descriptor{
			Key:           p.Key,
			Platform:      p.Name,
			Description:   p.Description,
			DisplayAmount: p.Reward,
			Eligible:      verified,
		})
	}
	return out
}
