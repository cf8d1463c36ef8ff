package contract

import (
	"strings"
	"sync"

	"chainid/core/ledger"
)

// Status describes an application reference as last observed.
type Status int

const (
	StatusMissing Status = iota
	StatusDeployed
	StatusSchemaMismatch
)

func (s Status) String() string {
	switch s {
	case StatusDeployed:
		return "Deployed"
	case StatusSchemaMismatch:
		return "SchemaMismatch"
	default:
		return "Missing"
	}
}

// MarshalText renders the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// AppReference identifies one deployed application instance of a contract.
// The AppID of a reference never changes; a schema conflict produces a new
// reference instead.
type AppReference struct {
	Name          string        `json:"name"`
	AppID         uint64        `json:"appId"`
	SchemaVersion string        `json:"schemaVersion"`
	Status        Status        `json:"status"`
	Schema        ledger.Schema `json:"schema"`
	ProgramDigest string        `json:"programDigest,omitempty"`
	Pinned        bool          `json:"pinned"`
	// RetireError is set when a replacement was deployed but this application
	// could not be deleted. It is still on the ledger.
	RetireError string `json:"retireError,omitempty"`
}

// Registry is the session-scoped record of which application is the live
// deployment of each contract, plus every reference seen before it. It is
// explicit process state: build it with NewRegistry, pre-populate it with
// Seed, clear it with Reset, and hand it to the resolver.
type Registry struct {
	mu      sync.RWMutex
	live    map[string]AppReference
	history map[string][]AppReference
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.Reset()
	return r
}

// Reset forgets every reference. Applications on the ledger are untouched.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live = make(map[string]AppReference)
	r.history = make(map[string][]AppReference)
}

// Seed records known deployments as live, for example app ids remembered by
// a previous development session.
func (r *Registry) Seed(refs ...AppReference) {
	for _, ref := range refs {
		if ref.Status == StatusMissing {
			ref.Status = StatusDeployed
		}
		r.record(ref)
	}
}

// Live returns the live reference for a contract name.
func (r *Registry) Live(name string) (AppReference, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref, ok := r.live[key(name)]
	return ref, ok
}

// History returns every reference recorded for name, oldest first, with their
// latest known status.
func (r *Registry) History(name string) []AppReference {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]AppReference(nil), r.history[key(name)]...)
}

// Lookup finds a reference by application id.
func (r *Registry) Lookup(appID uint64) (AppReference, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, refs := range r.history {
		for _, ref := range refs {
			if ref.AppID == appID {
				return ref, true
			}
		}
	}
	return AppReference{}, false
}

// record makes ref the live reference for its contract and upserts it into
// history.
func (r *Registry) record(ref AppReference) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(ref.Name)
	r.live[k] = ref
	r.upsertLocked(k, ref)
}

// observe records ref as seen through a pinned binding. A reference already
// in history keeps its entry and status. ref becomes live only when nothing
// else is, so binding an older instance by id never displaces the deployment
// the resolver manages. It returns the reference as stored.
func (r *Registry) observe(ref AppReference) AppReference {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(ref.Name)
	known := false
	for _, prev := range r.history[k] {
		if prev.AppID == ref.AppID {
			ref.Status = prev.Status
			known = true
			break
		}
	}
	if !known {
		r.history[k] = append(r.history[k], ref)
	}
	if live, ok := r.live[k]; (!ok || live.Pinned) && ref.Status == StatusDeployed {
		r.live[k] = ref
	}
	return ref
}

// retireFailed notes on a historical reference that deleting it failed.
func (r *Registry) retireFailed(name string, appID uint64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	refs := r.history[key(name)]
	for i := range refs {
		if refs[i].AppID == appID {
			refs[i].RetireError = err.Error()
		}
	}
}

// mark updates the status of a historical reference. If it was live, it stops
// being live.
func (r *Registry) mark(name string, appID uint64, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(name)
	refs := r.history[k]
	for i := range refs {
		if refs[i].AppID == appID {
			refs[i].Status = status
		}
	}
	if live, ok := r.live[k]; ok && live.AppID == appID && status != StatusDeployed {
		delete(r.live, k)
	}
}

func (r *Registry) upsertLocked(k string, ref AppReference) {
	refs := r.history[k]
	for i := range refs {
		if refs[i].AppID == ref.AppID {
			refs[i] = ref
			return
		}
	}
	r.history[k] = append(refs, ref)
}

func key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
