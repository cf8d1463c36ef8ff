// Package contract resolves which deployed application instance a service
// talks to. A pinned application id is bound directly; otherwise the resolver
// deploys on demand and applies the caller's policy when the live deployment
// has an incompatible schema or outdated programs.
package contract

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"

	chainerrors "chainid/core/errors"
	"chainid/core/ledger"
	"chainid/observability"
)

// Policy selects what happens when the live deployment conflicts with the
// current definition.
type Policy int

const (
	// Fail aborts the resolution with a DeploymentError.
	Fail Policy = iota
	// AppendApp deploys a new independent instance and leaves the old one
	// untouched and queryable.
	AppendApp
	// ReplaceApp deploys a new instance and deletes the old one.
	ReplaceApp
	// UpdateApp replaces the programs in place. Valid only for code updates:
	// a schema can never change after creation.
	UpdateApp
)

func (p Policy) String() string {
	switch p {
	case AppendApp:
		return "append"
	case ReplaceApp:
		return "replace"
	case UpdateApp:
		return "update"
	default:
		return "fail"
	}
}

// ParsePolicy accepts the names produced by String.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fail":
		return Fail, nil
	case "append", "append_app", "appendapp":
		return AppendApp, nil
	case "replace", "replace_app", "replaceapp":
		return ReplaceApp, nil
	case "update", "update_app", "updateapp":
		return UpdateApp, nil
	}
	return Fail, fmt.Errorf("unknown deploy policy %q", s)
}

// Policies pairs the schema-break and code-update choices.
type Policies struct {
	OnSchemaBreak Policy
	OnUpdate      Policy
}

// Validate rejects an in-place update for schema breaks.
func (p Policies) Validate() error {
	if p.OnSchemaBreak == UpdateApp {
		return chainerrors.Configuration("on_schema_break", "a schema break cannot be applied in place")
	}
	return nil
}

// Ledger is the slice of the ledger facade the resolver and its handles use.
type Ledger interface {
	Submit(ctx context.Context, appID uint64, method string, args ...any) (ledger.Result, error)
	Query(ctx context.Context, appID uint64, method string, args ...any) (any, error)
	AppInfo(ctx context.Context, appID uint64) (ledger.AppInfo, error)
	Compile(ctx context.Context, source []byte) ([]byte, error)
	CreateApp(ctx context.Context, program ledger.Program) (uint64, ledger.Result, error)
	UpdateApp(ctx context.Context, appID uint64, program ledger.Program) (ledger.Result, error)
	DeleteApp(ctx context.Context, appID uint64) (ledger.Result, error)
	CreatedApps(ctx context.Context) ([]ledger.CreatedApp, error)
}

// Handle is an application bound to its definition.
type Handle struct {
	ref    AppReference
	def    *Definition
	ledger Ledger
}

// AppID returns the bound application id.
func (h *Handle) AppID() uint64 { return h.ref.AppID }

// Reference returns the application reference behind the handle.
func (h *Handle) Reference() AppReference { return h.ref }

// Submit calls a state-changing method by name.
func (h *Handle) Submit(ctx context.Context, method string, args ...any) (ledger.Result, error) {
	sig, err := h.def.Signature(method)
	if err != nil {
		return ledger.Result{}, err
	}
	return h.ledger.Submit(ctx, h.ref.AppID, sig, args...)
}

// Query calls a read-only method by name.
func (h *Handle) Query(ctx context.Context, method string, args ...any) (any, error) {
	sig, err := h.def.Signature(method)
	if err != nil {
		return nil, err
	}
	return h.ledger.Query(ctx, h.ref.AppID, sig, args...)
}

// notePrefix starts the note of every creation transaction the resolver
// submits. The rest of the note is a JSON deployNote.
const notePrefix = "chainid:j"

type deployNote struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

func encodeNote(def *Definition) []byte {
	body, _ := json.Marshal(deployNote{Name: def.Name, Version: def.Version})
	return append([]byte(notePrefix), body...)
}

func decodeNote(note []byte) (deployNote, bool) {
	body, ok := bytes.CutPrefix(note, []byte(notePrefix))
	if !ok {
		return deployNote{}, false
	}
	var n deployNote
	if err := json.Unmarshal(body, &n); err != nil || n.Name == "" {
		return deployNote{}, false
	}
	return n, true
}

// compiled is a definition's program as the ledger stores it.
type compiled struct {
	program ledger.Program
	digest  string
}

// Resolver turns definitions into bound handles.
type Resolver struct {
	ledger   Ledger
	registry *Registry
	policies Policies

	locks    sync.Map
	programs sync.Map // *Definition -> compiled
}

// NewResolver builds a resolver over an explicit registry.
func NewResolver(l Ledger, registry *Registry, policies Policies) (*Resolver, error) {
	if l == nil {
		return nil, chainerrors.Configuration("ledger", "resolver requires a ledger client")
	}
	if registry == nil {
		return nil, chainerrors.Configuration("registry", "resolver requires an application registry")
	}
	if err := policies.Validate(); err != nil {
		return nil, err
	}
	return &Resolver{ledger: l, registry: registry, policies: policies}, nil
}

// Registry exposes the registry the resolver records into.
func (r *Resolver) Registry() *Registry { return r.registry }

// Resolve returns a handle for def. A non-zero knownAppID is bound directly
// after a reachability check: no deployment and no schema comparison happen
// on that path. A zero knownAppID selects deploy-on-demand.
func (r *Resolver) Resolve(ctx context.Context, def *Definition, knownAppID uint64) (*Handle, error) {
	if def == nil {
		return nil, chainerrors.Configuration("definition", "no contract definition supplied")
	}
	if knownAppID != 0 {
		return r.pinned(ctx, def, knownAppID)
	}
	mu := r.lockFor(def.Name)
	mu.Lock()
	defer mu.Unlock()
	return r.deploy(ctx, def)
}

func (r *Resolver) pinned(ctx context.Context, def *Definition, appID uint64) (*Handle, error) {
	if ref, ok := r.registry.Live(def.Name); ok && ref.AppID == appID && ref.Pinned {
		r.record(def.Name, "pinned", nil)
		return r.handle(ref, def), nil
	}
	info, err := r.ledger.AppInfo(ctx, appID)
	if err != nil {
		err = chainerrors.Deployment(chainerrors.NetworkFailure, def.Name, appID, fmt.Errorf("pinned application unreachable: %w", err))
		r.record(def.Name, "pinned", err)
		return nil, err
	}
	ref := r.registry.observe(AppReference{
		Name:          def.Name,
		AppID:         appID,
		SchemaVersion: def.Version,
		Status:        StatusDeployed,
		Schema:        info.Schema,
		ProgramDigest: ProgramDigest(info.ApprovalProgram, info.ClearProgram),
		Pinned:        true,
	})
	r.record(def.Name, "pinned", nil)
	return r.handle(ref, def), nil
}

func (r *Resolver) deploy(ctx context.Context, def *Definition) (*Handle, error) {
	c, err := r.compile(ctx, def)
	if err != nil {
		r.record(def.Name, "compile", err)
		return nil, err
	}

	current, ok := r.registry.Live(def.Name)
	if !ok || current.Pinned {
		found, info, err := r.discover(ctx, def)
		if err != nil {
			err = chainerrors.Deployment(chainerrors.NetworkFailure, def.Name, 0, fmt.Errorf("list created applications: %w", err))
			r.record(def.Name, "discover", err)
			return nil, err
		}
		if found.AppID == 0 {
			return r.create(ctx, def, c, "created")
		}
		r.registry.record(found)
		return r.reconcile(ctx, def, found, info, c, "discovered")
	}
	if current.ProgramDigest == c.digest && current.SchemaVersion == def.Version && current.Schema.Covers(def.Schema) {
		r.record(def.Name, "cached", nil)
		return r.handle(current, def), nil
	}

	info, err := r.ledger.AppInfo(ctx, current.AppID)
	switch {
	case stderrors.Is(err, ledger.ErrAppNotFound):
		r.registry.mark(def.Name, current.AppID, StatusMissing)
		return r.create(ctx, def, c, "created")
	case err != nil:
		err = chainerrors.Deployment(chainerrors.NetworkFailure, def.Name, current.AppID, err)
		r.record(def.Name, "lookup", err)
		return nil, err
	}
	return r.reconcile(ctx, def, current, info, c, "cached")
}

// discover looks for the newest application the sender created for def, as
// named by its creation note. A zero reference means there is none.
func (r *Resolver) discover(ctx context.Context, def *Definition) (AppReference, ledger.AppInfo, error) {
	apps, err := r.ledger.CreatedApps(ctx)
	if err != nil {
		return AppReference{}, ledger.AppInfo{}, err
	}
	var (
		ref  AppReference
		info ledger.AppInfo
	)
	for _, app := range apps {
		note, ok := decodeNote(app.Note)
		if !ok || key(note.Name) != key(def.Name) || app.AppID <= ref.AppID {
			continue
		}
		info = app.AppInfo
		ref = AppReference{
			Name:          def.Name,
			AppID:         app.AppID,
			SchemaVersion: note.Version,
			Status:        StatusDeployed,
			Schema:        app.Schema,
			ProgramDigest: ProgramDigest(app.ApprovalProgram, app.ClearProgram),
		}
	}
	return ref, info, nil
}

// reconcile compares the deployment current, as the ledger reports it in
// info, with def and applies the policies on a conflict.
func (r *Resolver) reconcile(ctx context.Context, def *Definition, current AppReference, info ledger.AppInfo, c compiled, path string) (*Handle, error) {
	current.Schema = info.Schema
	if !info.Schema.Covers(def.Schema) {
		return r.onSchemaBreak(ctx, def, current, c)
	}
	if ProgramDigest(info.ApprovalProgram, info.ClearProgram) != c.digest {
		return r.onUpdate(ctx, def, current, c)
	}
	current.SchemaVersion = def.Version
	current.ProgramDigest = c.digest
	current.Status = StatusDeployed
	r.registry.record(current)
	r.record(def.Name, path, nil)
	return r.handle(current, def), nil
}

func (r *Resolver) onSchemaBreak(ctx context.Context, def *Definition, current AppReference, c compiled) (*Handle, error) {
	r.registry.mark(def.Name, current.AppID, StatusSchemaMismatch)
	switch r.policies.OnSchemaBreak {
	case AppendApp:
		return r.create(ctx, def, c, "appended")
	case ReplaceApp:
		return r.replace(ctx, def, current, c)
	default:
		err := chainerrors.Deployment(chainerrors.SchemaBreak, def.Name, current.AppID,
			fmt.Errorf("deployed schema %+v does not cover %+v", current.Schema, def.Schema))
		r.record(def.Name, "schema_break", err)
		return nil, err
	}
}

func (r *Resolver) onUpdate(ctx context.Context, def *Definition, current AppReference, c compiled) (*Handle, error) {
	switch r.policies.OnUpdate {
	case UpdateApp:
		if _, err := r.ledger.UpdateApp(ctx, current.AppID, c.program); err != nil {
			err = chainerrors.Deployment(chainerrors.UpdateConflict, def.Name, current.AppID, err)
			r.record(def.Name, "updated", err)
			return nil, err
		}
		current.ProgramDigest = c.digest
		current.SchemaVersion = def.Version
		current.Status = StatusDeployed
		r.registry.record(current)
		r.record(def.Name, "updated", nil)
		return r.handle(current, def), nil
	case AppendApp:
		return r.create(ctx, def, c, "appended")
	case ReplaceApp:
		return r.replace(ctx, def, current, c)
	default:
		err := chainerrors.Deployment(chainerrors.UpdateConflict, def.Name, current.AppID,
			fmt.Errorf("deployed programs differ from version %s", def.Version))
		r.record(def.Name, "update_conflict", err)
		return nil, err
	}
}

// replace deploys the successor first so a failed retirement never leaves the
// contract without a live instance. Once the successor is live the
// resolution succeeds; a failed retirement is kept on the old reference.
func (r *Resolver) replace(ctx context.Context, def *Definition, old AppReference, c compiled) (*Handle, error) {
	h, err := r.create(ctx, def, c, "replaced")
	if err != nil {
		return nil, err
	}
	if _, err := r.ledger.DeleteApp(ctx, old.AppID); err != nil && !stderrors.Is(err, ledger.ErrAppNotFound) {
		err = chainerrors.Deployment(chainerrors.NetworkFailure, def.Name, old.AppID, fmt.Errorf("retire replaced application: %w", err))
		r.registry.retireFailed(def.Name, old.AppID, err)
		r.record(def.Name, "retire", err)
		return h, nil
	}
	r.registry.mark(def.Name, old.AppID, StatusMissing)
	return h, nil
}

func (r *Resolver) create(ctx context.Context, def *Definition, c compiled, path string) (*Handle, error) {
	appID, _, err := r.ledger.CreateApp(ctx, c.program)
	if err != nil {
		err = chainerrors.Deployment(chainerrors.NetworkFailure, def.Name, 0, err)
		r.record(def.Name, path, err)
		return nil, err
	}
	ref := AppReference{
		Name:          def.Name,
		AppID:         appID,
		SchemaVersion: def.Version,
		Status:        StatusDeployed,
		Schema:        def.Schema,
		ProgramDigest: c.digest,
	}
	r.registry.record(ref)
	r.record(def.Name, path, nil)
	return r.handle(ref, def), nil
}

// compile turns def into ledger bytes once per definition. Failures are not
// remembered.
func (r *Resolver) compile(ctx context.Context, def *Definition) (compiled, error) {
	if c, ok := r.programs.Load(def); ok {
		return c.(compiled), nil
	}
	approvalSrc, clearSrc, err := def.Sources()
	if err != nil {
		return compiled{}, err
	}
	approval, err := r.ledger.Compile(ctx, approvalSrc)
	if err != nil {
		return compiled{}, chainerrors.Deployment(chainerrors.NetworkFailure, def.Name, 0, fmt.Errorf("compile approval program: %w", err))
	}
	clearProg, err := r.ledger.Compile(ctx, clearSrc)
	if err != nil {
		return compiled{}, chainerrors.Deployment(chainerrors.NetworkFailure, def.Name, 0, fmt.Errorf("compile clear program: %w", err))
	}
	c := compiled{
		program: ledger.Program{
			Name:     def.Name,
			Approval: approval,
			Clear:    clearProg,
			Schema:   def.Schema,
			Note:     encodeNote(def),
		},
		digest: ProgramDigest(approval, clearProg),
	}
	r.programs.Store(def, c)
	return c, nil
}

func (r *Resolver) handle(ref AppReference, def *Definition) *Handle {
	return &Handle{ref: ref, def: def, ledger: r.ledger}
}

func (r *Resolver) lockFor(name string) *sync.Mutex {
	mu, _ := r.locks.LoadOrStore(key(name), &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (r *Resolver) record(contract, path string, err error) {
	observability.Resolver().RecordResolution(contract, path, chainerrors.Kind(err))
}
