// Package memledger is an in-process ledger transport. It executes the rules of
// the identity registry and payment processor contracts against in-memory
// application state so sessions can run without a network, and tests can
// count exactly what was submitted.
package memledger

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"chainid/core/ledger"
)

const (
	firstAppID = 1000
	// Network is the name sessions use to select this transport.
	Network = "memory"
)

// Invocation is one confirmed method call recorded by the ledger.
type Invocation struct {
	TxID   string
	AppID  uint64
	Method string
	Sender string
	Args   []any
}

// App is the ledger-side state of one application.
type App struct {
	ID       uint64
	Name     string
	Creator  string
	Schema   ledger.Schema
	Approval []byte
	Clear    []byte
	Note     []byte
	Deleted  bool
	Global   map[string]any
}

// Hook runs before a submission is applied. Returning an error aborts the
// submission; blocking holds it in flight.
type Hook func(ctx context.Context, call ledger.Call) error

// Option configures a Ledger.
type Option func(*Ledger)

// WithContract registers (or replaces) the behaviour bound to a contract name.
func WithContract(contract Contract) Option {
	return func(l *Ledger) {
		l.contracts[contract.Name] = contract
	}
}

// WithSubmitHook installs a hook that runs before every submission.
func WithSubmitHook(hook Hook) Option {
	return func(l *Ledger) {
		l.hook = hook
	}
}

// Ledger is a Transport backed by process memory. It is safe for concurrent
// use.
type Ledger struct {
	mu          sync.Mutex
	contracts   map[string]Contract
	apps        map[uint64]*App
	log         []Invocation
	nextApp     uint64
	nextTx      uint64
	round       uint64
	submissions int
	failNext    error
	hook        Hook
	closed      bool
}

// New builds a ledger with the identity registry and payment processor
// behaviours registered.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		contracts: map[string]Contract{
			IdentityRegistry.Name: IdentityRegistry,
			PaymentProcessor.Name: PaymentProcessor,
		},
		apps:    make(map[uint64]*App),
		nextApp: firstAppID,
		round:   1,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Dial returns a DialFunc that always hands out this ledger.
func (l *Ledger) Dial() ledger.DialFunc {
	return func(ledger.Params) (ledger.Transport, error) {
		return l, nil
	}
}

// FailNext makes the next Submit return err without applying anything.
func (l *Ledger) FailNext(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext = err
}

// Submissions reports how many submissions reached the ledger, including
// rejected ones.
func (l *Ledger) Submissions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.submissions
}

// Invocations returns the confirmed calls against appID whose method name
// matches method. An empty method matches everything.
func (l *Ledger) Invocations(appID uint64, method string) []Invocation {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Invocation
	for _, inv := range l.log {
		if inv.AppID != appID {
			continue
		}
		if method != "" && inv.Method != method {
			continue
		}
		out = append(out, inv)
	}
	return out
}

// Global returns a snapshot of an application's global state value.
func (l *Ledger) Global(appID uint64, key string) (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	app, ok := l.apps[appID]
	if !ok {
		return nil, false
	}
	v, ok := app.Global[key]
	return v, ok
}

// Install creates an application directly, bypassing signing. Tests use it to
// stage prior deployments.
func (l *Ledger) Install(program ledger.Program, creator string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	app, err := l.createLocked(program, creator)
	if err != nil {
		return 0, err
	}
	return app.ID, nil
}

// Submit implements ledger.Transport.
func (l *Ledger) Submit(ctx context.Context, call ledger.Call) (ledger.Result, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Result{}, err
	}
	if l.hook != nil {
		if err := l.hook(ctx, call); err != nil {
			l.mu.Lock()
			l.submissions++
			l.mu.Unlock()
			return ledger.Result{}, err
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.submissions++
	if err := l.takeFailureLocked(); err != nil {
		return ledger.Result{}, err
	}
	app, method, err := l.lookupLocked(call)
	if err != nil {
		return ledger.Result{}, err
	}
	value, err := method.Invoke(app, call.Sender, call.Args)
	if err != nil {
		return ledger.Result{}, err
	}
	txID := l.recordLocked(call)
	return ledger.Result{TxIDs: []string{txID}, Return: value, ConfirmedRound: l.round}, nil
}

// Query implements ledger.Transport. Only read-only methods are accepted.
func (l *Ledger) Query(ctx context.Context, call ledger.Call) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, fmt.Errorf("memledger: closed")
	}
	app, method, err := l.lookupLocked(call)
	if err != nil {
		return nil, err
	}
	if !method.ReadOnly {
		return nil, ledger.Reject("%s mutates state and cannot be queried", methodName(call.Method))
	}
	return method.Invoke(app, call.Sender, call.Args)
}

// AppInfo implements ledger.Transport.
func (l *Ledger) AppInfo(ctx context.Context, appID uint64) (ledger.AppInfo, error) {
	if err := ctx.Err(); err != nil {
		return ledger.AppInfo{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	app, ok := l.apps[appID]
	if !ok || app.Deleted {
		return ledger.AppInfo{}, fmt.Errorf("app %d: %w", appID, ledger.ErrAppNotFound)
	}
	return ledger.AppInfo{
		AppID:           app.ID,
		Creator:         app.Creator,
		Schema:          app.Schema,
		ApprovalProgram: append([]byte(nil), app.Approval...),
		ClearProgram:    append([]byte(nil), app.Clear...),
	}, nil
}

// Compile implements ledger.Transport. Programs are stored verbatim.
func (l *Ledger) Compile(ctx context.Context, source []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(source) == 0 {
		return nil, ledger.Reject("empty program")
	}
	return append([]byte(nil), source...), nil
}

// CreateApp implements ledger.Transport.
func (l *Ledger) CreateApp(ctx context.Context, program ledger.Program, sender string, _ ledger.Signer) (uint64, ledger.Result, error) {
	if err := ctx.Err(); err != nil {
		return 0, ledger.Result{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.takeFailureLocked(); err != nil {
		return 0, ledger.Result{}, err
	}
	app, err := l.createLocked(program, sender)
	if err != nil {
		return 0, ledger.Result{}, err
	}
	txID := l.recordLocked(ledger.Call{AppID: app.ID, Method: "create", Sender: sender})
	return app.ID, ledger.Result{TxIDs: []string{txID}, ConfirmedRound: l.round}, nil
}

// UpdateApp implements ledger.Transport. The schema of an application can
// never change after creation.
func (l *Ledger) UpdateApp(ctx context.Context, appID uint64, program ledger.Program, sender string, _ ledger.Signer) (ledger.Result, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Result{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.takeFailureLocked(); err != nil {
		return ledger.Result{}, err
	}
	app, ok := l.apps[appID]
	if !ok || app.Deleted {
		return ledger.Result{}, fmt.Errorf("app %d: %w", appID, ledger.ErrAppNotFound)
	}
	if app.Creator != sender {
		return ledger.Result{}, ledger.Reject("only the creator may update app %d", appID)
	}
	app.Approval = append([]byte(nil), program.Approval...)
	app.Clear = append([]byte(nil), program.Clear...)
	txID := l.recordLocked(ledger.Call{AppID: appID, Method: "update", Sender: sender})
	return ledger.Result{TxIDs: []string{txID}, ConfirmedRound: l.round}, nil
}

// DeleteApp implements ledger.Transport.
func (l *Ledger) DeleteApp(ctx context.Context, appID uint64, sender string, _ ledger.Signer) (ledger.Result, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Result{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.takeFailureLocked(); err != nil {
		return ledger.Result{}, err
	}
	app, ok := l.apps[appID]
	if !ok || app.Deleted {
		return ledger.Result{}, fmt.Errorf("app %d: %w", appID, ledger.ErrAppNotFound)
	}
	if app.Creator != sender {
		return ledger.Result{}, ledger.Reject("only the creator may delete app %d", appID)
	}
	app.Deleted = true
	txID := l.recordLocked(ledger.Call{AppID: appID, Method: "delete", Sender: sender})
	return ledger.Result{TxIDs: []string{txID}, ConfirmedRound: l.round}, nil
}

// CreatedApps implements ledger.Transport. Applications are listed in
// creation order with the note they were created with.
func (l *Ledger) CreatedApps(ctx context.Context, creator string) ([]ledger.CreatedApp, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, fmt.Errorf("memledger: closed")
	}
	var out []ledger.CreatedApp
	for id := uint64(firstAppID) + 1; id <= l.nextApp; id++ {
		app, ok := l.apps[id]
		if !ok || app.Deleted || app.Creator != creator {
			continue
		}
		out = append(out, ledger.CreatedApp{
			AppInfo: ledger.AppInfo{
				AppID:           app.ID,
				Creator:         app.Creator,
				Schema:          app.Schema,
				ApprovalProgram: append([]byte(nil), app.Approval...),
				ClearProgram:    append([]byte(nil), app.Clear...),
			},
			Note: append([]byte(nil), app.Note...),
		})
	}
	return out, nil
}

// Close implements ledger.Transport.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *Ledger) createLocked(program ledger.Program, creator string) (*App, error) {
	contract, ok := l.contracts[program.Name]
	if !ok {
		return nil, ledger.Reject("no contract behaviour registered for %q", program.Name)
	}
	if strings.TrimSpace(creator) == "" {
		return nil, ledger.Reject("creator address required")
	}
	l.nextApp++
	app := &App{
		ID:       l.nextApp,
		Name:     program.Name,
		Creator:  creator,
		Schema:   program.Schema,
		Approval: append([]byte(nil), program.Approval...),
		Clear:    append([]byte(nil), program.Clear...),
		Note:     append([]byte(nil), program.Note...),
		Global:   make(map[string]any),
	}
	if contract.Init != nil {
		contract.Init(app)
	}
	l.apps[app.ID] = app
	return app, nil
}

func (l *Ledger) lookupLocked(call ledger.Call) (*App, Method, error) {
	app, ok := l.apps[call.AppID]
	if !ok {
		return nil, Method{}, fmt.Errorf("app %d: %w", call.AppID, ledger.ErrAppNotFound)
	}
	if app.Deleted {
		return nil, Method{}, ledger.Reject("application %d has been deleted", call.AppID)
	}
	contract := l.contracts[app.Name]
	name := methodName(call.Method)
	method, ok := contract.Methods[name]
	if !ok {
		return nil, Method{}, ledger.Reject("%s has no method %q", app.Name, name)
	}
	return app, method, nil
}

func (l *Ledger) takeFailureLocked() error {
	if l.closed {
		return fmt.Errorf("memledger: closed")
	}
	err := l.failNext
	l.failNext = nil
	return err
}

func (l *Ledger) recordLocked(call ledger.Call) string {
	l.nextTx++
	l.round++
	txID := fmt.Sprintf("MEMTX%011d", l.nextTx)
	l.log = append(l.log, Invocation{
		TxID:   txID,
		AppID:  call.AppID,
		Method: methodName(call.Method),
		Sender: call.Sender,
		Args:   append([]any(nil), call.Args...),
	})
	return txID
}

func methodName(signature string) string {
	if name, _, found := strings.Cut(signature, "("); found {
		return name
	}
	return signature
}

type signer string

func (s signer) Address() string { return string(s) }

// Signer returns a ledger.Signer for address. The memory ledger does not
// verify signatures.
func Signer(address string) ledger.Signer {
	return signer(address)
}
