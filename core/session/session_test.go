package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chainid/core/contract"
	chainerrors "chainid/core/errors"
	"chainid/core/identity"
	"chainid/core/ledger"
	"chainid/core/ledger/memledger"
	"chainid/core/tracker"
)

const wallet = "WALLETADDRESS"

type recorder struct {
	mu    sync.Mutex
	items []tracker.Notification
}

func (r *recorder) Notify(_ context.Context, n tracker.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
}

func (r *recorder) byKey(key string) []tracker.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []tracker.Notification
	for _, n := range r.items {
		if n.Key == key {
			out = append(out, n)
		}
	}
	return out
}

type harness struct {
	mem     *memledger.Ledger
	client  *ledger.Client
	session *Session
	notes   *recorder
}

func newHarness(t *testing.T, mem *memledger.Ledger, timeout time.Duration, mutate func(*Config)) *harness {
	t.Helper()
	client, err := ledger.Configure(ledger.Params{
		Network:  memledger.Network,
		Endpoint: "memory://local",
		Signer:   memledger.Signer(wallet),
		Timeout:  timeout,
	}, mem.Dial())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	identityDef, paymentDef, err := Definitions("", true)
	require.NoError(t, err)
	notes := &recorder{}
	cfg := Config{
		Mode:               ModeDeploy,
		IdentityDefinition: identityDef,
		PaymentDefinition:  paymentDef,
		Notifier:           notes,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(client, cfg)
	require.NoError(t, err)
	return &harness{mem: mem, client: client, session: s, notes: notes}
}

func TestRegisterThenLoadStats(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memledger.New(), time.Second, nil)

	registration, err := h.session.Register(ctx, wallet, identity.LevelEnhanced)
	require.NoError(t, err)
	require.Len(t, registration.TxIDs, 1)
	require.Equal(t, identity.Record{Address: wallet, Level: identity.LevelEnhanced}, registration.Record)
	require.Equal(t, "Enhanced", registration.Tier)

	n, err := h.session.LoadStats(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), n)

	reg := h.notes.byKey(KeyRegister)
	require.Len(t, reg, 1)
	require.Equal(t, tracker.SeveritySuccess, reg[0].Severity)
	require.Contains(t, reg[0].Message, registration.TxIDs[0])
	require.Len(t, h.notes.byKey(KeyLoadStats), 1)
}

func TestBusyRejectionSubmitsNothingExtra(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	mem := memledger.New(memledger.WithSubmitHook(func(ctx context.Context, call ledger.Call) error {
		once.Do(func() { close(entered) })
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}))
	h := newHarness(t, mem, 5*time.Second, nil)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := h.session.Register(ctx, wallet, identity.LevelBasic)
		done <- err
	}()
	<-entered
	require.Equal(t, tracker.InFlight, h.session.Tracker().State(KeyRegister).State)

	_, err := h.session.Register(ctx, wallet, identity.LevelPremium)
	require.ErrorIs(t, err, chainerrors.ErrBusy)
	// The first submission is still held by the hook and not yet counted.
	require.Zero(t, mem.Submissions())

	// Other keys are unaffected by the in-flight registration.
	require.Equal(t, tracker.Idle, h.session.Tracker().State(ClaimKey("nft")).State)

	close(release)
	require.NoError(t, <-done)
	require.Equal(t, 1, mem.Submissions())
	require.Len(t, h.notes.byKey(KeyRegister), 1)
	require.Equal(t, tracker.Idle, h.session.Tracker().State(KeyRegister).State)
}

func TestTimeoutFailsActionAndAllowsRetry(t *testing.T) {
	var mu sync.Mutex
	stall := true
	mem := memledger.New(memledger.WithSubmitHook(func(ctx context.Context, _ ledger.Call) error {
		mu.Lock()
		s := stall
		mu.Unlock()
		if !s {
			return nil
		}
		<-ctx.Done()
		return ctx.Err()
	}))
	h := newHarness(t, mem, 30*time.Millisecond, nil)
	ctx := context.Background()

	_, err := h.session.Register(ctx, wallet, identity.LevelBasic)
	require.ErrorIs(t, err, chainerrors.ErrTimeout)
	last, ok := h.session.Tracker().Last(KeyRegister)
	require.True(t, ok)
	require.Equal(t, tracker.Failed, last.State)
	require.Equal(t, "timeout", last.Reason)
	require.Equal(t, tracker.Idle, h.session.Tracker().State(KeyRegister).State)

	mu.Lock()
	stall = false
	mu.Unlock()
	_, err = h.session.Register(ctx, wallet, identity.LevelBasic)
	require.NoError(t, err)
	require.Len(t, h.notes.byKey(KeyRegister), 2)
}

func TestClaimTrustGapAndPreconditions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memledger.New(), time.Second, nil)

	payment, err := h.session.ClaimDescriptor(ctx, "NFT Marketplace", "0.02 ALGO creator reward", "ADDRX")
	require.NoError(t, err)
	require.Equal(t, uint64(20_000), payment.AmountBaseUnits)
	require.Len(t, h.notes.byKey(ClaimKey("NFT Marketplace")), 1)

	before := h.mem.Submissions()
	_, err = h.session.ClaimDescriptor(ctx, "DAO", "0.1 ALGO voting reward", "")
	require.ErrorIs(t, err, chainerrors.ErrPrecondition)
	require.Equal(t, before, h.mem.Submissions())
	notes := h.notes.byKey(ClaimKey("DAO"))
	require.Len(t, notes, 1)
	require.Equal(t, tracker.SeverityWarning, notes[0].Severity)

	payment, err = h.session.Claim(ctx, "defi", wallet)
	require.NoError(t, err)
	require.Equal(t, uint64(50_000), payment.AmountBaseUnits)
}

func TestRegisterInvalidLevelSubmitsNothing(t *testing.T) {
	h := newHarness(t, memledger.New(), time.Second, nil)
	_, err := h.session.Register(context.Background(), "ADDRY", identity.Level(4))
	require.ErrorIs(t, err, chainerrors.ErrValidation)
	require.Zero(t, h.mem.Submissions())
	_, ok := h.session.Registry().Live(contract.IdentityRegistryName)
	require.False(t, ok)
}

func TestPinnedModeBindsKnownApplications(t *testing.T) {
	mem := memledger.New()
	identityDef, paymentDef, err := Definitions("", true)
	require.NoError(t, err)
	install := func(def *contract.Definition) uint64 {
		approval, clearProg, err := def.Sources()
		require.NoError(t, err)
		id, err := mem.Install(ledger.Program{Name: def.Name, Approval: approval, Clear: clearProg, Schema: def.Schema}, "OPERATOR")
		require.NoError(t, err)
		return id
	}
	identityID := install(identityDef)
	paymentID := install(paymentDef)

	h := newHarness(t, mem, time.Second, func(cfg *Config) {
		cfg.Mode = ModePinned
		cfg.IdentityAppID = identityID
		cfg.PaymentAppID = paymentID
	})
	refs, err := h.session.Deploy(context.Background())
	require.NoError(t, err)
	require.Len(t, refs, 2)
	require.Equal(t, identityID, refs[0].AppID)
	require.Equal(t, paymentID, refs[1].AppID)
	require.True(t, refs[0].Pinned)

	_, err = h.session.Claim(context.Background(), "nft", wallet)
	require.NoError(t, err)
	require.Len(t, mem.Invocations(paymentID, "process_payment"), 1)
}

func TestPinnedModeRequiresAppIDs(t *testing.T) {
	mem := memledger.New()
	client, err := ledger.Configure(ledger.Params{Network: memledger.Network, Endpoint: "memory://local", Signer: memledger.Signer(wallet)}, mem.Dial())
	require.NoError(t, err)
	identityDef, paymentDef, err := Definitions("", true)
	require.NoError(t, err)
	_, err = New(client, Config{Mode: ModePinned, IdentityDefinition: identityDef, PaymentDefinition: paymentDef, IdentityAppID: 1002})
	require.ErrorIs(t, err, chainerrors.ErrConfiguration)
}

func TestDeployModeDeploysBothContracts(t *testing.T) {
	h := newHarness(t, memledger.New(), time.Second, nil)
	refs, err := h.session.Deploy(context.Background())
	require.NoError(t, err)
	require.Len(t, refs, 2)
	require.Equal(t, uint64(1001), refs[0].AppID)
	require.Equal(t, uint64(1002), refs[1].AppID)
	require.Len(t, h.notes.byKey(KeyDeploy), 1)
}

func TestPlatformsEligibilityFollowsWallet(t *testing.T) {
	h := newHarness(t, memledger.New(), time.Second, nil)
	for _, d := range h.session.Platforms("") {
		require.False(t, d.Eligible)
	}
	for _, d := range h.session.Platforms(wallet) {
		require.True(t, d.Eligible)
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("deploy")
	require.NoError(t, err)
	require.Equal(t, ModeDeploy, m)
	m, err = ParseMode("")
	require.NoError(t, err)
	require.Equal(t, ModePinned, m)
	_, err = ParseMode("hybrid")
	require.Error(t, err)
}

func TestSessionsShareDeploymentsOnOneLedger(t *testing.T) {
	ctx := context.Background()
	mem := memledger.New()

	first := newHarness(t, mem, time.Second, nil)
	_, err := first.session.Register(ctx, "MEMBER", identity.LevelBasic)
	require.NoError(t, err)

	// A later process has an empty registry but the same wallet.
	second := newHarness(t, mem, time.Second, nil)
	n, err := second.session.LoadStats(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), n)

	refs, err := second.session.Deploy(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1001), refs[0].AppID)
	require.Equal(t, uint64(1002), refs[1].AppID)
	apps, err := second.client.CreatedApps(ctx)
	require.NoError(t, err)
	require.Len(t, apps, 2)
}

func TestSeededRegistryReusesKnownDeployment(t *testing.T) {
	ctx := context.Background()
	mem := memledger.New()
	first := newHarness(t, mem, time.Second, nil)
	refs, err := first.session.Deploy(ctx)
	require.NoError(t, err)

	seeded := contract.NewRegistry()
	seeded.Seed(contract.AppReference{Name: contract.IdentityRegistryName, AppID: refs[0].AppID, SchemaVersion: "1.0.0"})
	second := newHarness(t, mem, time.Second, func(cfg *Config) { cfg.Registry = seeded })
	appID, err := second.session.Identity().AppID(ctx)
	require.NoError(t, err)
	require.Equal(t, refs[0].AppID, appID)
	live, ok := seeded.Live(contract.IdentityRegistryName)
	require.True(t, ok)
	require.NotEmpty(t, live.ProgramDigest)
}

func TestLoadStatsRunsWhileRegistrationIsInFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	mem := memledger.New(memledger.WithSubmitHook(func(ctx context.Context, call ledger.Call) error {
		once.Do(func() { close(entered) })
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}))
	h := newHarness(t, mem, 5*time.Second, nil)
	ctx := context.Background()
	// Deploy first so the registration holds only the submission.
	_, err := h.session.Deploy(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := h.session.Register(ctx, wallet, identity.LevelBasic)
		done <- err
	}()
	<-entered
	require.Equal(t, tracker.InFlight, h.session.Tracker().State(KeyRegister).State)

	n, err := h.session.LoadStats(ctx)
	require.NoError(t, err)
	require.NotErrorIs(t, err, chainerrors.ErrBusy)
	require.Zero(t, n)
	require.Equal(t, tracker.InFlight, h.session.Tracker().State(KeyRegister).State)

	close(release)
	require.NoError(t, <-done)
	n, err = h.session.LoadStats(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), n)
}

func TestHelloAndVerify(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memledger.New(), time.Second, nil)

	greeting, err := h.session.Hello(ctx, "")
	require.NoError(t, err)
	require.Equal(t, "Hello, chainid", greeting)
	notes := h.notes.byKey(KeyHello)
	require.Len(t, notes, 1)
	require.Contains(t, notes[0].Message, greeting)

	ok, err := h.session.Verify(ctx, "MEMBER")
	require.NoError(t, err)
	require.True(t, ok)
	_, err = h.session.Verify(ctx, " ")
	require.ErrorIs(t, err, chainerrors.ErrValidation)
	require.Zero(t, h.mem.Submissions())
}

func TestAdministerPauseBlocksRegistration(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memledger.New(), time.Second, nil)

	state, err := h.session.Administer(ctx, AdminPause, "")
	require.NoError(t, err)
	require.True(t, state.Paused)
	require.Equal(t, wallet, state.Admin)
	require.Len(t, state.TxIDs, 1)

	_, err = h.session.Register(ctx, wallet, identity.LevelBasic)
	require.ErrorIs(t, err, chainerrors.ErrOperation)

	state, err = h.session.Administer(ctx, AdminUnpause, "")
	require.NoError(t, err)
	require.False(t, state.Paused)
	_, err = h.session.Register(ctx, wallet, identity.LevelBasic)
	require.NoError(t, err)

	state, err = h.session.Administer(ctx, AdminSetAdmin, "NEWADMIN")
	require.NoError(t, err)
	require.Equal(t, "NEWADMIN", state.Admin)

	// The wallet is no longer the administrator.
	_, err = h.session.Administer(ctx, AdminPause, "")
	require.ErrorIs(t, err, chainerrors.ErrOperation)
	require.Len(t, h.notes.byKey(KeyAdmin), 4)

	_, err = h.session.Administer(ctx, AdminAction("drop"), "")
	require.ErrorIs(t, err, chainerrors.ErrValidation)
}

func TestLoadAllStatsCountsPayments(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memledger.New(), time.Second, nil)
	_, err := h.session.Register(ctx, wallet, identity.LevelBasic)
	require.NoError(t, err)
	_, err = h.session.Claim(ctx, "nft", wallet)
	require.NoError(t, err)

	stats, err := h.session.LoadAllStats(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{VerifiedUsers: 1, TotalPayments: 1}, stats)
}
