package tracker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	chainerrors "chainid/core/errors"
)

type recorder struct {
	mu    sync.Mutex
	items []Notification
}

func (r *recorder) Notify(_ context.Context, n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
}

func (r *recorder) all() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.items...)
}

func TestAdmitRejectsSecondAdmissionWithoutSideEffects(t *testing.T) {
	rec := &recorder{}
	tr := New(rec)

	ticket, err := tr.Admit("register")
	require.NoError(t, err)
	require.Equal(t, InFlight, tr.State("register").State)

	_, err = tr.Admit("register")
	require.ErrorIs(t, err, chainerrors.ErrBusy)
	require.Equal(t, ticket.ID(), tr.State("register").TicketID)
	require.Empty(t, rec.all())

	ticket.Succeed(context.Background(), "done")
	require.Equal(t, Idle, tr.State("register").State)

	_, err = tr.Admit("register")
	require.NoError(t, err)
}

func TestKeysAreIndependent(t *testing.T) {
	tr := New(nil)
	a, err := tr.Admit("register")
	require.NoError(t, err)
	b, err := tr.Admit("claim:nft")
	require.NoError(t, err)
	require.NotEqual(t, a.ID(), b.ID())
	require.Len(t, tr.Active(), 2)
}

func TestExactlyOneNotificationPerTerminalState(t *testing.T) {
	rec := &recorder{}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tr := New(rec, WithClock(func() time.Time { return now }))

	ticket, err := tr.Admit("loadStats")
	require.NoError(t, err)
	ticket.Fail(context.Background(), chainerrors.Timeout("query", context.DeadlineExceeded))
	ticket.Fail(context.Background(), fmt.Errorf("again"))
	ticket.Succeed(context.Background(), "late")

	got := rec.all()
	require.Len(t, got, 1)
	require.Equal(t, Failed, got[0].State)
	require.Equal(t, SeverityError, got[0].Severity)
	require.Equal(t, "timeout", got[0].Reason)
	require.Equal(t, now, got[0].At)
	require.Equal(t, Idle, tr.State("loadStats").State)

	last, ok := tr.Last("loadStats")
	require.True(t, ok)
	require.Equal(t, Failed, last.State)
}

func TestNotificationSeverityFollowsErrorKind(t *testing.T) {
	rec := &recorder{}
	tr := New(rec)
	ctx := context.Background()

	require.NoError(t, tr.Do(ctx, "a", func(context.Context) (string, error) { return "ok", nil }))
	_ = tr.Do(ctx, "b", func(context.Context) (string, error) { return "", chainerrors.Validation("level", "bad") })
	_ = tr.Do(ctx, "c", func(context.Context) (string, error) { return "", chainerrors.Operation("m", fmt.Errorf("no")) })

	got := rec.all()
	require.Len(t, got, 3)
	require.Equal(t, SeveritySuccess, got[0].Severity)
	require.Equal(t, "ok", got[0].Message)
	require.Equal(t, SeverityWarning, got[1].Severity)
	require.Equal(t, SeverityError, got[2].Severity)
	require.Contains(t, got[2].Message, "c failed")
}

func TestAbandonReleasesWithoutNotification(t *testing.T) {
	rec := &recorder{}
	tr := New(rec)
	ticket, err := tr.Admit("claim:dao")
	require.NoError(t, err)

	ticket.Abandon()
	require.Equal(t, Idle, tr.State("claim:dao").State)
	require.Empty(t, rec.all())

	ticket.Succeed(context.Background(), "ignored")
	require.Empty(t, rec.all())
	_, ok := tr.Last("claim:dao")
	require.False(t, ok)
}

func TestStaleTicketCannotFinishNewAdmission(t *testing.T) {
	rec := &recorder{}
	tr := New(rec)
	old, err := tr.Admit("register")
	require.NoError(t, err)
	old.Abandon()

	current, err := tr.Admit("register")
	require.NoError(t, err)
	old.Fail(context.Background(), fmt.Errorf("stale"))
	require.Equal(t, InFlight, tr.State("register").State)
	require.Empty(t, rec.all())

	current.Succeed(context.Background(), "")
	require.Len(t, rec.all(), 1)
	require.Equal(t, "register succeeded", rec.all()[0].Message)
}

func TestDoConcurrentAdmissionsYieldOneRunner(t *testing.T) {
	tr := New(nil)
	release := make(chan struct{})
	started := make(chan struct{})

	done := make(chan error, 1)
	go func() {
		done <- tr.Do(context.Background(), "register", func(context.Context) (string, error) {
			close(started)
			<-release
			return "ok", nil
		})
	}()
	<-started

	var busy int
	var wg sync.WaitGroup
	var mu sync.Mutex
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := tr.Do(context.Background(), "register", func(context.Context) (string, error) {
				t.Error("second runner admitted")
				return "", nil
			})
			if err != nil {
				mu.Lock()
				busy++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(release)
	require.NoError(t, <-done)
	require.Equal(t, 8, busy)
}

func TestDoRecoversPanicIntoFailure(t *testing.T) {
	rec := &recorder{}
	tr := New(rec)
	require.Panics(t, func() {
		_ = tr.Do(context.Background(), "register", func(context.Context) (string, error) {
			panic("kaboom")
		})
	})
	require.Equal(t, Idle, tr.State("register").State)
	require.Len(t, rec.all(), 1)
	require.Equal(t, Failed, rec.all()[0].State)
}

func TestPanickingNotifierStillReleasesKey(t *testing.T) {
	tr := New(NotifierFunc(func(context.Context, Notification) {
		panic("sink down")
	}))
	ticket, err := tr.Admit("register")
	require.NoError(t, err)
	require.Panics(t, func() { ticket.Succeed(context.Background(), "done") })

	require.Equal(t, Idle, tr.State("register").State)
	require.Empty(t, tr.Active())
	last, ok := tr.Last("register")
	require.True(t, ok)
	require.Equal(t, Succeeded, last.State)

	_, err = tr.Admit("register")
	require.NoError(t, err)
}

func TestAdmitRequiresKey(t *testing.T) {
	_, err := New(nil).Admit("  ")
	require.ErrorIs(t, err, chainerrors.ErrValidation)
}

func TestFanoutDeliversToEverySink(t *testing.T) {
	first, second := &recorder{}, &recorder{}
	tr := New(Fanout(first, nil, second))
	err := tr.Do(context.Background(), "loadStats", func(context.Context) (string, error) {
		return "3 verified users", nil
	})
	require.NoError(t, err)
	require.Len(t, first.all(), 1)
	require.Len(t, second.all(), 1)
	require.Equal(t, first.all()[0].TicketID, second.all()[0].TicketID)
}
