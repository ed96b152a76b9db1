package billing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/spec-kit/entitlement-service/internal/config"
	"github.com/spec-kit/entitlement-service/internal/domain"
	"github.com/spec-kit/entitlement-service/internal/session"
)

type fakeSource struct {
	mu        sync.Mutex
	state     session.State
	changed   chan struct{}
	refreshes int
	onRefresh func(n int, current *domain.Profile) *domain.Profile
}

func newFakeSource(state session.State) *fakeSource {
	return &fakeSource{state: state, changed: make(chan struct{})}
}

func (f *fakeSource) Snapshot() session.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSource) set(state session.State) {
	f.mu.Lock()
	f.state = state
	close(f.changed)
	f.changed = make(chan struct{})
	f.mu.Unlock()
}

func (f *fakeSource) Wait(ctx context.Context, pred func(session.State) bool) (session.State, error) {
	for {
		f.mu.Lock()
		state, changed := f.state, f.changed
		f.mu.Unlock()
		if pred(state) {
			return state, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return f.Snapshot(), ctx.Err()
		}
	}
}

func (f *fakeSource) RefreshProfile(context.Context) error {
	f.mu.Lock()
	f.refreshes++
	n, hook, state := f.refreshes, f.onRefresh, f.state
	f.mu.Unlock()
	if hook == nil {
		return nil
	}
	if next := hook(n, state.Profile); next != nil {
		state.Profile = next
		f.set(state)
	}
	return nil
}

func (f *fakeSource) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

func readyState(profile *domain.Profile) session.State {
	return session.State{
		Phase:      session.PhaseReady,
		Generation: 3,
		Session:    &domain.Session{SubjectID: profile.ID, Email: profile.Email},
		Profile:    profile,
	}
}

func starterProfile() *domain.Profile {
	p := domain.NewDefaultProfile("user-1", "ana@example.com")
	p.PlanStatus = domain.PlanStatusCanceled
	p.UpdatedAt = time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	return p
}

func testReconciler(timeout time.Duration) *Reconciler {
	return NewReconciler(config.BillingConfig{
		SettleTimeout:   timeout,
		PollInitialWait: 5 * time.Millisecond,
		PollMaxWait:     20 * time.Millisecond,
	}, nil)
}

func TestAwaitSettlementAfterSeveralRefreshes(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := newFakeSource(readyState(starterProfile()))
	src.onRefresh = func(n int, current *domain.Profile) *domain.Profile {
		if n < 3 {
			return nil
		}
		next := current.Clone()
		next.Plan = domain.PlanProfessional
		next.PlanStatus = domain.PlanStatusActive
		next.UpdatedAt = current.UpdatedAt.Add(time.Minute)
		return next
	}

	result, err := testReconciler(time.Second).AwaitSettlement(context.Background(), src, "cs_1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, result.Outcome)
	assert.Equal(t, 3, result.Attempts)
	require.NotNil(t, result.Profile)
	assert.Equal(t, domain.PlanProfessional, result.Profile.Plan)
}

func TestAwaitSettlementTimesOutExplicitly(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := newFakeSource(readyState(starterProfile()))

	start := time.Now()
	result, err := testReconciler(60*time.Millisecond).AwaitSettlement(context.Background(), src, "cs_2")
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimeout, result.Outcome)
	assert.Equal(t, domain.PlanStatusCanceled, result.Profile.PlanStatus)
	assert.GreaterOrEqual(t, src.refreshCount(), 2)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAwaitSettlementWakesOnPushedChange(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := newFakeSource(readyState(starterProfile()))
	r := NewReconciler(config.BillingConfig{
		SettleTimeout:   time.Second,
		PollInitialWait: 500 * time.Millisecond,
		PollMaxWait:     500 * time.Millisecond,
	}, nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		state := src.Snapshot()
		next := state.Profile.Clone()
		next.OwnedProductIDs = append(next.OwnedProductIDs, "course-go")
		state.Profile = next
		src.set(state)
	}()

	result, err := r.AwaitSettlement(context.Background(), src, "cs_3")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, result.Outcome)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, []string{"course-go"}, result.Profile.OwnedProductIDs)
}

func TestAwaitSettlementUnauthenticated(t *testing.T) {
	src := newFakeSource(session.State{Phase: session.PhaseUnauthenticated, Generation: 1})

	result, err := testReconciler(time.Second).AwaitSettlement(context.Background(), src, "cs_4")
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnauthenticated, result.Outcome)
	assert.Zero(t, src.refreshCount())
}

func TestAwaitSettlementSignedOutMidway(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := newFakeSource(readyState(starterProfile()))
	src.onRefresh = func(n int, _ *domain.Profile) *domain.Profile {
		if n == 2 {
			go src.set(session.State{Phase: session.PhaseUnauthenticated, Generation: 4})
		}
		return nil
	}

	result, err := testReconciler(time.Second).AwaitSettlement(context.Background(), src, "cs_5")
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnauthenticated, result.Outcome)
}

func TestAwaitSettlementWaitsForResolution(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := newFakeSource(session.State{Phase: session.PhaseInitializing})
	src.onRefresh = func(_ int, current *domain.Profile) *domain.Profile {
		next := current.Clone()
		next.PlanStatus = domain.PlanStatusActive
		next.UpdatedAt = current.UpdatedAt.Add(time.Second)
		return next
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		src.set(readyState(starterProfile()))
	}()

	result, err := testReconciler(time.Second).AwaitSettlement(context.Background(), src, "cs_6")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, result.Outcome)
}

func TestBillingChanged(t *testing.T) {
	base := starterProfile()

	same := base.Clone()
	assert.False(t, billingChanged(base, same))

	renamed := base.Clone()
	renamed.FullName = "Ana"
	assert.False(t, billingChanged(base, renamed))

	touched := base.Clone()
	touched.UpdatedAt = base.UpdatedAt.Add(time.Second)
	assert.True(t, billingChanged(base, touched))

	assert.True(t, billingChanged(base, nil))
}
