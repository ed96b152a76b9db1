package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/entitlement-service/internal/config"
	"github.com/spec-kit/entitlement-service/internal/domain"
	"github.com/spec-kit/entitlement-service/internal/entitlement"
	"github.com/spec-kit/entitlement-service/internal/events"
	"github.com/spec-kit/entitlement-service/internal/observability"
)

// Options tunes a Manager. Zero values fall back to defaults.
type Options struct {
	ClientID string
	Retry    config.ProfileConfig
	Metrics  *observability.Metrics
	Logger   *zap.Logger
	// ExpiryGrace delays revalidation past the grant's expiry so the identity
	// provider sees it as expired.
	ExpiryGrace time.Duration
	Now         func() time.Time
}

const revalidateTimeout = 10 * time.Second

type snapshot struct {
	state   State
	changed chan struct{}
}

// Manager is the session state machine of one user agent. It follows the
// identity provider's session events, resolves the profile for the current
// subject and publishes a single consistent State.
type Manager struct {
	identity IdentityClient
	profiles ProfileSource
	retry    config.ProfileConfig
	metrics  *observability.Metrics
	logger   *zap.Logger
	now      func() time.Time
	grace    time.Duration

	snap atomic.Pointer[snapshot]
	done chan struct{}

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	// mu serializes transitions. Never held while calling the identity client.
	mu          sync.Mutex
	started     bool
	closed      bool
	generation  uint64
	cancelFetch context.CancelFunc
	fetchSeq    uint64
	activeFetch uint64
	unsubscribe func()

	expiryTimer   *time.Timer
	expirySession *domain.Session
}

// NewManager builds a Manager in PhaseInitializing. Call Start to begin.
func NewManager(identity IdentityClient, profiles ProfileSource, opts Options) (*Manager, error) {
	if identity == nil {
		return nil, errors.New("session: identity client is required")
	}
	if profiles == nil {
		return nil, errors.New("session: profile source is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ClientID != "" {
		logger = logger.With(zap.String("client_id", opts.ClientID))
	}
	retry := opts.Retry
	if retry.RetryInitialWait <= 0 {
		retry.RetryInitialWait = time.Second
	}
	if retry.RetryMaxWait < retry.RetryInitialWait {
		retry.RetryMaxWait = retry.RetryInitialWait
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	grace := opts.ExpiryGrace
	if grace <= 0 {
		grace = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		identity:   identity,
		profiles:   profiles,
		retry:      retry,
		metrics:    opts.Metrics,
		logger:     logger,
		now:        now,
		grace:      grace,
		done:       make(chan struct{}),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
	m.snap.Store(&snapshot{state: State{Phase: PhaseInitializing}, changed: make(chan struct{})})
	return m, nil
}

// Start subscribes to session events and resolves the stored session.
// Calling it more than once has no effect.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.closed || m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.unsubscribe = m.identity.OnSessionChange(m.handleEvent)
	m.mu.Unlock()

	sess, err := m.identity.CurrentSession(ctx)
	if err != nil {
		m.logger.Warn("read stored session", zap.Error(err))
		sess = nil
	}
	m.handleEvent(events.SessionEvent{Kind: events.KindInitialSession, Session: sess, Timestamp: m.now()})
}

// Close cancels in-flight work and stops state publication. It blocks until
// background fetches have returned.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.bumpGeneration()
	if m.expiryTimer != nil {
		m.expiryTimer.Stop()
		m.expiryTimer = nil
	}
	m.baseCancel()
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	close(m.done)
	m.mu.Unlock()

	m.wg.Wait()
}

// Snapshot returns the current state.
func (m *Manager) Snapshot() State {
	return m.snap.Load().state
}

// Wait blocks until pred holds for the published state, ctx ends or the
// manager closes. The last observed state is always returned.
func (m *Manager) Wait(ctx context.Context, pred func(State) bool) (State, error) {
	for {
		snap := m.snap.Load()
		if pred(snap.state) {
			return snap.state, nil
		}
		select {
		case <-snap.changed:
		case <-ctx.Done():
			return m.Snapshot(), ctx.Err()
		case <-m.done:
			return m.Snapshot(), ErrClosed
		}
	}
}

// Trial derives trial facts from the resolved profile at now.
func (m *Manager) Trial(now time.Time) entitlement.Trial {
	state := m.Snapshot()
	if state.Phase != PhaseReady {
		return entitlement.Trial{}
	}
	return entitlement.ComputeTrial(state.Profile, now)
}

// SignIn authenticates with the identity provider. State follows from the
// resulting session event.
func (m *Manager) SignIn(ctx context.Context, email, password string) error {
	if m.isClosed() {
		return ErrClosed
	}
	return m.identity.SignInWithPassword(ctx, email, password)
}

// SignUp registers the account and creates its profile right away. A failed
// profile creation is logged; the synchronizer heals it on first read.
func (m *Manager) SignUp(ctx context.Context, in SignUpInput) error {
	if m.isClosed() {
		return ErrClosed
	}
	meta := domain.SignUpMetadata{FullName: in.FullName, CPF: in.CPF}
	subjectID, err := m.identity.SignUp(ctx, in.Email, in.Password, meta)
	if err != nil {
		return err
	}

	profile, err := m.profiles.Create(ctx, subjectID, in.Email, meta)
	if err != nil {
		m.logger.Warn("create profile after sign-up", zap.String("subject_id", subjectID), zap.Error(err))
		return nil
	}
	m.adopt(profile)
	return nil
}

// SignOut publishes PhaseInitializing, invalidates the session and lets the
// SIGNED_OUT event finalize the state. On failure the state is re-synced from
// the identity provider.
func (m *Manager) SignOut(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	cur := m.Snapshot()
	m.bumpGeneration()
	m.publish(State{Phase: PhaseInitializing, Generation: m.generation, Session: cur.Session, Profile: cur.Profile})
	m.mu.Unlock()

	if err := m.identity.SignOut(ctx); err != nil {
		m.logger.Warn("sign out failed; re-syncing session", zap.Error(err))
		sess, readErr := m.identity.CurrentSession(ctx)
		if readErr != nil {
			sess = nil
		}
		m.handleEvent(events.SessionEvent{Kind: events.KindInitialSession, Session: sess, Timestamp: m.now()})
		return err
	}
	return nil
}

// RefreshProfile re-reads the profile of the current subject and republishes.
// It is a no-op without a session.
func (m *Manager) RefreshProfile(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	cur := m.Snapshot()
	gen := m.generation
	m.mu.Unlock()

	if cur.Session == nil || (cur.Phase != PhaseReady && cur.Phase != PhasePendingProfile) {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.baseCtx, cancel)
	defer stop()

	profile, err := m.profiles.FetchOrCreate(ctx, cur.Session.SubjectID, cur.Session.Email)
	if err != nil {
		m.fetchFailed(gen, err)
		return err
	}
	m.resolve(gen, 0, profile)
	return nil
}

// UpdateProfile writes consumer-editable fields and republishes the profile.
func (m *Manager) UpdateProfile(ctx context.Context, update domain.ProfileUpdate) error {
	cur := m.Snapshot()
	if m.isClosed() {
		return ErrClosed
	}
	if cur.Phase != PhaseReady {
		if cur.Session == nil {
			return ErrNotAuthenticated
		}
		return ErrProfileNotReady
	}
	if err := m.profiles.Update(ctx, cur.Session.SubjectID, update); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	latest := m.Snapshot()
	if m.closed || latest.Generation != cur.Generation || latest.Phase != PhaseReady {
		return nil
	}
	profile := latest.Profile.Clone()
	profile.Apply(update)
	next := latest
	next.Profile = profile
	m.publish(next)
	return nil
}

// ResetPassword starts password recovery for email.
func (m *Manager) ResetPassword(ctx context.Context, email string) error {
	if m.isClosed() {
		return ErrClosed
	}
	return m.identity.ResetPassword(ctx, email)
}

func (m *Manager) isClosed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// EnsureFresh revalidates the grant when its access token has expired.
// ErrSessionExpired is returned when the grant is still expired afterwards.
func (m *Manager) EnsureFresh(ctx context.Context) error {
	cur := m.Snapshot()
	if cur.Session == nil || !cur.Session.Expired(m.now()) {
		return nil
	}
	if err := m.Revalidate(ctx); err != nil {
		m.logger.Warn("revalidate expired session", zap.Error(err))
	}
	if latest := m.Snapshot(); latest.Session != nil && latest.Session.Expired(m.now()) {
		return ErrSessionExpired
	}
	return nil
}

// Revalidate re-reads the grant from the identity provider. A grant that is
// gone or can no longer be refreshed ends the session; a grant rotated
// elsewhere replaces the cached one.
func (m *Manager) Revalidate(ctx context.Context) error {
	if m.isClosed() {
		return ErrClosed
	}
	gen := m.Snapshot().Generation
	sess, err := m.identity.CurrentSession(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.Snapshot()
	if m.closed || cur.Session == nil || cur.Generation != gen {
		return nil
	}
	switch {
	case sess == nil:
		m.apply(events.SessionEvent{Kind: events.KindSignedOut, Timestamp: m.now()})
	case sess.SubjectID != cur.Session.SubjectID:
		m.apply(events.SessionEvent{Kind: events.KindSignedIn, Session: sess, Timestamp: m.now()})
	case sess.AccessToken != cur.Session.AccessToken:
		m.apply(events.SessionEvent{Kind: events.KindTokenRefreshed, Session: sess, Timestamp: m.now()})
	}
	return nil
}

// handleEvent applies one identity provider notification.
func (m *Manager) handleEvent(ev events.SessionEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apply(ev)
}

// apply runs one transition. Caller holds mu.
func (m *Manager) apply(ev events.SessionEvent) {
	if m.closed {
		return
	}

	if ev.Kind == events.KindSignedOut || ev.Session == nil {
		m.bumpGeneration()
		m.publish(State{Phase: PhaseUnauthenticated, Generation: m.generation})
		return
	}

	cur := m.Snapshot()
	sameSubject := cur.Session != nil && cur.Session.SubjectID == ev.Session.SubjectID
	if sameSubject && (cur.Phase == PhaseReady || cur.Phase == PhasePendingProfile) {
		// Same login: keep the generation, swap the grant.
		next := cur
		next.Session = ev.Session
		m.publish(next)
		if m.activeFetch == 0 {
			m.startFetch(ev.Session)
		}
		return
	}

	m.bumpGeneration()
	m.publish(State{Phase: PhasePendingProfile, Generation: m.generation, Session: ev.Session})
	m.startFetch(ev.Session)
}

// bumpGeneration starts a new generation and cancels the previous one's fetch.
// Caller holds mu.
func (m *Manager) bumpGeneration() {
	m.generation++
	if m.cancelFetch != nil {
		m.cancelFetch()
		m.cancelFetch = nil
	}
	m.activeFetch = 0
}

// startFetch resolves the profile in the background for the current
// generation. Caller holds mu.
func (m *Manager) startFetch(sess *domain.Session) {
	ctx, cancel := context.WithCancel(m.baseCtx)
	if m.cancelFetch != nil {
		m.cancelFetch()
	}
	m.cancelFetch = cancel
	m.fetchSeq++
	m.activeFetch = m.fetchSeq

	gen, seq := m.generation, m.fetchSeq
	m.wg.Add(1)
	go m.runFetch(ctx, gen, seq, sess.SubjectID, sess.Email)
}

func (m *Manager) runFetch(ctx context.Context, gen, seq uint64, subjectID, email string) {
	defer m.wg.Done()
	defer m.finishFetch(seq)

	wait := m.retry.RetryInitialWait
	for attempt := 0; ; attempt++ {
		profile, err := m.profiles.FetchOrCreate(ctx, subjectID, email)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			m.resolve(gen, seq, profile)
			return
		}
		if !m.fetchFailed(gen, err) || attempt >= m.retry.RetryAttempts {
			return
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
		wait = min(wait*2, m.retry.RetryMaxWait)
	}
}

func (m *Manager) finishFetch(seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeFetch == seq {
		m.activeFetch = 0
		if m.cancelFetch != nil {
			m.cancelFetch()
			m.cancelFetch = nil
		}
	}
}

// resolve publishes PhaseReady with profile unless the generation moved on or
// the published profile is newer. seq identifies the background fetch that
// produced profile, zero for a foreground refresh.
func (m *Manager) resolve(gen, seq uint64, profile *domain.Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq != 0 && m.activeFetch == seq {
		m.activeFetch = 0
		if m.cancelFetch != nil {
			m.cancelFetch()
			m.cancelFetch = nil
		}
	}
	if m.closed || gen != m.generation {
		m.logger.Debug("discarding stale profile", zap.Uint64("generation", gen))
		return
	}
	cur := m.Snapshot()
	if cur.Phase != PhaseReady && cur.Phase != PhasePendingProfile {
		return
	}
	if cur.Phase == PhaseReady && cur.Profile != nil && profile.UpdatedAt.Before(cur.Profile.UpdatedAt) {
		return
	}
	m.publish(State{Phase: PhaseReady, Generation: gen, Session: cur.Session, Profile: profile})
}

// fetchFailed records a failed resolution and reports whether a retry makes
// sense. A resolved state keeps its profile.
func (m *Manager) fetchFailed(gen uint64, err error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || gen != m.generation {
		return false
	}
	cur := m.Snapshot()
	if cur.Phase == PhaseReady {
		m.logger.Warn("profile refresh failed; keeping resolved profile", zap.Error(err))
		return false
	}
	if cur.Phase != PhasePendingProfile {
		return false
	}
	m.logger.Warn("profile resolution failed", zap.String("subject_id", cur.SubjectID()), zap.Error(err))
	if !cur.ProfileUnavailable {
		next := cur
		next.ProfileUnavailable = true
		m.publish(next)
	}
	return true
}

// adopt publishes a freshly created profile for the current subject.
func (m *Manager) adopt(profile *domain.Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || profile == nil {
		return
	}
	cur := m.Snapshot()
	if cur.SubjectID() != profile.ID {
		return
	}
	if cur.Phase != PhaseReady && cur.Phase != PhasePendingProfile {
		return
	}
	if cur.Phase == PhaseReady && cur.Profile != nil && profile.UpdatedAt.Before(cur.Profile.UpdatedAt) {
		return
	}
	m.publish(State{Phase: PhaseReady, Generation: m.generation, Session: cur.Session, Profile: profile})
}

// publish swaps the snapshot and wakes waiters. Caller holds mu.
func (m *Manager) publish(state State) {
	next := &snapshot{state: state, changed: make(chan struct{})}
	prev := m.snap.Swap(next)
	close(prev.changed)
	m.metrics.RecordTransition(string(state.Phase))
	m.armExpiry(state.Session)
}

// armExpiry schedules revalidation shortly after sess expires. Caller holds mu.
func (m *Manager) armExpiry(sess *domain.Session) {
	if sess == m.expirySession {
		return
	}
	if m.expiryTimer != nil {
		m.expiryTimer.Stop()
		m.expiryTimer = nil
	}
	m.expirySession = sess
	if sess == nil || m.closed {
		return
	}
	delay := max(sess.ExpiresAt.Sub(m.now())+m.grace, 0)
	m.expiryTimer = time.AfterFunc(delay, func() { m.onExpiry(sess) })
}

// onExpiry revalidates an expired grant and retries while the same grant
// stays published.
func (m *Manager) onExpiry(sess *domain.Session) {
	m.mu.Lock()
	if m.closed || m.expirySession != sess {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(m.baseCtx, revalidateTimeout)
	defer cancel()
	if err := m.Revalidate(ctx); err != nil && !errors.Is(err, ErrClosed) {
		m.logger.Warn("revalidate expired session", zap.Error(err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.expirySession != sess {
		return
	}
	m.expiryTimer = time.AfterFunc(max(m.retry.RetryMaxWait, m.grace), func() { m.onExpiry(sess) })
}
