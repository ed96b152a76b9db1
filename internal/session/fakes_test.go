package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spec-kit/entitlement-service/internal/domain"
	"github.com/spec-kit/entitlement-service/internal/events"
)

var errBadPassword = errors.New("invalid credentials")

type fakeIdentity struct {
	dispatcher events.Dispatcher

	mu         sync.Mutex
	current    *domain.Session
	signOutErr error
	resets     []string
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{dispatcher: events.NewInMemoryDispatcher()}
}

func testSession(subjectID string) *domain.Session {
	now := time.Now()
	return &domain.Session{
		SubjectID:    subjectID,
		Email:        subjectID + "@x.com",
		AccessToken:  "access-" + subjectID,
		RefreshToken: "refresh-" + subjectID,
		IssuedAt:     now,
		ExpiresAt:    now.Add(time.Hour),
	}
}

func (f *fakeIdentity) setCurrent(sess *domain.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = sess
}

func (f *fakeIdentity) emit(kind events.Kind, sess *domain.Session) {
	f.dispatcher.Publish(events.SessionEvent{Kind: kind, Session: sess, Timestamp: time.Now()})
}

func (f *fakeIdentity) CurrentSession(context.Context) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, nil
}

func (f *fakeIdentity) SignInWithPassword(_ context.Context, email, password string) error {
	if password != "correct-horse" {
		return errBadPassword
	}
	sess := testSession(email[:len(email)-len("@x.com")])
	f.setCurrent(sess)
	f.emit(events.KindSignedIn, sess)
	return nil
}

func (f *fakeIdentity) SignUp(_ context.Context, email, _ string, _ domain.SignUpMetadata) (string, error) {
	sess := testSession(email[:len(email)-len("@x.com")])
	sess.Email = email
	f.setCurrent(sess)
	f.emit(events.KindSignedIn, sess)
	return sess.SubjectID, nil
}

func (f *fakeIdentity) SignOut(context.Context) error {
	f.mu.Lock()
	if f.signOutErr != nil {
		err := f.signOutErr
		f.mu.Unlock()
		return err
	}
	f.current = nil
	f.mu.Unlock()
	f.emit(events.KindSignedOut, nil)
	return nil
}

func (f *fakeIdentity) ResetPassword(_ context.Context, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, email)
	return nil
}

func (f *fakeIdentity) OnSessionChange(handler events.Handler) func() {
	return f.dispatcher.Subscribe(handler)
}

// fakeProfiles resolves profiles in memory. When gate is set, every fetch
// blocks until a value is sent on it or ctx ends.
type fakeProfiles struct {
	mu        sync.Mutex
	profiles  map[string]*domain.Profile
	errs      []error
	gate      chan struct{}
	createErr error

	fetches atomic.Int32
}

func newFakeProfiles() *fakeProfiles {
	return &fakeProfiles{profiles: map[string]*domain.Profile{}}
}

func (f *fakeProfiles) put(p *domain.Profile) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[p.ID] = p.Clone()
}

func (f *fakeProfiles) failNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, errs...)
}

func (f *fakeProfiles) setGate(gate chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = gate
}

func (f *fakeProfiles) FetchOrCreate(ctx context.Context, subjectID, email string) (*domain.Profile, error) {
	f.fetches.Add(1)

	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	if p, ok := f.profiles[subjectID]; ok {
		return p.Clone(), nil
	}
	p := domain.NewDefaultProfile(subjectID, email)
	p.UpdatedAt = time.Now()
	f.profiles[subjectID] = p
	return p.Clone(), nil
}

func (f *fakeProfiles) Create(_ context.Context, subjectID, email string, meta domain.SignUpMetadata) (*domain.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	p, ok := f.profiles[subjectID]
	if !ok {
		p = domain.NewDefaultProfile(subjectID, email)
		f.profiles[subjectID] = p
	}
	if p.FullName == "" {
		p.FullName = meta.FullName
	}
	if p.CPF == nil {
		p.CPF = meta.CPF
	}
	p.UpdatedAt = time.Now()
	return p.Clone(), nil
}

func (f *fakeProfiles) Update(_ context.Context, subjectID string, update domain.ProfileUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[subjectID]
	if !ok {
		return errors.New("profile not found")
	}
	p.Apply(update)
	p.UpdatedAt = time.Now()
	return nil
}
