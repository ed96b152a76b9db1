package session

import (
	"context"
	"errors"

	"github.com/spec-kit/entitlement-service/internal/domain"
	"github.com/spec-kit/entitlement-service/internal/events"
)

// Phase is the tag of a published State.
type Phase string

const (
	PhaseInitializing    Phase = "initializing"
	PhaseUnauthenticated Phase = "unauthenticated"
	PhasePendingProfile  Phase = "pending_profile"
	PhaseReady           Phase = "ready"
)

var (
	ErrClosed           = errors.New("session manager closed")
	ErrNotAuthenticated = errors.New("no active session")
	ErrProfileNotReady  = errors.New("profile not resolved")
	ErrSessionExpired   = errors.New("session expired")
)

// State is the immutable snapshot published by a Manager. Session is set in
// PhasePendingProfile and PhaseReady; Profile only in PhaseReady. Both are
// shared between readers and must not be modified.
type State struct {
	Phase      Phase           `json:"phase"`
	Generation uint64          `json:"generation"`
	Session    *domain.Session `json:"-"`
	Profile    *domain.Profile `json:"-"`
	// ProfileUnavailable marks a pending state whose last resolution failed,
	// as opposed to one still in flight.
	ProfileUnavailable bool `json:"profile_unavailable,omitempty"`
}

// Resolved reports whether gates may act on the state.
func (s State) Resolved() bool {
	return s.Phase == PhaseUnauthenticated || s.Phase == PhaseReady
}

// SubjectID returns the subject of the cached session, if any.
func (s State) SubjectID() string {
	if s.Session == nil {
		return ""
	}
	return s.Session.SubjectID
}

// IdentityClient is the identity provider as seen by one user agent.
type IdentityClient interface {
	CurrentSession(ctx context.Context) (*domain.Session, error)
	SignInWithPassword(ctx context.Context, email, password string) error
	SignUp(ctx context.Context, email, password string, meta domain.SignUpMetadata) (string, error)
	SignOut(ctx context.Context) error
	ResetPassword(ctx context.Context, email string) error
	OnSessionChange(handler events.Handler) (unsubscribe func())
}

// ProfileSource resolves and edits profiles.
type ProfileSource interface {
	FetchOrCreate(ctx context.Context, subjectID, fallbackEmail string) (*domain.Profile, error)
	Create(ctx context.Context, subjectID, email string, meta domain.SignUpMetadata) (*domain.Profile, error)
	Update(ctx context.Context, subjectID string, update domain.ProfileUpdate) error
}

// SignUpInput carries the sign-up form.
type SignUpInput struct {
	Email    string
	Password string
	FullName string
	CPF      *string
}
