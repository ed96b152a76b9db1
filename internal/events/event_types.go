package events

import (
	"time"

	"github.com/spec-kit/entitlement-service/internal/domain"
)

// Kind enumerates identity provider session notifications.
type Kind string

const (
	KindSignedIn       Kind = "SIGNED_IN"
	KindSignedOut      Kind = "SIGNED_OUT"
	KindTokenRefreshed Kind = "TOKEN_REFRESHED"
	KindInitialSession Kind = "INITIAL_SESSION"
)

// SessionEvent is delivered to session-change subscribers. Session is nil for
// SIGNED_OUT and for an INITIAL_SESSION without a stored grant.
type SessionEvent struct {
	Kind      Kind
	Session   *domain.Session
	Timestamp time.Time
}

// ProfileChanged announces an out-of-band profile write (payment settlement).
type ProfileChanged struct {
	SubjectID string    `json:"subject_id"`
	Source    string    `json:"source"`
	EventID   string    `json:"event_id,omitempty"`
	At        time.Time `json:"at"`
}
