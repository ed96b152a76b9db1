package domain

import "time"

// Session is a live authentication grant issued by the identity provider.
type Session struct {
	SubjectID    string    `json:"subject_id"`
	Email        string    `json:"email"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the access token is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return s == nil || !now.Before(s.ExpiresAt)
}

// SignUpMetadata carries the optional fields collected by the sign-up form.
type SignUpMetadata struct {
	FullName string
	CPF      *string
}
