package dto

import (
	"time"

	"github.com/spec-kit/entitlement-service/internal/domain"
	"github.com/spec-kit/entitlement-service/internal/entitlement"
	"github.com/spec-kit/entitlement-service/internal/session"
)

// ProfileUpdateRequest carries the fields a user may edit.
type ProfileUpdateRequest struct {
	FullName  *string `json:"full_name" validate:"omitempty,min=1,max=120"`
	AvatarURL *string `json:"avatar_url" validate:"omitempty,url"`
	CPF       *string `json:"cpf" validate:"omitempty,min=11,max=14"`
}

// ToDomain converts the request to a profile update.
func (r ProfileUpdateRequest) ToDomain() domain.ProfileUpdate {
	return domain.ProfileUpdate{FullName: r.FullName, AvatarURL: r.AvatarURL, CPF: r.CPF}
}

// UserResponse is the identity part of a session.
type UserResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ProfileResponse is the public view of a profile.
type ProfileResponse struct {
	ID              string            `json:"id"`
	FullName        string            `json:"full_name"`
	Email           string            `json:"email"`
	AvatarURL       *string           `json:"avatar_url,omitempty"`
	CPF             *string           `json:"cpf,omitempty"`
	Plan            domain.PlanTier   `json:"plan"`
	PlanStatus      domain.PlanStatus `json:"plan_status"`
	TrialEndsAt     *time.Time        `json:"trial_ends_at,omitempty"`
	OwnedProductIDs []string          `json:"owned_product_ids"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// SessionResponse is the client view of a published session state.
type SessionResponse struct {
	Phase              session.Phase     `json:"phase"`
	ProfileUnavailable bool              `json:"profile_unavailable,omitempty"`
	User               *UserResponse     `json:"user,omitempty"`
	Profile            *ProfileResponse  `json:"profile,omitempty"`
	Trial              entitlement.Trial `json:"trial"`
	PaidAccess         bool              `json:"paid_access"`
}

// NewProfileResponse maps a profile; nil stays nil.
func NewProfileResponse(p *domain.Profile) *ProfileResponse {
	if p == nil {
		return nil
	}
	owned := p.OwnedProductIDs
	if owned == nil {
		owned = []string{}
	}
	return &ProfileResponse{
		ID:              p.ID,
		FullName:        p.FullName,
		Email:           p.Email,
		AvatarURL:       p.AvatarURL,
		CPF:             p.CPF,
		Plan:            p.Plan,
		PlanStatus:      p.PlanStatus,
		TrialEndsAt:     p.TrialEndsAt,
		OwnedProductIDs: owned,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
}

// NewSessionResponse maps a state at now.
func NewSessionResponse(state session.State, now time.Time) SessionResponse {
	resp := SessionResponse{
		Phase:              state.Phase,
		ProfileUnavailable: state.ProfileUnavailable,
	}
	if state.Session != nil {
		resp.User = &UserResponse{
			ID:        state.Session.SubjectID,
			Email:     state.Session.Email,
			ExpiresAt: state.Session.ExpiresAt,
		}
	}
	if state.Phase == session.PhaseReady {
		resp.Profile = NewProfileResponse(state.Profile)
		resp.Trial = entitlement.ComputeTrial(state.Profile, now)
		resp.PaidAccess = entitlement.HasPaidAccess(state.Profile, now)
	}
	return resp
}
