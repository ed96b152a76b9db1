package domain

import (
	"slices"
	"time"
)

// PlanTier enumerates the purchasable plans.
type PlanTier string

const (
	PlanStarter      PlanTier = "starter"
	PlanProfessional PlanTier = "professional"
	PlanBusiness     PlanTier = "business"
	PlanEnterprise   PlanTier = "enterprise"
)

// Valid reports whether the tier is one of the known plans.
func (p PlanTier) Valid() bool {
	switch p {
	case PlanStarter, PlanProfessional, PlanBusiness, PlanEnterprise:
		return true
	}
	return false
}

// PlanStatus enumerates billing states of a profile.
type PlanStatus string

const (
	PlanStatusTrial    PlanStatus = "trial"
	PlanStatusActive   PlanStatus = "active"
	PlanStatusCanceled PlanStatus = "canceled"
	PlanStatusPastDue  PlanStatus = "past_due"
)

// Profile is the durable business record of a subject.
type Profile struct {
	ID                   string
	FullName             string
	Email                string
	AvatarURL            *string
	CPF                  *string
	Plan                 PlanTier
	PlanStatus           PlanStatus
	TrialEndsAt          *time.Time
	OwnedProductIDs      []string
	StripeCustomerID     *string
	StripeSubscriptionID *string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// NewDefaultProfile builds the record created when a subject has none.
func NewDefaultProfile(subjectID, email string) *Profile {
	return &Profile{
		ID:              subjectID,
		Email:           email,
		Plan:            PlanStarter,
		PlanStatus:      PlanStatusActive,
		OwnedProductIDs: []string{},
	}
}

// Clone returns a deep copy so published snapshots never alias mutable state.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	cp := *p
	cp.AvatarURL = clonePtr(p.AvatarURL)
	cp.CPF = clonePtr(p.CPF)
	cp.TrialEndsAt = clonePtr(p.TrialEndsAt)
	cp.StripeCustomerID = clonePtr(p.StripeCustomerID)
	cp.StripeSubscriptionID = clonePtr(p.StripeSubscriptionID)
	cp.OwnedProductIDs = slices.Clone(p.OwnedProductIDs)
	return &cp
}

// Apply merges a consumer edit into the profile in place.
func (p *Profile) Apply(u ProfileUpdate) {
	if u.FullName != nil {
		p.FullName = *u.FullName
	}
	if u.AvatarURL != nil {
		p.AvatarURL = clonePtr(u.AvatarURL)
	}
	if u.CPF != nil {
		p.CPF = clonePtr(u.CPF)
	}
}

// ProfileUpdate is the set of fields a signed-in user may edit.
type ProfileUpdate struct {
	FullName  *string
	AvatarURL *string
	CPF       *string
}

// Empty reports whether the update carries no field.
func (u ProfileUpdate) Empty() bool {
	return u.FullName == nil && u.AvatarURL == nil && u.CPF == nil
}

// BillingUpdate is written by the payment settlement process.
type BillingUpdate struct {
	Plan                 *PlanTier
	PlanStatus           *PlanStatus
	SetTrialEndsAt       bool
	TrialEndsAt          *time.Time
	StripeCustomerID     *string
	SetSubscriptionID    bool
	StripeSubscriptionID *string
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}
