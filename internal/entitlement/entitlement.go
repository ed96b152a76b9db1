// Package entitlement derives access facts from a profile and the current time.
// Nothing here is cached; every result is recomputed from its inputs.
package entitlement

import (
	"math"
	"slices"
	"time"

	"github.com/spec-kit/entitlement-service/internal/domain"
)

const day = 24 * time.Hour

// Trial is the derived trial state of a profile.
type Trial struct {
	Active   bool `json:"is_active"`
	DaysLeft int  `json:"days_left"`
}

// Reason codes carried to the plan selection page.
const (
	ReasonExpired    = "expired"
	ReasonChoosePlan = "choose-plan"
)

// Denial explains why a signed-in user has no paid access.
type Denial struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// ComputeTrial derives trial facts at now. Days are rounded up, so any
// positive remainder counts as a full day.
func ComputeTrial(p *domain.Profile, now time.Time) Trial {
	if p == nil || p.TrialEndsAt == nil {
		return Trial{}
	}
	remaining := p.TrialEndsAt.Sub(now)
	days := int(math.Ceil(float64(remaining) / float64(day)))
	return Trial{
		Active:   days > 0 && p.PlanStatus == domain.PlanStatusTrial,
		DaysLeft: max(0, days),
	}
}

// ComputeContentAccess reports whether the profile owns productID.
func ComputeContentAccess(p *domain.Profile, productID string) bool {
	if p == nil || productID == "" {
		return false
	}
	return slices.Contains(p.OwnedProductIDs, productID)
}

// HasPaidAccess reports whether the profile may enter paid areas at now:
// an active plan, or a trial that has not lapsed.
func HasPaidAccess(p *domain.Profile, now time.Time) bool {
	if p == nil {
		return false
	}
	switch p.PlanStatus {
	case domain.PlanStatusActive:
		return true
	case domain.PlanStatusTrial:
		return ComputeTrial(p, now).Active
	default:
		return false
	}
}

// DenialReason returns the reason and message shown when HasPaidAccess is false.
func DenialReason(p *domain.Profile, now time.Time) Denial {
	if p == nil {
		return Denial{Reason: ReasonChoosePlan, Message: "Choose a plan to continue."}
	}
	switch p.PlanStatus {
	case domain.PlanStatusTrial:
		if !ComputeTrial(p, now).Active {
			return Denial{Reason: ReasonExpired, Message: "Your free trial has ended. Choose a plan to keep using the platform."}
		}
	case domain.PlanStatusCanceled:
		return Denial{Reason: ReasonChoosePlan, Message: "Your subscription was canceled. Choose a plan to reactivate your access."}
	case domain.PlanStatusPastDue:
		return Denial{Reason: ReasonChoosePlan, Message: "Your last payment did not go through. Update your plan to restore access."}
	}
	return Denial{Reason: ReasonChoosePlan, Message: "Choose a plan to continue."}
}
