// Package gate decides access from a published session state. Decisions are
// pure functions of their inputs; anything short of a resolved state denies.
package gate

import (
	"time"

	"github.com/spec-kit/entitlement-service/internal/entitlement"
	"github.com/spec-kit/entitlement-service/internal/session"
)

// Outcome is the kind of a route decision.
type Outcome string

const (
	OutcomeLoading        Outcome = "loading"
	OutcomeRedirectSignIn Outcome = "redirect_sign_in"
	OutcomeRedirectPlans  Outcome = "redirect_plans"
	OutcomeAllow          Outcome = "allow"
)

// RouteDecision is the result of the route gate.
type RouteDecision struct {
	Outcome Outcome
	// Denial is set for OutcomeRedirectPlans.
	Denial entitlement.Denial
}

// Allowed reports whether the protected route may render.
func (d RouteDecision) Allowed() bool {
	return d.Outcome == OutcomeAllow
}

// Route decides whether a route may render for state.
func Route(state session.State, requiresPaidPlan bool, now time.Time) RouteDecision {
	switch state.Phase {
	case session.PhaseUnauthenticated:
		return RouteDecision{Outcome: OutcomeRedirectSignIn}
	case session.PhaseReady:
	default:
		return RouteDecision{Outcome: OutcomeLoading}
	}

	if state.Profile == nil {
		return RouteDecision{Outcome: OutcomeLoading}
	}
	if requiresPaidPlan && !entitlement.HasPaidAccess(state.Profile, now) {
		return RouteDecision{
			Outcome: OutcomeRedirectPlans,
			Denial:  entitlement.DenialReason(state.Profile, now),
		}
	}
	return RouteDecision{Outcome: OutcomeAllow}
}
