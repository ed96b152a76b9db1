package auth

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/entitlement-service/internal/gate"
	"github.com/spec-kit/entitlement-service/internal/observability"
	"github.com/spec-kit/entitlement-service/internal/session"
	apperrors "github.com/spec-kit/entitlement-service/pkg/util/errorutil"
)

const stateKey = "session_state"

// GateConfig configures route gates.
type GateConfig struct {
	// Wait bounds how long a request waits for the state to resolve before
	// answering with a loading response.
	Wait       time.Duration
	SignInPath string
	PlansPath  string
	Metrics    *observability.Metrics
	Now        func() time.Time
}

// Gates turns route decisions into HTTP responses.
type Gates struct {
	cfg GateConfig
}

// NewGates constructs gate middleware.
func NewGates(cfg GateConfig) *Gates {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Gates{cfg: cfg}
}

// RequireSession admits any signed-in caller with a resolved profile.
func (g *Gates) RequireSession() fiber.Handler {
	return g.RequirePlan(false)
}

// RequirePaidPlan admits callers with an active plan or an active trial.
func (g *Gates) RequirePaidPlan() fiber.Handler {
	return g.RequirePlan(true)
}

// RequirePlan guards a route with the route gate.
func (g *Gates) RequirePlan(requiresPaid bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		manager, ok := ManagerFromContext(c)
		if !ok {
			return apperrors.NewInternalError(errors.New("session manager missing from context"))
		}

		state, err := g.resolved(c.UserContext(), manager)
		if err != nil {
			return err
		}

		decision := gate.Route(state, requiresPaid, g.cfg.Now())
		g.cfg.Metrics.RecordGateDecision("route", string(decision.Outcome))

		switch decision.Outcome {
		case gate.OutcomeLoading:
			c.Set(fiber.HeaderRetryAfter, "1")
			return c.Status(http.StatusAccepted).JSON(fiber.Map{"status": "loading"})
		case gate.OutcomeRedirectSignIn:
			q := url.Values{}
			q.Set("from", c.OriginalURL())
			return c.Redirect(g.cfg.SignInPath+"?"+q.Encode(), http.StatusSeeOther)
		case gate.OutcomeRedirectPlans:
			q := url.Values{}
			q.Set("reason", decision.Denial.Reason)
			q.Set("returnTo", c.OriginalURL())
			return c.Redirect(g.cfg.PlansPath+"?"+q.Encode(), http.StatusSeeOther)
		}

		c.Locals(stateKey, state)
		return c.Next()
	}
}

// resolved waits up to the configured bound for a state gates can act on.
// An unresolved state is returned as is once the bound passes. A grant that
// expired and could not be renewed reads as still initializing.
func (g *Gates) resolved(ctx context.Context, manager *session.Manager) (session.State, error) {
	if err := manager.EnsureFresh(ctx); err != nil {
		if errors.Is(err, session.ErrSessionExpired) {
			return session.State{Phase: session.PhaseInitializing}, nil
		}
		return session.State{}, err
	}
	if g.cfg.Wait <= 0 {
		return manager.Snapshot(), nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, g.cfg.Wait)
	defer cancel()

	state, err := manager.Wait(waitCtx, session.State.Resolved)
	switch {
	case err == nil, errors.Is(err, context.DeadlineExceeded):
		return state, nil
	case errors.Is(err, session.ErrClosed):
		return session.State{}, apperrors.NewServiceUnavailable("session closed")
	default:
		return session.State{}, err
	}
}

// StateFromContext returns the state a gate admitted the request with.
func StateFromContext(c *fiber.Ctx) (session.State, bool) {
	state, ok := c.Locals(stateKey).(session.State)
	return state, ok
}
