package billing

import (
	"context"
	"errors"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/entitlement-service/internal/config"
	"github.com/spec-kit/entitlement-service/internal/domain"
	"github.com/spec-kit/entitlement-service/internal/session"
)

// Outcome of a checkout return.
type Outcome string

const (
	OutcomeSettled         Outcome = "settled"
	OutcomeTimeout         Outcome = "timeout"
	OutcomeUnauthenticated Outcome = "unauthenticated"
)

// Settlement reports how a checkout return resolved.
type Settlement struct {
	Outcome  Outcome
	Profile  *domain.Profile
	Attempts int
}

// SessionSource is the part of a session manager the reconciler drives.
type SessionSource interface {
	Snapshot() session.State
	Wait(ctx context.Context, pred func(session.State) bool) (session.State, error)
	RefreshProfile(ctx context.Context) error
}

// Reconciler waits for a payment to show up on the profile after the user
// returns from checkout.
type Reconciler struct {
	timeout     time.Duration
	initialWait time.Duration
	maxWait     time.Duration
	logger      *zap.Logger
}

// NewReconciler builds a Reconciler from the billing settings.
func NewReconciler(cfg config.BillingConfig, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		timeout:     cfg.SettleTimeout,
		initialWait: cfg.PollInitialWait,
		maxWait:     max(cfg.PollMaxWait, cfg.PollInitialWait),
		logger:      logger,
	}
}

// AwaitSettlement refreshes the profile with backoff until its billing fields
// change from what they were on return. A push refresh of the same manager
// ends the wait early. It gives up with OutcomeTimeout after the settle
// timeout.
func (r *Reconciler) AwaitSettlement(ctx context.Context, src SessionSource, reference string) (Settlement, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	logger := r.logger.With(zap.String("checkout_ref", reference))

	state, err := src.Wait(ctx, func(s session.State) bool { return s.Resolved() })
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Settlement{Outcome: OutcomeTimeout}, nil
		}
		return Settlement{}, err
	}
	if state.Phase != session.PhaseReady {
		return Settlement{Outcome: OutcomeUnauthenticated}, nil
	}
	baseline := state.Profile
	generation := state.Generation

	changed := func(s session.State) bool {
		return s.Phase != session.PhaseReady || s.Generation != generation || billingChanged(baseline, s.Profile)
	}

	wait := r.initialWait
	for attempt := 1; ; attempt++ {
		if err := src.RefreshProfile(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("refresh during settlement", zap.Int("attempt", attempt), zap.Error(err))
		}

		waitCtx, waitCancel := context.WithTimeout(ctx, wait)
		state, err = src.Wait(waitCtx, changed)
		waitCancel()

		if err == nil {
			if state.Phase != session.PhaseReady || state.Generation != generation {
				return Settlement{Outcome: OutcomeUnauthenticated, Attempts: attempt}, nil
			}
			logger.Info("checkout settled", zap.Int("attempts", attempt))
			return Settlement{Outcome: OutcomeSettled, Profile: state.Profile, Attempts: attempt}, nil
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			return Settlement{}, err
		}
		if ctx.Err() != nil {
			logger.Warn("checkout not settled before timeout", zap.Int("attempts", attempt))
			return Settlement{Outcome: OutcomeTimeout, Profile: src.Snapshot().Profile, Attempts: attempt}, nil
		}
		wait = min(wait*2, r.maxWait)
	}
}

// billingChanged reports whether settlement touched the profile.
func billingChanged(before, after *domain.Profile) bool {
	if before == nil || after == nil {
		return before != after
	}
	if after.UpdatedAt.After(before.UpdatedAt) {
		return true
	}
	return before.Plan != after.Plan ||
		before.PlanStatus != after.PlanStatus ||
		!slices.Equal(before.OwnedProductIDs, after.OwnedProductIDs)
}
