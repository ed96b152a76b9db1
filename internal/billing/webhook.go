// Package billing ingests payment settlement and reconciles the checkout
// return flow with it.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"

	"github.com/spec-kit/entitlement-service/internal/domain"
	"github.com/spec-kit/entitlement-service/internal/events"
	"github.com/spec-kit/entitlement-service/internal/observability"
	"github.com/spec-kit/entitlement-service/internal/repository"
)

var (
	ErrWebhookNotConfigured = errors.New("webhook secret not configured")
	ErrInvalidSignature     = errors.New("invalid webhook signature")
)

// Result labels of a processed event.
const (
	ResultProcessed = "processed"
	ResultDuplicate = "duplicate"
	ResultIgnored   = "ignored"
	ResultFailed    = "failed"
)

// ProfileBilling is the profile store surface used by settlement.
type ProfileBilling interface {
	ApplyBilling(ctx context.Context, id string, update domain.BillingUpdate) error
	ApplyBillingByCustomer(ctx context.Context, customerID string, update domain.BillingUpdate) ([]string, error)
	GrantProduct(ctx context.Context, id, productID string) error
	FindIDByEmail(ctx context.Context, email string) (string, error)
}

// BonusCatalog lists the products bundled with a purchased product.
type BonusCatalog interface {
	ListBonusProductIDs(ctx context.Context, parentID string) ([]string, error)
}

// ChangeNotifier announces profile writes to session holders.
type ChangeNotifier interface {
	PublishProfileChanged(ctx context.Context, event events.ProfileChanged) error
}

// Processor verifies Stripe events and writes their effect on profiles.
type Processor struct {
	secret     string
	profiles   ProfileBilling
	catalog    BonusCatalog
	notifier   ChangeNotifier
	deduper    EventDeduper
	pricePlans map[string]string
	metrics    *observability.Metrics
	logger     *zap.Logger
}

// ProcessorDependencies groups the collaborators of a Processor.
type ProcessorDependencies struct {
	Profiles ProfileBilling
	Catalog  BonusCatalog
	Notifier ChangeNotifier
	Deduper  EventDeduper
	Metrics  *observability.Metrics
	Logger   *zap.Logger
}

// NewProcessor builds a Processor. pricePlans maps Stripe price ids to plan tiers.
func NewProcessor(secret string, pricePlans map[string]string, deps ProcessorDependencies) *Processor {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		secret:     secret,
		profiles:   deps.Profiles,
		catalog:    deps.Catalog,
		notifier:   deps.Notifier,
		deduper:    deps.Deduper,
		pricePlans: pricePlans,
		metrics:    deps.Metrics,
		logger:     logger,
	}
}

// Verify checks the signature header and decodes the event.
func (p *Processor) Verify(payload []byte, sigHeader string) (stripe.Event, error) {
	if strings.TrimSpace(p.secret) == "" {
		return stripe.Event{}, ErrWebhookNotConfigured
	}
	if strings.TrimSpace(sigHeader) == "" {
		return stripe.Event{}, ErrInvalidSignature
	}
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, p.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return event, nil
}

// Process applies one verified event and returns its result label. A failed
// event releases its dedupe claim so the provider's retry is processed.
func (p *Processor) Process(ctx context.Context, event stripe.Event) (string, error) {
	eventType := string(event.Type)
	logger := p.logger.With(zap.String("event_id", event.ID), zap.String("type", eventType))

	if p.deduper != nil && event.ID != "" {
		claimed, err := p.deduper.Claim(ctx, event.ID)
		if err != nil {
			p.metrics.RecordWebhookEvent(eventType, ResultFailed)
			return ResultFailed, fmt.Errorf("claim event: %w", err)
		}
		if !claimed {
			logger.Info("duplicate webhook delivery skipped")
			p.metrics.RecordWebhookEvent(eventType, ResultDuplicate)
			return ResultDuplicate, nil
		}
	}

	subjects, handled, err := p.dispatch(ctx, event, logger)
	if err != nil {
		if p.deduper != nil && event.ID != "" {
			if relErr := p.deduper.Release(context.WithoutCancel(ctx), event.ID); relErr != nil {
				logger.Warn("release event claim", zap.Error(relErr))
			}
		}
		logger.Error("webhook processing failed", zap.Error(err))
		p.metrics.RecordWebhookEvent(eventType, ResultFailed)
		return ResultFailed, err
	}
	if !handled {
		logger.Info("webhook ignored (unhandled type)")
		p.metrics.RecordWebhookEvent(eventType, ResultIgnored)
		return ResultIgnored, nil
	}

	for _, subjectID := range subjects {
		change := events.ProfileChanged{SubjectID: subjectID, Source: "stripe:" + eventType, EventID: event.ID, At: time.Now().UTC()}
		if p.notifier == nil {
			continue
		}
		if err := p.notifier.PublishProfileChanged(ctx, change); err != nil {
			logger.Warn("publish profile change", zap.String("subject_id", subjectID), zap.Error(err))
		}
	}
	p.metrics.RecordWebhookEvent(eventType, ResultProcessed)
	return ResultProcessed, nil
}

func (p *Processor) dispatch(ctx context.Context, event stripe.Event, logger *zap.Logger) ([]string, bool, error) {
	if event.Data == nil {
		return nil, false, nil
	}
	switch event.Type {
	case "checkout.session.completed":
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
			return nil, true, fmt.Errorf("decode checkout.session: %w", err)
		}
		subjects, err := p.handleCheckoutCompleted(ctx, &cs, logger)
		return subjects, true, err

	case "customer.subscription.created", "customer.subscription.updated":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, true, fmt.Errorf("decode subscription: %w", err)
		}
		subjects, err := p.handleSubscriptionUpdated(ctx, &sub)
		return subjects, true, err

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, true, fmt.Errorf("decode subscription: %w", err)
		}
		subjects, err := p.handleSubscriptionDeleted(ctx, &sub)
		return subjects, true, err

	default:
		return nil, false, nil
	}
}

func (p *Processor) handleCheckoutCompleted(ctx context.Context, cs *stripe.CheckoutSession, logger *zap.Logger) ([]string, error) {
	subjectID, err := p.resolveSubject(ctx, cs)
	if err != nil {
		return nil, err
	}
	if subjectID == "" {
		logger.Warn("checkout without client reference or known email", zap.String("checkout_id", cs.ID))
		return nil, nil
	}

	if productID := strings.TrimSpace(cs.Metadata["product_id"]); productID != "" && cs.Mode == stripe.CheckoutSessionModePayment {
		if err := p.grantWithBonuses(ctx, subjectID, productID, logger); err != nil {
			return nil, err
		}
		return []string{subjectID}, nil
	}

	plan := p.planFor(cs.Metadata["plan"], cs.Metadata["price_id"])
	status := domain.PlanStatusActive
	update := domain.BillingUpdate{
		Plan:           &plan,
		PlanStatus:     &status,
		SetTrialEndsAt: true,
	}
	if cs.Customer != nil && cs.Customer.ID != "" {
		update.StripeCustomerID = &cs.Customer.ID
	}
	update.SetSubscriptionID = true
	if cs.Subscription != nil && cs.Subscription.ID != "" {
		update.StripeSubscriptionID = &cs.Subscription.ID
	}

	if err := p.profiles.ApplyBilling(ctx, subjectID, update); err != nil {
		return nil, fmt.Errorf("apply checkout to profile %s: %w", subjectID, err)
	}
	logger.Info("checkout settled", zap.String("subject_id", subjectID), zap.String("plan", string(plan)))
	return []string{subjectID}, nil
}

// grantWithBonuses grants productID and every active product bundled with it.
// Grants are idempotent so a redelivered event completes a partial grant.
func (p *Processor) grantWithBonuses(ctx context.Context, subjectID, productID string, logger *zap.Logger) error {
	granted := []string{productID}
	if p.catalog != nil {
		bonuses, err := p.catalog.ListBonusProductIDs(ctx, productID)
		if err != nil {
			return fmt.Errorf("list bonuses of %s: %w", productID, err)
		}
		granted = append(granted, bonuses...)
	}
	for _, id := range granted {
		if err := p.profiles.GrantProduct(ctx, subjectID, id); err != nil {
			return fmt.Errorf("grant product %s: %w", id, err)
		}
	}
	logger.Info("product granted",
		zap.String("subject_id", subjectID),
		zap.String("product_id", productID),
		zap.Int("bonuses", len(granted)-1),
	)
	return nil
}

func (p *Processor) resolveSubject(ctx context.Context, cs *stripe.CheckoutSession) (string, error) {
	if id := strings.TrimSpace(cs.ClientReferenceID); id != "" {
		return id, nil
	}
	email := strings.TrimSpace(cs.CustomerEmail)
	if cs.CustomerDetails != nil && cs.CustomerDetails.Email != "" {
		email = strings.TrimSpace(cs.CustomerDetails.Email)
	}
	if email == "" {
		return "", nil
	}
	id, err := p.profiles.FindIDByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrProfileNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("lookup profile by email: %w", err)
	}
	return id, nil
}

func (p *Processor) handleSubscriptionUpdated(ctx context.Context, sub *stripe.Subscription) ([]string, error) {
	customerID := customerOf(sub)
	if customerID == "" {
		return nil, errors.New("subscription without customer")
	}

	status := mapSubscriptionStatus(sub.Status)
	update := domain.BillingUpdate{PlanStatus: &status}
	if sub.Status == stripe.SubscriptionStatusTrialing && sub.TrialEnd > 0 {
		trialEnd := time.Unix(sub.TrialEnd, 0).UTC()
		update.SetTrialEndsAt = true
		update.TrialEndsAt = &trialEnd
	}
	if plan, ok := p.pricePlans[firstPriceID(sub)]; ok && domain.PlanTier(plan).Valid() {
		tier := domain.PlanTier(plan)
		update.Plan = &tier
	}
	if sub.ID != "" && status != domain.PlanStatusCanceled {
		update.SetSubscriptionID = true
		update.StripeSubscriptionID = &sub.ID
	}

	ids, err := p.profiles.ApplyBillingByCustomer(ctx, customerID, update)
	if err != nil {
		return nil, fmt.Errorf("apply subscription for customer %s: %w", customerID, err)
	}
	return ids, nil
}

func (p *Processor) handleSubscriptionDeleted(ctx context.Context, sub *stripe.Subscription) ([]string, error) {
	customerID := customerOf(sub)
	if customerID == "" {
		return nil, errors.New("subscription without customer")
	}
	status := domain.PlanStatusCanceled
	ids, err := p.profiles.ApplyBillingByCustomer(ctx, customerID, domain.BillingUpdate{
		PlanStatus:        &status,
		SetSubscriptionID: true,
	})
	if err != nil {
		return nil, fmt.Errorf("cancel subscription for customer %s: %w", customerID, err)
	}
	return ids, nil
}

func (p *Processor) planFor(plan, priceID string) domain.PlanTier {
	if tier := domain.PlanTier(strings.TrimSpace(plan)); tier.Valid() {
		return tier
	}
	if mapped, ok := p.pricePlans[strings.TrimSpace(priceID)]; ok {
		if tier := domain.PlanTier(mapped); tier.Valid() {
			return tier
		}
	}
	return domain.PlanStarter
}

// mapSubscriptionStatus folds Stripe's subscription lifecycle into plan status.
func mapSubscriptionStatus(status stripe.SubscriptionStatus) domain.PlanStatus {
	switch status {
	case stripe.SubscriptionStatusActive:
		return domain.PlanStatusActive
	case stripe.SubscriptionStatusTrialing:
		return domain.PlanStatusTrial
	case stripe.SubscriptionStatusPastDue:
		return domain.PlanStatusPastDue
	default:
		return domain.PlanStatusCanceled
	}
}

func customerOf(sub *stripe.Subscription) string {
	if sub.Customer == nil {
		return ""
	}
	return strings.TrimSpace(sub.Customer.ID)
}

func firstPriceID(sub *stripe.Subscription) string {
	if sub.Items == nil {
		return ""
	}
	for _, item := range sub.Items.Data {
		if item != nil && item.Price != nil && item.Price.ID != "" {
			return item.Price.ID
		}
	}
	return ""
}
