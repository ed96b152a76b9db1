package handlers

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/entitlement-service/internal/billing"
	apperrors "github.com/spec-kit/entitlement-service/pkg/util/errorutil"
)

// WebhookHandler receives payment provider events.
type WebhookHandler struct {
	processor *billing.Processor
}

// NewWebhookHandler constructs handler.
func NewWebhookHandler(processor *billing.Processor) *WebhookHandler {
	return &WebhookHandler{processor: processor}
}

// Stripe handles POST /webhooks/stripe. Failures answer 5xx so the provider
// redelivers.
func (h *WebhookHandler) Stripe(c *fiber.Ctx) error {
	event, err := h.processor.Verify(c.Body(), c.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, billing.ErrWebhookNotConfigured) {
			return apperrors.NewServiceUnavailable("webhook not configured")
		}
		return apperrors.NewDomainError("INVALID_SIGNATURE", "invalid signature", http.StatusBadRequest, nil)
	}

	result, err := h.processor.Process(c.UserContext(), event)
	if err != nil {
		return apperrors.NewInternalError(err)
	}
	return c.JSON(fiber.Map{"received": true, "result": result})
}
