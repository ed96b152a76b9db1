package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/entitlement-service/internal/api/dto"
	"github.com/spec-kit/entitlement-service/internal/billing"
)

// CheckoutHandler handles the return from the payment provider.
type CheckoutHandler struct {
	reconciler *billing.Reconciler
}

// NewCheckoutHandler constructs handler.
func NewCheckoutHandler(reconciler *billing.Reconciler) *CheckoutHandler {
	return &CheckoutHandler{reconciler: reconciler}
}

// Return handles GET /checkout/return?session_id=. It holds the request until
// the payment shows up on the profile or the settle timeout passes.
func (h *CheckoutHandler) Return(c *fiber.Ctx) error {
	manager, err := managerFrom(c)
	if err != nil {
		return err
	}

	result, err := h.reconciler.AwaitSettlement(c.UserContext(), manager, c.Query("session_id"))
	if err != nil {
		return err
	}

	status := http.StatusOK
	switch result.Outcome {
	case billing.OutcomeTimeout:
		status = http.StatusAccepted
	case billing.OutcomeUnauthenticated:
		status = http.StatusUnauthorized
	}
	return c.Status(status).JSON(fiber.Map{"data": fiber.Map{
		"outcome":  result.Outcome,
		"attempts": result.Attempts,
		"profile":  dto.NewProfileResponse(result.Profile),
	}})
}
