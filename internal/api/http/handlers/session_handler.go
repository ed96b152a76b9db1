package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/entitlement-service/internal/api/dto"
	"github.com/spec-kit/entitlement-service/internal/session"
	apperrors "github.com/spec-kit/entitlement-service/pkg/util/errorutil"
)

// SessionHandler exposes the caller's session state.
type SessionHandler struct {
	resolveWait time.Duration
}

// NewSessionHandler constructs handler. resolveWait bounds how long GET
// /session waits for a resolved state before answering with what it has.
func NewSessionHandler(resolveWait time.Duration) *SessionHandler {
	return &SessionHandler{resolveWait: resolveWait}
}

// Get handles GET /session.
func (h *SessionHandler) Get(c *fiber.Ctx) error {
	manager, err := managerFrom(c)
	if err != nil {
		return err
	}
	if err := manager.EnsureFresh(c.UserContext()); errors.Is(err, session.ErrSessionExpired) {
		return c.JSON(fiber.Map{"data": sessionView(session.State{Phase: session.PhaseInitializing})})
	}
	state := manager.Snapshot()
	if !state.Resolved() && h.resolveWait > 0 {
		ctx, cancel := context.WithTimeout(c.UserContext(), h.resolveWait)
		state, _ = manager.Wait(ctx, session.State.Resolved)
		cancel()
	}
	return c.JSON(fiber.Map{"data": sessionView(state)})
}

// RefreshProfile handles POST /session/profile/refresh.
func (h *SessionHandler) RefreshProfile(c *fiber.Ctx) error {
	manager, err := managerFrom(c)
	if err != nil {
		return err
	}
	if manager.Snapshot().Session == nil {
		return session.ErrNotAuthenticated
	}
	if err := manager.RefreshProfile(c.UserContext()); err != nil {
		return apperrors.NewServiceUnavailable("profile could not be loaded")
	}
	return c.JSON(fiber.Map{"data": sessionView(manager.Snapshot())})
}

// UpdateProfile handles PATCH /session/profile.
func (h *SessionHandler) UpdateProfile(c *fiber.Ctx) error {
	var req dto.ProfileUpdateRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid payload")
	}
	if err := dto.Validate(req); err != nil {
		return err
	}
	update := req.ToDomain()
	if update.Empty() {
		return apperrors.NewValidationError("no fields to update", nil)
	}
	manager, err := managerFrom(c)
	if err != nil {
		return err
	}
	if err := manager.UpdateProfile(c.UserContext(), update); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": sessionView(manager.Snapshot())})
}
