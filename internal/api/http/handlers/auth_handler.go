package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/entitlement-service/internal/api/dto"
	"github.com/spec-kit/entitlement-service/internal/auth"
	"github.com/spec-kit/entitlement-service/internal/session"
	apperrors "github.com/spec-kit/entitlement-service/pkg/util/errorutil"
)

// PasswordResetter completes a password reset out of band of any session.
type PasswordResetter interface {
	ConfirmPasswordReset(ctx context.Context, token, newPassword string) error
}

// ClientEvictor drops the session manager held for a client.
type ClientEvictor interface {
	Evict(clientID string)
}

// AuthHandler exposes credential endpoints for the caller's session.
type AuthHandler struct {
	resets  PasswordResetter
	limiter *auth.RateLimiter
	clients ClientEvictor
}

// NewAuthHandler constructs handler. limiter and clients may be nil.
func NewAuthHandler(resets PasswordResetter, limiter *auth.RateLimiter, clients ClientEvictor) *AuthHandler {
	return &AuthHandler{resets: resets, limiter: limiter, clients: clients}
}

// SignUp handles POST /auth/sign-up.
func (h *AuthHandler) SignUp(c *fiber.Ctx) error {
	var req dto.SignUpRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid payload")
	}
	if err := dto.Validate(req); err != nil {
		return err
	}
	manager, err := managerFrom(c)
	if err != nil {
		return err
	}

	err = manager.SignUp(c.UserContext(), session.SignUpInput{
		Email:    req.Email,
		Password: req.Password,
		FullName: strings.TrimSpace(req.FullName),
		CPF:      req.CPF,
	})
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": sessionView(manager.Snapshot())})
}

// SignIn handles POST /auth/sign-in.
func (h *AuthHandler) SignIn(c *fiber.Ctx) error {
	var req dto.SignInRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid payload")
	}
	if err := dto.Validate(req); err != nil {
		return err
	}
	if h.limiter != nil && !h.limiter.AllowEmail(req.Email) {
		return apperrors.NewRateLimited()
	}
	manager, err := managerFrom(c)
	if err != nil {
		return err
	}

	if err := manager.SignIn(c.UserContext(), req.Email, req.Password); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": sessionView(manager.Snapshot())})
}

// SignOut handles POST /auth/sign-out.
func (h *AuthHandler) SignOut(c *fiber.Ctx) error {
	manager, err := managerFrom(c)
	if err != nil {
		return err
	}
	if err := manager.SignOut(c.UserContext()); err != nil {
		return err
	}
	if h.clients != nil {
		h.clients.Evict(auth.ClientIDFromContext(c))
	}
	return c.SendStatus(http.StatusNoContent)
}

// RequestPasswordReset handles POST /auth/password/reset/request. The answer
// does not reveal whether the address is registered.
func (h *AuthHandler) RequestPasswordReset(c *fiber.Ctx) error {
	var req dto.PasswordResetRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid payload")
	}
	if err := dto.Validate(req); err != nil {
		return err
	}
	manager, err := managerFrom(c)
	if err != nil {
		return err
	}
	if err := manager.ResetPassword(c.UserContext(), req.Email); err != nil {
		return err
	}
	return c.Status(http.StatusAccepted).JSON(fiber.Map{"status": "sent"})
}

// ConfirmPasswordReset handles POST /auth/password/reset/confirm.
func (h *AuthHandler) ConfirmPasswordReset(c *fiber.Ctx) error {
	var req dto.PasswordResetConfirmRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid payload")
	}
	if err := dto.Validate(req); err != nil {
		return err
	}
	if err := h.resets.ConfirmPasswordReset(c.UserContext(), req.Token, req.Password); err != nil {
		return err
	}
	return c.SendStatus(http.StatusNoContent)
}
