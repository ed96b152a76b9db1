package handlers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/entitlement-service/internal/api/dto"
	"github.com/spec-kit/entitlement-service/internal/auth"
	"github.com/spec-kit/entitlement-service/internal/session"
	apperrors "github.com/spec-kit/entitlement-service/pkg/util/errorutil"
)

// now is the clock used for entitlement facts in responses.
var now = time.Now

func managerFrom(c *fiber.Ctx) (*session.Manager, error) {
	manager, ok := auth.ManagerFromContext(c)
	if !ok {
		return nil, apperrors.NewInternalError(errors.New("session manager missing from context"))
	}
	return manager, nil
}

func sessionView(state session.State) dto.SessionResponse {
	return dto.NewSessionResponse(state, now())
}
