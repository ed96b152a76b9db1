package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/entitlement-service/internal/api/dto"
	"github.com/spec-kit/entitlement-service/internal/auth"
	"github.com/spec-kit/entitlement-service/internal/entitlement"
	"github.com/spec-kit/entitlement-service/internal/gate"
	"github.com/spec-kit/entitlement-service/internal/repository"
	"github.com/spec-kit/entitlement-service/internal/session"
	apperrors "github.com/spec-kit/entitlement-service/pkg/util/errorutil"
)

// AppHandler serves the gated application pages.
type AppHandler struct {
	lessons repository.LessonRepository
}

// NewAppHandler constructs handler.
func NewAppHandler(lessons repository.LessonRepository) *AppHandler {
	return &AppHandler{lessons: lessons}
}

// Account handles GET /app/account.
func (h *AppHandler) Account(c *fiber.Ctx) error {
	state, err := admittedState(c)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": sessionView(state)})
}

// Dashboard handles GET /app/dashboard.
func (h *AppHandler) Dashboard(c *fiber.Ctx) error {
	state, err := admittedState(c)
	if err != nil {
		return err
	}
	manager, err := managerFrom(c)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{
		"plan":              state.Profile.Plan,
		"plan_status":       state.Profile.PlanStatus,
		"trial":             manager.Trial(now()),
		"owned_product_ids": dto.NewProfileResponse(state.Profile).OwnedProductIDs,
	}})
}

// Lesson handles GET /app/lessons/:id. Lessons of products the caller does
// not own are rendered locked, without their media.
func (h *AppHandler) Lesson(c *fiber.Ctx) error {
	state, err := admittedState(c)
	if err != nil {
		return err
	}
	lesson, err := h.lessons.GetLesson(c.UserContext(), c.Params("id"))
	if err != nil {
		return apperrors.MapError(err)
	}
	product, err := h.lessons.GetProduct(c.UserContext(), lesson.ProductID)
	if err != nil {
		product = nil
	}

	view := gate.Content(state, lesson, product)
	if view.Unlocked != nil {
		return c.JSON(fiber.Map{"data": fiber.Map{"locked": false, "lesson": view.Unlocked}})
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"locked": true, "lesson": view.Locked}})
}

func admittedState(c *fiber.Ctx) (session.State, error) {
	state, ok := auth.StateFromContext(c)
	if !ok || state.Profile == nil {
		return session.State{}, apperrors.NewInternalError(errors.New("route reached without gate"))
	}
	return state, nil
}

// ProductLessons handles GET /app/products/:id/lessons.
func (h *AppHandler) ProductLessons(c *fiber.Ctx) error {
	state, err := admittedState(c)
	if err != nil {
		return err
	}
	product, err := h.lessons.GetProduct(c.UserContext(), c.Params("id"))
	if err != nil {
		return apperrors.MapError(err)
	}
	lessons, err := h.lessons.ListByProduct(c.UserContext(), product.ID)
	if err != nil {
		return apperrors.MapError(err)
	}

	items := make([]fiber.Map, 0, len(lessons))
	for i := range lessons {
		view := gate.Content(state, &lessons[i], product)
		if view.Unlocked != nil {
			items = append(items, fiber.Map{"locked": false, "lesson": view.Unlocked})
		} else {
			items = append(items, fiber.Map{"locked": true, "lesson": view.Locked})
		}
	}
	return c.JSON(fiber.Map{"data": fiber.Map{
		"product": fiber.Map{"id": product.ID, "name": product.Name},
		"owned":   entitlement.ComputeContentAccess(state.Profile, product.ID),
		"lessons": items,
	}})
}
