package auth

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/spec-kit/entitlement-service/internal/session"
	apperrors "github.com/spec-kit/entitlement-service/pkg/util/errorutil"
)

const (
	managerKey  = "session_manager"
	clientIDKey = "client_id"
)

// ManagerSource hands out the session manager of a client.
type ManagerSource interface {
	Get(ctx context.Context, clientID string) (*session.Manager, error)
}

// ClientMiddleware binds each user agent to its session manager through a
// client cookie, issuing the cookie on first contact.
type ClientMiddleware struct {
	managers   ManagerSource
	cookieName string
	secure     bool
	maxAge     time.Duration
}

// NewClientMiddleware constructs middleware.
func NewClientMiddleware(managers ManagerSource, cookieName string, secure bool, maxAge time.Duration) *ClientMiddleware {
	return &ClientMiddleware{managers: managers, cookieName: cookieName, secure: secure, maxAge: maxAge}
}

// Handle resolves the caller's session manager.
func (m *ClientMiddleware) Handle(c *fiber.Ctx) error {
	clientID := c.Cookies(m.cookieName)
	if _, err := uuid.Parse(clientID); err != nil {
		clientID = uuid.NewString()
	}
	c.Cookie(&fiber.Cookie{
		Name:     m.cookieName,
		Value:    clientID,
		Path:     "/",
		MaxAge:   int(m.maxAge.Seconds()),
		Secure:   m.secure,
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteLaxMode,
	})

	manager, err := m.managers.Get(c.UserContext(), clientID)
	if err != nil {
		if errors.Is(err, session.ErrClosed) {
			return apperrors.NewServiceUnavailable("shutting down")
		}
		return apperrors.MapError(err)
	}

	c.Locals(clientIDKey, clientID)
	c.Locals(managerKey, manager)
	return c.Next()
}

// ManagerFromContext retrieves the caller's session manager.
func ManagerFromContext(c *fiber.Ctx) (*session.Manager, bool) {
	val := c.Locals(managerKey)
	if val == nil {
		return nil, false
	}
	manager, ok := val.(*session.Manager)
	return manager, ok
}

// ClientIDFromContext retrieves the caller's client id.
func ClientIDFromContext(c *fiber.Ctx) string {
	id, _ := c.Locals(clientIDKey).(string)
	return id
}
