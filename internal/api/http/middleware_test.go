package http

import (
	"encoding/json"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/entitlement-service/internal/session"
	apperrors "github.com/spec-kit/entitlement-service/pkg/util/errorutil"
)

func newMiddlewareApp(t *testing.T) *fiber.App {
	t.Helper()
	app := fiber.New()
	RegisterMiddlewares(app, zap.NewNop(), nil, 20*time.Millisecond)
	app.Get("/closed", func(c *fiber.Ctx) error { return session.ErrClosed })
	app.Get("/signed-out", func(c *fiber.Ctx) error { return session.ErrNotAuthenticated })
	app.Get("/loading", func(c *fiber.Ctx) error { return session.ErrProfileNotReady })
	app.Get("/slow", func(c *fiber.Ctx) error {
		<-c.UserContext().Done()
		return c.UserContext().Err()
	})
	app.Get("/limited", func(c *fiber.Ctx) error {
		c.Set(fiber.HeaderRetryAfter, "42")
		return apperrors.NewRateLimited()
	})
	app.Get("/panic", func(c *fiber.Ctx) error { panic("boom") })
	return app
}

func getError(t *testing.T, app *fiber.App, path string) (*nethttp.Response, string) {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(nethttp.MethodGet, path, nil))
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	return resp, errorCode(body)
}

func TestErrorMiddlewareTranslatesSessionErrors(t *testing.T) {
	app := newMiddlewareApp(t)

	resp, code := getError(t, app, "/closed")
	assert.Equal(t, nethttp.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "SERVICE_UNAVAILABLE", code)
	assert.Equal(t, "5", resp.Header.Get(fiber.HeaderRetryAfter))

	resp, code = getError(t, app, "/signed-out")
	assert.Equal(t, nethttp.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "UNAUTHORIZED", code)
	assert.Empty(t, resp.Header.Get(fiber.HeaderRetryAfter))

	resp, code = getError(t, app, "/loading")
	assert.Equal(t, nethttp.StatusConflict, resp.StatusCode)
	assert.Equal(t, "PROFILE_LOADING", code)
}

func TestErrorMiddlewareRendersDeadlineAsRetryable(t *testing.T) {
	resp, code := getError(t, newMiddlewareApp(t), "/slow")
	assert.Equal(t, nethttp.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "REQUEST_TIMEOUT", code)
	assert.Equal(t, "5", resp.Header.Get(fiber.HeaderRetryAfter))
}

func TestErrorMiddlewareKeepsHandlerRetryAfter(t *testing.T) {
	resp, code := getError(t, newMiddlewareApp(t), "/limited")
	assert.Equal(t, nethttp.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "RATE_LIMITED", code)
	assert.Equal(t, "42", resp.Header.Get(fiber.HeaderRetryAfter))
}

func TestErrorMiddlewareRecoversPanic(t *testing.T) {
	resp, code := getError(t, newMiddlewareApp(t), "/panic")
	assert.Equal(t, nethttp.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "INTERNAL_ERROR", code)
}
