package http

import (
	"context"
	"errors"
	nethttp "net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/entitlement-service/internal/auth"
	"github.com/spec-kit/entitlement-service/internal/observability"
	"github.com/spec-kit/entitlement-service/internal/session"
	apperrors "github.com/spec-kit/entitlement-service/pkg/util/errorutil"
)

// defaultRetryAfter is advertised on retryable failures that set no hint of their own.
const defaultRetryAfter = 5 * time.Second

// RegisterMiddlewares attaches the request deadline, the error renderer and the access log.
func RegisterMiddlewares(app *fiber.App, logger *zap.Logger, metrics *observability.Metrics, timeout time.Duration) {
	if timeout > 0 {
		app.Use(requestTimeoutMiddleware(timeout))
	}
	app.Use(errorHandlingMiddleware(logger, metrics, defaultRetryAfter))
	app.Use(observability.RequestLogger(logger, metrics))
}

func requestTimeoutMiddleware(timeout time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), timeout)
		defer cancel()
		c.SetUserContext(ctx)
		return c.Next()
	}
}

// errorHandlingMiddleware renders every handler error as
// {"error":{"code","message","details"}}. Session sentinels and an expired
// request deadline are translated here so handlers can return them unwrapped.
// Retryable statuses carry a Retry-After header.
func errorHandlingMiddleware(logger *zap.Logger, metrics *observability.Metrics, retryAfter time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered",
					zap.String("route", c.Route().Path),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
				)
				err = apperrors.NewInternalError(nil)
			}
			if err == nil {
				return
			}

			domainErr := toDomainError(err)
			metrics.RecordError(c.Route().Path, c.Method(), domainErr.Code)

			if retryable(domainErr.HTTPStatus) && len(c.Response().Header.Peek(fiber.HeaderRetryAfter)) == 0 {
				c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(retryAfter/time.Second)))
			}
			if domainErr.HTTPStatus >= 500 {
				logger.Error("request failed",
					zap.String("route", c.Route().Path),
					zap.String("client_id", auth.ClientIDFromContext(c)),
					zap.String("code", domainErr.Code),
					zap.Error(domainErr),
				)
			}

			body := fiber.Map{
				"code":    domainErr.Code,
				"message": domainErr.Message,
			}
			if len(domainErr.Details) > 0 {
				body["details"] = domainErr.Details
			}
			c.Status(domainErr.HTTPStatus)
			_ = c.JSON(fiber.Map{"error": body})
			err = nil
		}()
		return c.Next()
	}
}

func toDomainError(err error) *apperrors.DomainError {
	var domainErr *apperrors.DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	switch {
	case errors.Is(err, session.ErrNotAuthenticated):
		return apperrors.NewDomainError("UNAUTHORIZED", "sign in required", nethttp.StatusUnauthorized, nil)
	case errors.Is(err, session.ErrProfileNotReady):
		return apperrors.NewDomainError("PROFILE_LOADING", "profile not loaded yet", nethttp.StatusConflict, nil)
	case errors.Is(err, session.ErrClosed):
		return apperrors.NewDomainError("SERVICE_UNAVAILABLE", "session closed", nethttp.StatusServiceUnavailable, nil)
	case errors.Is(err, context.DeadlineExceeded):
		return &apperrors.DomainError{
			Code:       "REQUEST_TIMEOUT",
			Message:    "request timed out",
			HTTPStatus: nethttp.StatusServiceUnavailable,
			Err:        err,
		}
	}
	return apperrors.ToDomainError(err)
}

func retryable(status int) bool {
	return status == nethttp.StatusServiceUnavailable || status == nethttp.StatusTooManyRequests
}
