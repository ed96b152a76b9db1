package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spec-kit/entitlement-service/internal/api/http/handlers"
	"github.com/spec-kit/entitlement-service/internal/auth"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health   *handlers.HealthHandler
	Auth     *handlers.AuthHandler
	Session  *handlers.SessionHandler
	App      *handlers.AppHandler
	Checkout *handlers.CheckoutHandler
	Webhooks *handlers.WebhookHandler

	Clients     *auth.ClientMiddleware
	Gates       *auth.Gates
	RateLimiter *auth.RateLimiter
	Gatherer    prometheus.Gatherer
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	if cfg.Gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	app.Post("/webhooks/stripe", cfg.Webhooks.Stripe)

	limited := func(h fiber.Handler) []fiber.Handler {
		if cfg.RateLimiter == nil {
			return []fiber.Handler{h}
		}
		return []fiber.Handler{cfg.RateLimiter.Middleware(), h}
	}

	authGroup := app.Group("/auth", cfg.Clients.Handle)
	authGroup.Post("/sign-up", limited(cfg.Auth.SignUp)...)
	authGroup.Post("/sign-in", limited(cfg.Auth.SignIn)...)
	authGroup.Post("/sign-out", cfg.Auth.SignOut)
	authGroup.Post("/password/reset/request", limited(cfg.Auth.RequestPasswordReset)...)
	authGroup.Post("/password/reset/confirm", cfg.Auth.ConfirmPasswordReset)

	sessionGroup := app.Group("/session", cfg.Clients.Handle)
	sessionGroup.Get("", cfg.Session.Get)
	sessionGroup.Post("/profile/refresh", cfg.Session.RefreshProfile)
	sessionGroup.Patch("/profile", cfg.Session.UpdateProfile)

	app.Get("/checkout/return", cfg.Clients.Handle, cfg.Checkout.Return)

	appGroup := app.Group("/app", cfg.Clients.Handle)
	appGroup.Get("/account", cfg.Gates.RequireSession(), cfg.App.Account)
	appGroup.Get("/dashboard", cfg.Gates.RequirePaidPlan(), cfg.App.Dashboard)
	appGroup.Get("/lessons/:id", cfg.Gates.RequireSession(), cfg.App.Lesson)
	appGroup.Get("/products/:id/lessons", cfg.Gates.RequireSession(), cfg.App.ProductLessons)
}
