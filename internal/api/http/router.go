package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/support-bridge/internal/api/http/handlers"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health  *handlers.HealthHandler
	Webhook *handlers.WebhookHandler
	Ops     *handlers.OpsHandler
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)

	app.Post("/transport/webhook", cfg.Webhook.Receive)

	ops := app.Group("/ops")
	ops.Get("/tickets/open", cfg.Ops.OpenTickets)
	ops.Get("/handlers", cfg.Ops.Handlers)
	ops.Get("/metrics", cfg.Ops.Metrics)
}
