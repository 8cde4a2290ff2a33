package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/support-bridge/internal/service"
	"github.com/spec-kit/support-bridge/internal/transport"
	"github.com/spec-kit/support-bridge/pkg/util"
)

// WebhookHandler ingests inbound platform updates and hands each one to the
// router as an independent unit of work.
type WebhookHandler struct {
	router *service.TicketRouter
	logger *zap.Logger
}

// NewWebhookHandler returns a new handler instance.
func NewWebhookHandler(router *service.TicketRouter, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{router: router, logger: logger}
}

// Receive accepts one update. The response acknowledges ingestion only;
// routing outcomes surface through the router's own notices and logs.
func (h *WebhookHandler) Receive(c *fiber.Ctx) error {
	var update transport.Update
	if err := c.BodyParser(&update); err != nil {
		return util.NewRejection("INVALID_UPDATE", "malformed update payload", nil)
	}
	if update.Message == nil && update.Callback == nil {
		return util.NewRejection("EMPTY_UPDATE", "update carries no message or callback", nil)
	}

	// The request context dies with this response; routing gets its own.
	go h.router.HandleUpdate(context.Background(), &update)
	return c.SendStatus(fiber.StatusAccepted)
}
