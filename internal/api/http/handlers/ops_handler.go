package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/support-bridge/internal/observability"
	"github.com/spec-kit/support-bridge/internal/repository"
)

// OpsHandler serves read-only operational projections.
type OpsHandler struct {
	tickets  repository.TicketRepository
	handlers repository.HandlerRepository
	metrics  *observability.Metrics
}

// NewOpsHandler returns a new handler instance.
func NewOpsHandler(tickets repository.TicketRepository, handlers repository.HandlerRepository, metrics *observability.Metrics) *OpsHandler {
	return &OpsHandler{tickets: tickets, handlers: handlers, metrics: metrics}
}

// OpenTickets lists tickets that still accept routed messages.
func (h *OpsHandler) OpenTickets(c *fiber.Ctx) error {
	tickets, err := h.tickets.ListActive(c.UserContext())
	if err != nil {
		return err
	}

	rows := make([]fiber.Map, 0, len(tickets))
	for _, ticket := range tickets {
		rows = append(rows, fiber.Map{
			"id":         ticket.ID,
			"user_id":    ticket.UserID,
			"username":   ticket.Username,
			"status":     ticket.Status,
			"issue":      ticket.Issue,
			"created_at": ticket.CreatedAt,
		})
	}
	return c.JSON(fiber.Map{"tickets": rows})
}

// Handlers lists the registered handler set.
func (h *OpsHandler) Handlers(c *fiber.Ctx) error {
	handlers, err := h.handlers.List(c.UserContext())
	if err != nil {
		return err
	}

	rows := make([]fiber.Map, 0, len(handlers))
	for _, handler := range handlers {
		rows = append(rows, fiber.Map{
			"user_id":       handler.UserID,
			"username":      handler.Username,
			"registered_at": handler.RegisteredAt,
		})
	}
	return c.JSON(fiber.Map{"handlers": rows})
}

// Metrics reports the per-surface counters.
func (h *OpsHandler) Metrics(c *fiber.Ctx) error {
	events, errs := h.metrics.Snapshot()
	return c.JSON(fiber.Map{"events": events, "errors": errs})
}
