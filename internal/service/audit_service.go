package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/spec-kit/support-bridge/internal/domain"
	"github.com/spec-kit/support-bridge/internal/events"
	"github.com/spec-kit/support-bridge/internal/observability"
	"github.com/spec-kit/support-bridge/internal/repository"
)

// AuditService records ticket lifecycle transitions as append-only history
// rows. It consumes router events; failures are absorbed by the dispatcher.
type AuditService struct {
	history repository.TicketHistoryRepository
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewAuditService constructs the service.
func NewAuditService(history repository.TicketHistoryRepository, metrics *observability.Metrics, logger *zap.Logger) *AuditService {
	return &AuditService{history: history, metrics: metrics, logger: logger}
}

// RecordOpened writes the creation entry for a fresh ticket.
func (s *AuditService) RecordOpened(ctx context.Context, event events.Event) error {
	return s.record(ctx, event, nil, map[string]any{"status": string(domain.TicketStatusOpen)})
}

// RecordStatusChanged writes one entry per status transition.
func (s *AuditService) RecordStatusChanged(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.TicketStatusChangedPayload)
	if !ok {
		s.logger.Warn("unexpected status-change payload", zap.String("event_id", event.ID))
		return nil
	}
	return s.record(ctx, event,
		map[string]any{"status": string(payload.OldStatus)},
		map[string]any{"status": string(payload.NewStatus)})
}

// RecordClosed annotates the closing operator alongside the terminal state.
func (s *AuditService) RecordClosed(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.TicketClosedPayload)
	if !ok {
		s.logger.Warn("unexpected close payload", zap.String("event_id", event.ID))
		return nil
	}
	return s.record(ctx, event, nil, map[string]any{
		"status":         string(domain.TicketStatusClosed),
		"closed_by_id":   payload.ClosedByID,
		"closed_by_name": payload.ClosedByName,
	})
}

func (s *AuditService) record(ctx context.Context, event events.Event, oldValue, newValue map[string]any) error {
	actorID := event.Actor.UserID
	entry := &domain.TicketHistory{
		TicketID:    event.TicketID,
		ActorOrigin: event.Actor.Origin,
		ActorID:     &actorID,
		ChangeType:  domain.ChangeTypeStatus,
		OldValue:    oldValue,
		NewValue:    newValue,
	}
	if err := s.history.Create(ctx, entry); err != nil {
		s.metrics.RecordError("audit", "history_write")
		return err
	}
	s.metrics.RecordEvent("audit", observability.OutcomeHandled)
	return nil
}
