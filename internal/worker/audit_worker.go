package worker

import (
	"go.uber.org/zap"

	"github.com/spec-kit/support-bridge/internal/events"
	"github.com/spec-kit/support-bridge/internal/service"
)

// StartAuditWorker subscribes the audit service to ticket lifecycle events.
func StartAuditWorker(dispatcher events.Dispatcher, audit *service.AuditService, logger *zap.Logger) {
	dispatcher.Subscribe(events.EventTicketOpened, audit.RecordOpened)
	dispatcher.Subscribe(events.EventTicketStatusChanged, audit.RecordStatusChanged)
	dispatcher.Subscribe(events.EventTicketClosed, audit.RecordClosed)
	logger.Info("audit worker subscribed to ticket events")
}
