package handlers

import (
	"github.com/feichai0017/payslip-processor/internal/service/ingest"
	"github.com/feichai0017/payslip-processor/internal/service/session"
	"github.com/feichai0017/payslip-processor/pkg/logger"
	"github.com/feichai0017/payslip-processor/pkg/queue"
)

type Handlers struct {
	Session *SessionHandler
}

// NewHandlers wires the HTTP handlers. q may be nil when no resume queue
// is configured; resume requests then answer 503.
func NewHandlers(
	ingestService *ingest.Service,
	sessions *session.Manager,
	q queue.Queue,
	log logger.Logger,
) *Handlers {
	return &Handlers{
		Session: NewSessionHandler(ingestService, sessions, q, log),
	}
}
