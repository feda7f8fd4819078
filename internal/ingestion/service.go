package ingestion

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/aevon-lab/transitions/internal/evaluator"
	"github.com/aevon-lab/transitions/internal/supersede"
)

// Handler processes one real state change.
type Handler interface {
	Handle(ctx context.Context, change evaluator.StateChange) (supersede.Outcome, error)
}

type Service struct {
	handler          Handler
	maxBodySizeBytes int
}

func NewService(handler Handler, maxBodySizeMB int) *Service {
	if handler == nil {
		panic("ingestion: handler must not be nil")
	}
	if maxBodySizeMB <= 0 {
		maxBodySizeMB = 1 // default to 1MB
	}
	return &Service{
		handler:          handler,
		maxBodySizeBytes: maxBodySizeMB * 1024 * 1024,
	}
}

// RegisterRoutes registers the ingestion service routes.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.POST("/v1/state-changes", s.IngestHandler)
}
