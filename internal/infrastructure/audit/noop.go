package audit

import (
	"context"

	"github.com/qutemail/qkms/internal/domain/models"
)

type noopService struct{}

// NewNoopService returns an audit service that discards all events. Used when
// auditing is disabled and in tests.
func NewNoopService() Service {
	return &noopService{}
}

func (s *noopService) LogEvent(ctx context.Context, event models.AuditEvent) error { return nil }
func (s *noopService) Close() error                                                { return nil }
