package services

import (
	"context"

	"workspace-collab/internal/models"
)

// CollaborationEventRepository is what the audit service needs from storage.
// Interfaces live with their consumer; the gorm implementation is in
// repository and never sees this type.
type CollaborationEventRepository interface {
	Create(ctx context.Context, event *models.CollaborationEvent) error
	ProjectHistory(ctx context.Context, projectID string, page, limit int) (*models.HistoryPage, error)
	UserActivity(ctx context.Context, userID string, page, limit int) (*models.HistoryPage, error)
}
