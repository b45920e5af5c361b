package api

import (
	"context"

	"workspace-collab/internal/eventbus"
	"workspace-collab/internal/models"
)

// CollaborationGateway is what the HTTP surface needs from the gateway
type CollaborationGateway interface {
	BusState() eventbus.State
	ConnectionCount() int
	WorkspaceConnectedUsers(workspaceID string) int
	WorkspacePresence(ctx context.Context, workspaceID string) models.WorkspacePresence
	TotalActiveUsers(ctx context.Context) int
	BroadcastFileChange(ctx context.Context, workspaceID string, fc *models.FileChange) error
}

// HistoryService serves the audit trail. It is nil when audit is disabled.
type HistoryService interface {
	ProjectHistory(ctx context.Context, projectID string, page, limit int) (*models.HistoryPage, error)
	UserActivity(ctx context.Context, userID string, page, limit int) (*models.HistoryPage, error)
}
