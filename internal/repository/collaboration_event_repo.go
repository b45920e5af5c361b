package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"workspace-collab/internal/models"

	"gorm.io/gorm"
)

/*
Collaboration history persistence.

Rows are append-only. Reads are always paginated and newest first, backed by
the (project_id, created_at) and (user_id, created_at) indexes.
*/

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

// CollaborationEventRepositoryImpl stores audited collaboration events
type CollaborationEventRepositoryImpl struct {
	db *gorm.DB
}

func NewCollaborationEventRepository(db *gorm.DB) *CollaborationEventRepositoryImpl {
	return &CollaborationEventRepositoryImpl{db: db}
}

// Create inserts one event; ID and CreatedAt are filled in when empty
func (r *CollaborationEventRepositoryImpl) Create(ctx context.Context, event *models.CollaborationEvent) error {
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("failed to store collaboration event: %w", err)
	}
	return nil
}

// ProjectHistory returns one page of a project's events
func (r *CollaborationEventRepositoryImpl) ProjectHistory(ctx context.Context, projectID string, page, limit int) (*models.HistoryPage, error) {
	return r.paginate(ctx, "project_id = ?", projectID, page, limit)
}

// UserActivity returns one page of a user's events across projects
func (r *CollaborationEventRepositoryImpl) UserActivity(ctx context.Context, userID string, page, limit int) (*models.HistoryPage, error) {
	return r.paginate(ctx, "user_id = ?", userID, page, limit)
}

func (r *CollaborationEventRepositoryImpl) paginate(ctx context.Context, where string, arg string, page, limit int) (*models.HistoryPage, error) {
	page, limit = ClampPage(page, limit)

	var total int64
	if err := r.db.WithContext(ctx).
		Model(&models.CollaborationEvent{}).
		Where(where, arg).
		Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count collaboration events: %w", err)
	}

	var rows []*models.CollaborationEvent
	err := r.db.WithContext(ctx).
		Where(where, arg).
		Order("created_at DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list collaboration events: %w", err)
	}

	return NewHistoryPage(rows, total, page, limit), nil
}

// ClampPage normalizes pagination input: page >= 1, limit in 1..MaxPageSize
func ClampPage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	return page, limit
}

// NewHistoryPage maps rows to their API view
func NewHistoryPage(rows []*models.CollaborationEvent, total int64, page, limit int) *models.HistoryPage {
	entries := make([]models.HistoryEntry, 0, len(rows))
	for _, row := range rows {
		entry := models.HistoryEntry{
			UserID:    row.UserID,
			Action:    row.Action,
			Timestamp: row.CreatedAt,
			FilePath:  row.ResourceID,
		}
		if len(row.Changes) > 0 {
			entry.Changes = json.RawMessage(row.Changes)
		}
		entries = append(entries, entry)
	}

	totalPages := int((total + int64(limit) - 1) / int64(limit))
	return &models.HistoryPage{
		Events:     entries,
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: totalPages,
	}
}
