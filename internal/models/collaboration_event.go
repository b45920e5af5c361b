package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type CollaborationAction string

const (
	ActionCreate CollaborationAction = "create"
	ActionUpdate CollaborationAction = "update"
	ActionDelete CollaborationAction = "delete"
	ActionRename CollaborationAction = "rename"
)

type ResourceType string

const (
	ResourceProject  ResourceType = "project"
	ResourceFile     ResourceType = "file"
	ResourceMetadata ResourceType = "metadata"
)

// CollaborationEvent is one audited action in a project's history
type CollaborationEvent struct {
	ID           string              `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID    string              `gorm:"type:varchar(64);not null;index:idx_collab_project_time,priority:1" json:"projectId"`
	UserID       string              `gorm:"type:varchar(64);not null;index:idx_collab_user_time,priority:1" json:"userId"`
	Action       CollaborationAction `gorm:"type:varchar(50);not null" json:"action"`
	ResourceType ResourceType        `gorm:"type:varchar(50);not null" json:"resourceType"`
	ResourceID   string              `gorm:"type:varchar(500)" json:"resourceId,omitempty"` // file path
	Changes      []byte              `gorm:"type:jsonb" json:"changes,omitempty"`
	CreatedAt    time.Time           `gorm:"index:idx_collab_project_time,priority:2;index:idx_collab_user_time,priority:2" json:"createdAt"`
}

// BeforeCreate generates the UUID
func (e *CollaborationEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}

func (CollaborationEvent) TableName() string {
	return "collaboration_events"
}

// HistoryEntry is the API view of a CollaborationEvent
type HistoryEntry struct {
	UserID    string              `json:"userId"`
	Action    CollaborationAction `json:"action"`
	Timestamp time.Time           `json:"timestamp"`
	Changes   json.RawMessage     `json:"changes,omitempty"`
	FilePath  string              `json:"filePath,omitempty"`
}

// HistoryPage is a paginated slice of history, newest first
type HistoryPage struct {
	Events     []HistoryEntry `json:"events"`
	Total      int64          `json:"total"`
	Page       int            `json:"page"`
	Limit      int            `json:"limit"`
	TotalPages int            `json:"totalPages"`
}
