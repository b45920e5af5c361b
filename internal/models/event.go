package models

import (
	"errors"
	"fmt"
	"time"
)

// EventType discriminates the collaboration event union
type EventType string

const (
	EventFileChange   EventType = "file-change"
	EventCursorUpdate EventType = "cursor-update"
	EventUserJoin     EventType = "user-join"
	EventUserLeave    EventType = "user-leave"
)

// Valid reports whether t is one of the known kinds
func (t EventType) Valid() bool {
	switch t {
	case EventFileChange, EventCursorUpdate, EventUserJoin, EventUserLeave:
		return true
	}
	return false
}

var ErrInvalidPayload = errors.New("invalid payload")

// Payload is implemented by exactly one struct per EventType
type Payload interface {
	EventType() EventType
	Workspace() string
	Actor() string
	stamp(userID string, at time.Time)
}

// CursorPosition is zero-based
type CursorPosition struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

func (p CursorPosition) Validate() error {
	if p.Line < 0 || p.Column < 0 {
		return fmt.Errorf("%w: cursor position must be non-negative", ErrInvalidPayload)
	}
	return nil
}

// ChangeOperation is the edit applied to a file
type ChangeOperation string

const (
	OpInsert  ChangeOperation = "insert"
	OpDelete  ChangeOperation = "delete"
	OpReplace ChangeOperation = "replace"
)

// FileChanges describes one edit. The gateway relays it, it never merges text.
type FileChanges struct {
	Operation ChangeOperation `json:"operation"`
	Position  *CursorPosition `json:"position,omitempty"`
	Content   string          `json:"content,omitempty"`
	Length    int             `json:"length,omitempty"`
}

func (c FileChanges) Validate() error {
	switch c.Operation {
	case OpInsert, OpDelete, OpReplace:
	default:
		return fmt.Errorf("%w: unknown change operation %q", ErrInvalidPayload, c.Operation)
	}
	if c.Length < 0 {
		return fmt.Errorf("%w: change length must be non-negative", ErrInvalidPayload)
	}
	if c.Position != nil {
		return c.Position.Validate()
	}
	return nil
}

type FileChange struct {
	WorkspaceID string      `json:"workspaceId"`
	ProjectID   string      `json:"projectId"`
	FilePath    string      `json:"filePath"`
	Changes     FileChanges `json:"changes"`
	UserID      string      `json:"userId"`
	Timestamp   time.Time   `json:"timestamp"`
}

func (FileChange) EventType() EventType { return EventFileChange }
func (f FileChange) Workspace() string  { return f.WorkspaceID }
func (f FileChange) Actor() string      { return f.UserID }

func (f *FileChange) stamp(userID string, at time.Time) {
	if userID != "" {
		f.UserID = userID
	}
	f.Timestamp = at
}

func (f FileChange) Validate() error {
	if f.WorkspaceID == "" || f.ProjectID == "" || f.FilePath == "" {
		return fmt.Errorf("%w: workspaceId, projectId and filePath are required", ErrInvalidPayload)
	}
	return f.Changes.Validate()
}

type CursorUpdate struct {
	WorkspaceID string         `json:"workspaceId"`
	ProjectID   string         `json:"projectId"`
	UserID      string         `json:"userId"`
	Position    CursorPosition `json:"position"`
	Timestamp   time.Time      `json:"timestamp"`
}

func (CursorUpdate) EventType() EventType { return EventCursorUpdate }
func (c CursorUpdate) Workspace() string  { return c.WorkspaceID }
func (c CursorUpdate) Actor() string      { return c.UserID }

func (c *CursorUpdate) stamp(userID string, at time.Time) {
	if userID != "" {
		c.UserID = userID
	}
	c.Timestamp = at
}

func (c CursorUpdate) Validate() error {
	if c.WorkspaceID == "" || c.ProjectID == "" {
		return fmt.Errorf("%w: workspaceId and projectId are required", ErrInvalidPayload)
	}
	return c.Position.Validate()
}

// UserJoin and UserLeave share a shape but stay distinct types so the
// union stays closed.
type UserJoin struct {
	WorkspaceID string    `json:"workspaceId"`
	UserID      string    `json:"userId"`
	Username    string    `json:"username"`
	Timestamp   time.Time `json:"timestamp"`
}

func (UserJoin) EventType() EventType { return EventUserJoin }
func (u UserJoin) Workspace() string  { return u.WorkspaceID }
func (u UserJoin) Actor() string      { return u.UserID }

func (u *UserJoin) stamp(userID string, at time.Time) {
	if userID != "" {
		u.UserID = userID
	}
	u.Timestamp = at
}

type UserLeave struct {
	WorkspaceID string    `json:"workspaceId"`
	UserID      string    `json:"userId"`
	Username    string    `json:"username"`
	Timestamp   time.Time `json:"timestamp"`
}

func (UserLeave) EventType() EventType { return EventUserLeave }
func (u UserLeave) Workspace() string  { return u.WorkspaceID }
func (u UserLeave) Actor() string      { return u.UserID }

func (u *UserLeave) stamp(userID string, at time.Time) {
	if userID != "" {
		u.UserID = userID
	}
	u.Timestamp = at
}

// Event is an immutable collaboration event broadcast to a workspace room.
// Timestamp is set once by the instance that first observed the action.
type Event struct {
	ID          string
	WorkspaceID string
	Timestamp   time.Time
	Payload     Payload
}

// NewEvent stamps the acting user and the observation time onto payload.
// payload must be a pointer to one of the union structs.
func NewEvent(id string, payload Payload, userID string, at time.Time) Event {
	payload.stamp(userID, at)
	return Event{
		ID:          id,
		WorkspaceID: payload.Workspace(),
		Timestamp:   at,
		Payload:     payload,
	}
}

func (e Event) Type() EventType {
	return e.Payload.EventType()
}

func (e Event) UserID() string {
	return e.Payload.Actor()
}
