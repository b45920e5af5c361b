package collaboration

import (
	"encoding/json"
	"fmt"
	"time"

	"workspace-collab/internal/models"
)

// Client → server events
const (
	EventAuthenticate   = "authenticate"
	EventHeartbeat      = "heartbeat"
	EventJoinWorkspace  = "join-workspace"
	EventLeaveWorkspace = "leave-workspace"
	EventFileChange     = "file-change"
	EventCursorUpdate   = "cursor-update"
)

// Server → client events
const (
	EventAuthenticated   = "authenticated"
	EventWorkspaceJoined = "workspace-joined"
	EventUserJoined      = "user-joined"
	EventUserLeft        = "user-left"
	EventFileChanged     = "file-changed"
	EventCursorUpdated   = "cursor-updated"
	EventError           = "error"
)

// Frame is one WebSocket text message in either direction
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type AuthenticateRequest struct {
	Token string `json:"token"`
}

type JoinWorkspaceRequest struct {
	WorkspaceID string `json:"workspaceId"`
	// Token optionally authenticates the connection for this message
	Token string `json:"token,omitempty"`
}

type AuthenticatedMessage struct {
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

type WorkspaceJoinedMessage struct {
	WorkspaceID string    `json:"workspaceId"`
	Timestamp   time.Time `json:"timestamp"`
}

type ErrorMessage struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func encodeFrame(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}

// clientEvent maps a bus event kind to the name rooms receive it under
func clientEvent(t models.EventType) (string, bool) {
	switch t {
	case models.EventFileChange:
		return EventFileChanged, true
	case models.EventCursorUpdate:
		return EventCursorUpdated, true
	case models.EventUserJoin:
		return EventUserJoined, true
	case models.EventUserLeave:
		return EventUserLeft, true
	}
	return "", false
}

// eventFrame renders an event for room members. The payload struct is sent
// as is, so receivers see the stamped userId and timestamp.
func eventFrame(e models.Event) ([]byte, error) {
	name, ok := clientEvent(e.Type())
	if !ok {
		return nil, fmt.Errorf("no client event for %q", e.Type())
	}
	return encodeFrame(name, e.Payload)
}
