package models

import (
	"time"
)

// Identity is the verified caller attached to a connection after authentication
type Identity struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Name   string `json:"name,omitempty"`
}

// DisplayName is what other collaborators see in join/leave notices
func (i Identity) DisplayName() string {
	if i.Name != "" {
		return i.Name
	}
	if i.Email != "" {
		return i.Email
	}
	return i.UserID
}

// Session is one connection's presence in a workspace, visible to every instance.
// A user holding several tabs has one Session per connection.
type Session struct {
	UserID       string    `json:"userId"`
	Username     string    `json:"username"`
	WorkspaceID  string    `json:"workspaceId"`
	ConnectionID string    `json:"connectionId"`
	JoinedAt     time.Time `json:"joinedAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// NewSession stamps joined-at and last-activity with now
func NewSession(id Identity, workspaceID, connectionID string, now time.Time) Session {
	return Session{
		UserID:       id.UserID,
		Username:     id.DisplayName(),
		WorkspaceID:  workspaceID,
		ConnectionID: connectionID,
		JoinedAt:     now,
		LastActivity: now,
	}
}

// UserPresence aggregates all of one user's connections in one workspace.
// It expires faster than Session so stale "active" markers clear quickly.
type UserPresence struct {
	UserID        string    `json:"userId"`
	Username      string    `json:"username"`
	WorkspaceID   string    `json:"workspaceId"`
	JoinedAt      time.Time `json:"joinedAt"`
	LastActivity  time.Time `json:"lastActivity"`
	ConnectionIDs []string  `json:"connectionIds"`
}

// AddConnection records connectionID once and keeps the earliest join time
func (p *UserPresence) AddConnection(s Session) {
	for _, id := range p.ConnectionIDs {
		if id == s.ConnectionID {
			p.LastActivity = s.LastActivity
			return
		}
	}
	p.ConnectionIDs = append(p.ConnectionIDs, s.ConnectionID)
	if p.JoinedAt.IsZero() || s.JoinedAt.Before(p.JoinedAt) {
		p.JoinedAt = s.JoinedAt
	}
	if s.LastActivity.After(p.LastActivity) {
		p.LastActivity = s.LastActivity
	}
}

// RemoveConnection drops connectionID and reports how many remain
func (p *UserPresence) RemoveConnection(connectionID string) int {
	kept := p.ConnectionIDs[:0]
	for _, id := range p.ConnectionIDs {
		if id != connectionID {
			kept = append(kept, id)
		}
	}
	p.ConnectionIDs = kept
	return len(kept)
}

// AsSession flattens the aggregate into the Session shape used by presence lists
func (p UserPresence) AsSession() Session {
	connectionID := ""
	if len(p.ConnectionIDs) > 0 {
		connectionID = p.ConnectionIDs[0]
	}
	return Session{
		UserID:       p.UserID,
		Username:     p.Username,
		WorkspaceID:  p.WorkspaceID,
		ConnectionID: connectionID,
		JoinedAt:     p.JoinedAt,
		LastActivity: p.LastActivity,
	}
}

// WorkspacePresence is the cluster-wide view of who is active in a workspace
type WorkspacePresence struct {
	WorkspaceID string    `json:"workspaceId"`
	ActiveUsers []Session `json:"activeUsers"`
	TotalUsers  int       `json:"totalUsers"`
	LastUpdated time.Time `json:"lastUpdated"`
}
