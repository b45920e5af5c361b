package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent_StampsActorAndTime(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fc := &FileChange{
		WorkspaceID: "ws-1",
		ProjectID:   "proj-1",
		FilePath:    "/main.go",
		Changes:     FileChanges{Operation: OpInsert, Content: "x"},
		UserID:      "spoofed",
	}

	ev := NewEvent("evt-1", fc, "user-a", at)

	assert.Equal(t, EventFileChange, ev.Type())
	assert.Equal(t, "ws-1", ev.WorkspaceID)
	assert.Equal(t, "user-a", ev.UserID())
	assert.Equal(t, at, ev.Timestamp)
	assert.Equal(t, at, fc.Timestamp)
}

func TestNewEvent_KeepsActorWhenNoneGiven(t *testing.T) {
	cu := &CursorUpdate{WorkspaceID: "ws-1", ProjectID: "p", UserID: "system"}
	ev := NewEvent("evt-2", cu, "", time.Now())
	assert.Equal(t, "system", ev.UserID())
}

func TestEventType_Valid(t *testing.T) {
	for _, et := range []EventType{EventFileChange, EventCursorUpdate, EventUserJoin, EventUserLeave} {
		assert.True(t, et.Valid(), et)
	}
	assert.False(t, EventType("presence-update").Valid())
}

func TestFileChange_Validate(t *testing.T) {
	valid := FileChange{WorkspaceID: "w", ProjectID: "p", FilePath: "/a", Changes: FileChanges{Operation: OpReplace}}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name string
		fc   FileChange
	}{
		{"missing workspace", FileChange{ProjectID: "p", FilePath: "/a", Changes: FileChanges{Operation: OpInsert}}},
		{"missing path", FileChange{WorkspaceID: "w", ProjectID: "p", Changes: FileChanges{Operation: OpInsert}}},
		{"unknown op", FileChange{WorkspaceID: "w", ProjectID: "p", FilePath: "/a", Changes: FileChanges{Operation: "merge"}}},
		{"negative position", FileChange{WorkspaceID: "w", ProjectID: "p", FilePath: "/a",
			Changes: FileChanges{Operation: OpInsert, Position: &CursorPosition{Line: -1}}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.fc.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidPayload))
		})
	}
}

func TestCursorUpdate_Validate(t *testing.T) {
	assert.NoError(t, CursorUpdate{WorkspaceID: "w", ProjectID: "p", Position: CursorPosition{Line: 3, Column: 0}}.Validate())
	assert.ErrorIs(t, CursorUpdate{WorkspaceID: "w"}.Validate(), ErrInvalidPayload)
	assert.ErrorIs(t, CursorUpdate{WorkspaceID: "w", ProjectID: "p", Position: CursorPosition{Column: -2}}.Validate(), ErrInvalidPayload)
}

func TestIdentity_DisplayName(t *testing.T) {
	assert.Equal(t, "Ada", Identity{UserID: "u", Email: "ada@example.com", Name: "Ada"}.DisplayName())
	assert.Equal(t, "ada@example.com", Identity{UserID: "u", Email: "ada@example.com"}.DisplayName())
	assert.Equal(t, "u", Identity{UserID: "u"}.DisplayName())
}

func TestUserPresence_Connections(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := UserPresence{UserID: "u", WorkspaceID: "w"}

	p.AddConnection(Session{ConnectionID: "c2", JoinedAt: t0.Add(time.Minute), LastActivity: t0.Add(time.Minute)})
	p.AddConnection(Session{ConnectionID: "c1", JoinedAt: t0, LastActivity: t0})
	p.AddConnection(Session{ConnectionID: "c1", JoinedAt: t0, LastActivity: t0.Add(2 * time.Minute)})

	assert.Equal(t, []string{"c2", "c1"}, p.ConnectionIDs)
	assert.Equal(t, t0, p.JoinedAt)
	assert.Equal(t, t0.Add(2*time.Minute), p.LastActivity)

	assert.Equal(t, 1, p.RemoveConnection("c2"))
	assert.Equal(t, "c1", p.AsSession().ConnectionID)
	assert.Equal(t, 0, p.RemoveConnection("c1"))
	assert.Equal(t, "", p.AsSession().ConnectionID)
}
