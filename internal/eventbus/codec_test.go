package eventbus

import (
	"encoding/json"
	"testing"
	"time"

	"workspace-collab/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec_RoundTripsEveryKind(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	payloads := []models.Payload{
		&models.FileChange{
			WorkspaceID: "W1", ProjectID: "P1", FilePath: "main.go",
			Changes: models.FileChanges{Operation: models.OpInsert, Position: &models.CursorPosition{Line: 3, Column: 1}, Content: "x"},
		},
		&models.CursorUpdate{WorkspaceID: "W1", ProjectID: "P1", Position: models.CursorPosition{Line: 7, Column: 2}},
		&models.UserJoin{WorkspaceID: "W1", Username: "ada"},
		&models.UserLeave{WorkspaceID: "W1", Username: "ada"},
	}

	for _, p := range payloads {
		t.Run(string(p.EventType()), func(t *testing.T) {
			ev := models.NewEvent("evt-1", p, "user-1", at)

			raw, err := EncodeEvent(ev, "instance-a")
			require.NoError(t, err)

			msg, err := DecodeEvent(raw)
			require.NoError(t, err)
			assert.Equal(t, "instance-a", msg.Origin)
			assert.Equal(t, ev.ID, msg.Event.ID)
			assert.Equal(t, ev.Type(), msg.Event.Type())
			assert.Equal(t, "W1", msg.Event.WorkspaceID)
			assert.Equal(t, "user-1", msg.Event.UserID())
			assert.True(t, at.Equal(msg.Event.Timestamp))
			assert.Equal(t, p, msg.Event.Payload)
		})
	}
}

func TestDecodeEvent_RejectsUnknownKind(t *testing.T) {
	raw, err := json.Marshal(map[string]any{
		"id": "x", "type": "document-delete", "workspaceId": "W1",
		"origin": "a", "timestamp": time.Now(), "data": map[string]any{"workspaceId": "W1"},
	})
	require.NoError(t, err)

	_, err = DecodeEvent(raw)
	assert.ErrorIs(t, err, ErrUnknownEventType)
}

func TestDecodeEvent_Malformed(t *testing.T) {
	tests := map[string]string{
		"not json":           `{"id":`,
		"missing data":       `{"id":"x","type":"cursor-update","workspaceId":"W1"}`,
		"data wrong shape":   `{"id":"x","type":"cursor-update","workspaceId":"W1","data":"nope"}`,
		"workspace mismatch": `{"id":"x","type":"cursor-update","workspaceId":"W1","data":{"workspaceId":"W2"}}`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeEvent([]byte(raw))
			assert.ErrorIs(t, err, ErrMalformedEvent)
		})
	}
}

func TestEncodeEvent_NilPayload(t *testing.T) {
	_, err := EncodeEvent(models.Event{ID: "x"}, "a")
	assert.ErrorIs(t, err, ErrMalformedEvent)
}
