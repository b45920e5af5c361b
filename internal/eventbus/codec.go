package eventbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"workspace-collab/internal/models"
)

var (
	ErrUnknownEventType = errors.New("unknown event type")
	ErrMalformedEvent   = errors.New("malformed event")
)

// envelope is the stable wire form of a models.Event. Data holds the payload
// struct selected by Type.
type envelope struct {
	ID          string           `json:"id"`
	Type        models.EventType `json:"type"`
	WorkspaceID string           `json:"workspaceId"`
	Origin      string           `json:"origin"`
	Timestamp   time.Time        `json:"timestamp"`
	Data        json.RawMessage  `json:"data"`
}

// Message is a decoded envelope
type Message struct {
	Event models.Event
	// Origin is the instance id of the publisher
	Origin string
}

func EncodeEvent(e models.Event, origin string) ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrMalformedEvent)
	}
	if !e.Type().Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, e.Type())
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", e.Type(), err)
	}
	return json.Marshal(envelope{
		ID:          e.ID,
		Type:        e.Type(),
		WorkspaceID: e.WorkspaceID,
		Origin:      origin,
		Timestamp:   e.Timestamp,
		Data:        data,
	})
}

func newPayload(t models.EventType) (models.Payload, error) {
	switch t {
	case models.EventFileChange:
		return &models.FileChange{}, nil
	case models.EventCursorUpdate:
		return &models.CursorUpdate{}, nil
	case models.EventUserJoin:
		return &models.UserJoin{}, nil
	case models.EventUserLeave:
		return &models.UserLeave{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, t)
}

// DecodeEvent parses an envelope produced by EncodeEvent. Unknown kinds are
// rejected with ErrUnknownEventType rather than passed through.
func DecodeEvent(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	payload, err := newPayload(env.Type)
	if err != nil {
		return Message{}, err
	}
	if len(env.Data) == 0 {
		return Message{}, fmt.Errorf("%w: missing data", ErrMalformedEvent)
	}
	if err := json.Unmarshal(env.Data, payload); err != nil {
		return Message{}, fmt.Errorf("%w: %s data: %v", ErrMalformedEvent, env.Type, err)
	}
	if env.WorkspaceID == "" || payload.Workspace() != env.WorkspaceID {
		return Message{}, fmt.Errorf("%w: workspace mismatch", ErrMalformedEvent)
	}

	return Message{
		Event: models.Event{
			ID:          env.ID,
			WorkspaceID: env.WorkspaceID,
			Timestamp:   env.Timestamp,
			Payload:     payload,
		},
		Origin: env.Origin,
	}, nil
}
