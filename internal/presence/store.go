// Package presence tracks who is active in which workspace across every
// server instance.
//
// All Store methods are best-effort. When the backing store cannot be reached
// they return the documented safe default (nil, empty, zero, false) together
// with an error wrapping ErrStoreUnavailable, so callers can log the degraded
// path and carry on.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"workspace-collab/internal/models"
)

var ErrStoreUnavailable = errors.New("presence store unavailable")

const (
	DefaultSessionTTL  = time.Hour
	DefaultPresenceTTL = 5 * time.Minute
	DefaultOpTimeout   = 2 * time.Second
)

// Store is the presence contract shared by the Redis and in-memory backends
type Store interface {
	AddSession(ctx context.Context, session models.Session) error
	// RemoveSession returns the removed session, or nil if none existed
	RemoveSession(ctx context.Context, connectionID string) (*models.Session, error)
	UpdateActivity(ctx context.Context, connectionID string) error
	WorkspaceActiveUsers(ctx context.Context, workspaceID string) ([]models.Session, error)
	WorkspacePresence(ctx context.Context, workspaceID string) (models.WorkspacePresence, error)
	IsUserActive(ctx context.Context, workspaceID, userID string) (bool, error)
	Session(ctx context.Context, connectionID string) (*models.Session, error)
	TotalActiveUsers(ctx context.Context) (int, error)
	Close() error
}

// Options configures TTL tiers and call bounds
type Options struct {
	// SessionTTL covers reconnect grace for a single connection
	SessionTTL time.Duration
	// PresenceTTL bounds how long a silent client still looks active
	PresenceTTL time.Duration
	// OpTimeout bounds every backing-store call
	OpTimeout time.Duration
	KeyPrefix string
	Now       func() time.Time
}

func (o Options) withDefaults() Options {
	if o.SessionTTL <= 0 {
		o.SessionTTL = DefaultSessionTTL
	}
	if o.PresenceTTL <= 0 {
		o.PresenceTTL = DefaultPresenceTTL
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = DefaultOpTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

// buildPresence assembles the aggregate view from WorkspaceActiveUsers
func buildPresence(ctx context.Context, s Store, workspaceID string, now time.Time) (models.WorkspacePresence, error) {
	users, err := s.WorkspaceActiveUsers(ctx, workspaceID)
	if users == nil {
		users = []models.Session{}
	}
	return models.WorkspacePresence{
		WorkspaceID: workspaceID,
		ActiveUsers: users,
		TotalUsers:  len(users),
		LastUpdated: now,
	}, err
}

func sortByJoin(sessions []models.Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		if sessions[i].JoinedAt.Equal(sessions[j].JoinedAt) {
			return sessions[i].UserID < sessions[j].UserID
		}
		return sessions[i].JoinedAt.Before(sessions[j].JoinedAt)
	})
}
