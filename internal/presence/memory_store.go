package presence

import (
	"context"
	"sync"

	"workspace-collab/internal/models"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"
)

// MemoryStore is the single-instance backend used when no Redis target is
// configured, and in tests. Expiry is handled by ttlcache.
type MemoryStore struct {
	opts Options
	log  zerolog.Logger

	sessions *ttlcache.Cache[string, models.Session]
	presence *ttlcache.Cache[string, models.UserPresence]

	// mu serializes compound updates across the caches and sets below
	mu        sync.Mutex
	closeOnce sync.Once
	members   map[string]map[string]struct{} // workspaceID -> user ids
	userConns map[string]map[string]struct{} // workspaceID|userID -> connection ids
}

func NewMemoryStore(opts Options, log zerolog.Logger) *MemoryStore {
	opts = opts.withDefaults()

	sessions := ttlcache.New(
		ttlcache.WithTTL[string, models.Session](opts.SessionTTL),
		ttlcache.WithDisableTouchOnHit[string, models.Session](),
	)
	presence := ttlcache.New(
		ttlcache.WithTTL[string, models.UserPresence](opts.PresenceTTL),
		ttlcache.WithDisableTouchOnHit[string, models.UserPresence](),
	)

	go sessions.Start()
	go presence.Start()

	return &MemoryStore{
		opts:      opts,
		log:       log.With().Str("component", "presence").Str("backend", "memory").Logger(),
		sessions:  sessions,
		presence:  presence,
		members:   make(map[string]map[string]struct{}),
		userConns: make(map[string]map[string]struct{}),
	}
}

func userKey(workspaceID, userID string) string {
	return workspaceID + "|" + userID
}

func addToSet(sets map[string]map[string]struct{}, key, member string) {
	if sets[key] == nil {
		sets[key] = make(map[string]struct{})
	}
	sets[key][member] = struct{}{}
}

func removeFromSet(sets map[string]map[string]struct{}, key, member string) int {
	set := sets[key]
	delete(set, member)
	if len(set) == 0 {
		delete(sets, key)
		return 0
	}
	return len(set)
}

func (s *MemoryStore) AddSession(_ context.Context, session models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := userKey(session.WorkspaceID, session.UserID)
	agg := models.UserPresence{UserID: session.UserID, WorkspaceID: session.WorkspaceID}
	if item := s.presence.Get(key); item != nil {
		agg = item.Value()
		agg.ConnectionIDs = append([]string(nil), agg.ConnectionIDs...)
	}
	agg.Username = session.Username
	agg.AddConnection(session)

	s.sessions.Set(session.ConnectionID, session, ttlcache.DefaultTTL)
	s.presence.Set(key, agg, ttlcache.DefaultTTL)
	addToSet(s.members, session.WorkspaceID, session.UserID)
	addToSet(s.userConns, key, session.ConnectionID)

	s.log.Debug().
		Str("user_id", session.UserID).
		Str("workspace_id", session.WorkspaceID).
		Str("connection_id", session.ConnectionID).
		Msg("session added")
	return nil
}

func (s *MemoryStore) RemoveSession(_ context.Context, connectionID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.sessions.Get(connectionID)
	if item == nil {
		return nil, nil
	}
	session := item.Value()
	s.sessions.Delete(connectionID)

	key := userKey(session.WorkspaceID, session.UserID)
	removeFromSet(s.userConns, key, connectionID)
	if s.pruneConns(key) == 0 {
		removeFromSet(s.members, session.WorkspaceID, session.UserID)
		s.presence.Delete(key)
		return &session, nil
	}

	if p := s.presence.Get(key); p != nil {
		agg := p.Value()
		agg.ConnectionIDs = append([]string(nil), agg.ConnectionIDs...)
		agg.RemoveConnection(connectionID)
		agg.LastActivity = s.opts.Now()
		s.presence.Set(key, agg, ttlcache.DefaultTTL)
	}
	return &session, nil
}

// pruneConns drops connection ids whose session already expired and returns
// how many are left. Caller holds mu.
func (s *MemoryStore) pruneConns(key string) int {
	for connID := range s.userConns[key] {
		if s.sessions.Get(connID) == nil {
			removeFromSet(s.userConns, key, connID)
		}
	}
	return len(s.userConns[key])
}

func (s *MemoryStore) UpdateActivity(_ context.Context, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.sessions.Get(connectionID)
	if item == nil {
		return nil
	}
	now := s.opts.Now()
	session := item.Value()
	session.LastActivity = now
	s.sessions.Set(connectionID, session, ttlcache.DefaultTTL)

	key := userKey(session.WorkspaceID, session.UserID)
	agg := models.UserPresence{UserID: session.UserID, Username: session.Username, WorkspaceID: session.WorkspaceID}
	if p := s.presence.Get(key); p != nil {
		agg = p.Value()
		agg.ConnectionIDs = append([]string(nil), agg.ConnectionIDs...)
	}
	agg.AddConnection(session)
	agg.LastActivity = now
	s.presence.Set(key, agg, ttlcache.DefaultTTL)
	addToSet(s.members, session.WorkspaceID, session.UserID)
	addToSet(s.userConns, key, connectionID)
	return nil
}

func (s *MemoryStore) WorkspaceActiveUsers(_ context.Context, workspaceID string) ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := make([]models.Session, 0, len(s.members[workspaceID]))
	for uid := range s.members[workspaceID] {
		item := s.presence.Get(userKey(workspaceID, uid))
		if item == nil {
			removeFromSet(s.members, workspaceID, uid)
			continue
		}
		active = append(active, item.Value().AsSession())
	}
	sortByJoin(active)
	return active, nil
}

func (s *MemoryStore) WorkspacePresence(ctx context.Context, workspaceID string) (models.WorkspacePresence, error) {
	return buildPresence(ctx, s, workspaceID, s.opts.Now())
}

func (s *MemoryStore) IsUserActive(_ context.Context, workspaceID, userID string) (bool, error) {
	return s.presence.Get(userKey(workspaceID, userID)) != nil, nil
}

func (s *MemoryStore) Session(_ context.Context, connectionID string) (*models.Session, error) {
	item := s.sessions.Get(connectionID)
	if item == nil {
		return nil, nil
	}
	session := item.Value()
	return &session, nil
}

func (s *MemoryStore) TotalActiveUsers(_ context.Context) (int, error) {
	count := 0
	for _, item := range s.sessions.Items() {
		if !item.IsExpired() {
			count++
		}
	}
	return count, nil
}

// Close stops the cleanup goroutines
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		s.sessions.Stop()
		s.presence.Stop()
	})
	return nil
}
