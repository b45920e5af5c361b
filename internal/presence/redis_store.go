package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"workspace-collab/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisStore keeps presence in Redis so every instance sees the same state.
//
// Key layout:
//
//	session:{conn}                      JSON Session, SessionTTL
//	workspace:{ws}:users                set of user ids, PresenceTTL
//	workspace:{ws}:user:{uid}:sessions  set of connection ids, SessionTTL
//	presence:{ws}:{uid}                 JSON UserPresence, PresenceTTL
type RedisStore struct {
	client redis.UniversalClient
	opts   Options
	prefix string
	log    zerolog.Logger
}

func NewRedisStore(client redis.UniversalClient, opts Options, log zerolog.Logger) *RedisStore {
	opts = opts.withDefaults()
	prefix := opts.KeyPrefix
	if prefix != "" {
		prefix += ":"
	}
	return &RedisStore{
		client: client,
		opts:   opts,
		prefix: prefix,
		log:    log.With().Str("component", "presence").Str("backend", "redis").Logger(),
	}
}

func (s *RedisStore) sessionKey(connectionID string) string {
	return fmt.Sprintf("%ssession:%s", s.prefix, connectionID)
}

func (s *RedisStore) workspaceKey(workspaceID string) string {
	return fmt.Sprintf("%sworkspace:%s:users", s.prefix, workspaceID)
}

func (s *RedisStore) userSessionsKey(workspaceID, userID string) string {
	return fmt.Sprintf("%sworkspace:%s:user:%s:sessions", s.prefix, workspaceID, userID)
}

func (s *RedisStore) presenceKey(workspaceID, userID string) string {
	return fmt.Sprintf("%spresence:%s:%s", s.prefix, workspaceID, userID)
}

func (s *RedisStore) fail(op string, err error) error {
	s.log.Warn().Err(err).Str("op", op).Msg("presence store call failed")
	return unavailable(op, err)
}

// getJSON returns found=false on redis.Nil
func (s *RedisStore) getJSON(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *RedisStore) AddSession(ctx context.Context, session models.Session) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()

	var agg models.UserPresence
	found, err := s.getJSON(ctx, s.presenceKey(session.WorkspaceID, session.UserID), &agg)
	if err != nil {
		return s.fail("add_session", err)
	}
	if !found {
		agg = models.UserPresence{UserID: session.UserID, WorkspaceID: session.WorkspaceID}
	}
	agg.Username = session.Username
	agg.AddConnection(session)

	sessionJSON, err := json.Marshal(session)
	if err != nil {
		return s.fail("add_session", err)
	}
	aggJSON, err := json.Marshal(agg)
	if err != nil {
		return s.fail("add_session", err)
	}

	wsKey := s.workspaceKey(session.WorkspaceID)
	userKey := s.userSessionsKey(session.WorkspaceID, session.UserID)

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.sessionKey(session.ConnectionID), sessionJSON, s.opts.SessionTTL)
		pipe.SAdd(ctx, wsKey, session.UserID)
		pipe.Expire(ctx, wsKey, s.opts.PresenceTTL)
		pipe.SAdd(ctx, userKey, session.ConnectionID)
		pipe.Expire(ctx, userKey, s.opts.SessionTTL)
		pipe.Set(ctx, s.presenceKey(session.WorkspaceID, session.UserID), aggJSON, s.opts.PresenceTTL)
		return nil
	})
	if err != nil {
		return s.fail("add_session", err)
	}

	s.log.Debug().
		Str("user_id", session.UserID).
		Str("workspace_id", session.WorkspaceID).
		Str("connection_id", session.ConnectionID).
		Msg("session added")
	return nil
}

func (s *RedisStore) RemoveSession(ctx context.Context, connectionID string) (*models.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()

	var session models.Session
	found, err := s.getJSON(ctx, s.sessionKey(connectionID), &session)
	if err != nil {
		return nil, s.fail("remove_session", err)
	}
	if !found {
		return nil, nil
	}

	userKey := s.userSessionsKey(session.WorkspaceID, session.UserID)
	presenceKey := s.presenceKey(session.WorkspaceID, session.UserID)

	var remaining *redis.StringSliceCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.sessionKey(connectionID))
		pipe.SRem(ctx, userKey, connectionID)
		remaining = pipe.SMembers(ctx, userKey)
		return nil
	})
	if err != nil {
		return nil, s.fail("remove_session", err)
	}

	live, dead, err := s.liveSessions(ctx, remaining.Val())
	if err != nil {
		return &session, s.fail("remove_session", err)
	}
	if len(dead) > 0 {
		members := make([]interface{}, len(dead))
		for i, id := range dead {
			members[i] = id
		}
		if err := s.client.SRem(ctx, userKey, members...).Err(); err != nil {
			return &session, s.fail("remove_session", err)
		}
	}

	if len(live) == 0 {
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SRem(ctx, s.workspaceKey(session.WorkspaceID), session.UserID)
			pipe.Del(ctx, presenceKey, userKey)
			return nil
		})
		if err != nil {
			return &session, s.fail("remove_session", err)
		}
		s.log.Debug().Str("user_id", session.UserID).Str("workspace_id", session.WorkspaceID).Msg("user left workspace")
		return &session, nil
	}

	var agg models.UserPresence
	found, err = s.getJSON(ctx, presenceKey, &agg)
	if err != nil {
		return &session, s.fail("remove_session", err)
	}
	if found {
		agg.RemoveConnection(connectionID)
		for _, id := range dead {
			agg.RemoveConnection(id)
		}
		agg.LastActivity = s.opts.Now()
		aggJSON, err := json.Marshal(agg)
		if err != nil {
			return &session, s.fail("remove_session", err)
		}
		if err := s.client.Set(ctx, presenceKey, aggJSON, s.opts.PresenceTTL).Err(); err != nil {
			return &session, s.fail("remove_session", err)
		}
	}

	s.log.Debug().Str("user_id", session.UserID).Int("remaining", len(live)).Msg("connection closed, user still active")
	return &session, nil
}

// liveSessions splits connection ids by whether their session key still
// exists. A sibling's AddSession refreshes the sessions set TTL, so ids of
// sessions that expired on their own can linger there.
func (s *RedisStore) liveSessions(ctx context.Context, ids []string) (live, dead []string, err error) {
	if len(ids) == 0 {
		return nil, nil, nil
	}
	cmds := make([]*redis.IntCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.Exists(ctx, s.sessionKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	for i, id := range ids {
		if cmds[i].Val() > 0 {
			live = append(live, id)
		} else {
			dead = append(dead, id)
		}
	}
	return live, dead, nil
}

// UpdateActivity refreshes the session and presence TTLs. A presence
// aggregate that already expired is rebuilt from the session.
func (s *RedisStore) UpdateActivity(ctx context.Context, connectionID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()

	var session models.Session
	found, err := s.getJSON(ctx, s.sessionKey(connectionID), &session)
	if err != nil {
		return s.fail("update_activity", err)
	}
	if !found {
		return nil
	}

	now := s.opts.Now()
	session.LastActivity = now

	presenceKey := s.presenceKey(session.WorkspaceID, session.UserID)
	var agg models.UserPresence
	found, err = s.getJSON(ctx, presenceKey, &agg)
	if err != nil {
		return s.fail("update_activity", err)
	}
	if !found {
		agg = models.UserPresence{UserID: session.UserID, Username: session.Username, WorkspaceID: session.WorkspaceID}
	}
	agg.AddConnection(session)
	agg.LastActivity = now

	sessionJSON, err := json.Marshal(session)
	if err != nil {
		return s.fail("update_activity", err)
	}
	aggJSON, err := json.Marshal(agg)
	if err != nil {
		return s.fail("update_activity", err)
	}

	wsKey := s.workspaceKey(session.WorkspaceID)
	userKey := s.userSessionsKey(session.WorkspaceID, session.UserID)

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.sessionKey(connectionID), sessionJSON, s.opts.SessionTTL)
		pipe.Set(ctx, presenceKey, aggJSON, s.opts.PresenceTTL)
		pipe.SAdd(ctx, wsKey, session.UserID)
		pipe.Expire(ctx, wsKey, s.opts.PresenceTTL)
		pipe.SAdd(ctx, userKey, connectionID)
		pipe.Expire(ctx, userKey, s.opts.SessionTTL)
		return nil
	})
	if err != nil {
		return s.fail("update_activity", err)
	}
	return nil
}

// WorkspaceActiveUsers returns one entry per active user, oldest join first.
// Members whose presence aggregate expired are pruned from the set.
func (s *RedisStore) WorkspaceActiveUsers(ctx context.Context, workspaceID string) ([]models.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()

	wsKey := s.workspaceKey(workspaceID)
	userIDs, err := s.client.SMembers(ctx, wsKey).Result()
	if err != nil {
		return []models.Session{}, s.fail("workspace_active_users", err)
	}
	if len(userIDs) == 0 {
		return []models.Session{}, nil
	}

	keys := make([]string, len(userIDs))
	for i, uid := range userIDs {
		keys[i] = s.presenceKey(workspaceID, uid)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return []models.Session{}, s.fail("workspace_active_users", err)
	}

	active := make([]models.Session, 0, len(values))
	var stale []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, userIDs[i])
			continue
		}
		var agg models.UserPresence
		if err := json.Unmarshal([]byte(raw), &agg); err != nil {
			s.log.Warn().Err(err).Str("key", keys[i]).Msg("skipping undecodable presence entry")
			continue
		}
		active = append(active, agg.AsSession())
	}

	if len(stale) > 0 {
		if err := s.client.SRem(ctx, wsKey, stale...).Err(); err != nil {
			s.log.Debug().Err(err).Msg("failed to prune stale workspace members")
		}
	}

	sortByJoin(active)
	return active, nil
}

func (s *RedisStore) WorkspacePresence(ctx context.Context, workspaceID string) (models.WorkspacePresence, error) {
	return buildPresence(ctx, s, workspaceID, s.opts.Now())
}

func (s *RedisStore) IsUserActive(ctx context.Context, workspaceID, userID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()

	n, err := s.client.Exists(ctx, s.presenceKey(workspaceID, userID)).Result()
	if err != nil {
		return false, s.fail("is_user_active", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Session(ctx context.Context, connectionID string) (*models.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()

	var session models.Session
	found, err := s.getJSON(ctx, s.sessionKey(connectionID), &session)
	if err != nil {
		return nil, s.fail("get_session", err)
	}
	if !found {
		return nil, nil
	}
	return &session, nil
}

// TotalActiveUsers counts live session keys cluster-wide with SCAN
func (s *RedisStore) TotalActiveUsers(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()

	pattern := s.sessionKey("*")
	var (
		cursor uint64
		count  int
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return 0, s.fail("total_active_users", err)
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return count, nil
}

// Close is a no-op; the client is owned by the caller
func (s *RedisStore) Close() error {
	return nil
}
