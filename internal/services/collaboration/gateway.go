package collaboration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"workspace-collab/internal/auth"
	"workspace-collab/internal/eventbus"
	"workspace-collab/internal/logger"
	"workspace-collab/internal/metrics"
	"workspace-collab/internal/middleware"
	"workspace-collab/internal/models"
	"workspace-collab/internal/presence"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

/*
Gateway owns the local rooms of this instance.

  - Room membership lives in memory and is only touched by the connection it
    belongs to, one message at a time.
  - Cluster state goes through the presence Store and the event Bus. Both are
    written after the client has been answered and both may be degraded; a
    failure there is counted and logged, never sent to the client.
  - Events that arrive from the bus are delivered with the same code path as
    local ones but are never published again.
*/

// Authenticator resolves a credential to an identity or auth.ErrUnauthorized
type Authenticator interface {
	Authenticate(cred auth.Credential) (models.Identity, error)
}

// EventObserver sees every event that originated on this instance
type EventObserver interface {
	Observe(ctx context.Context, event models.Event)
}

const DefaultTopic = "workspace-events"

type Options struct {
	// InstanceID tags published events so the relay can skip its own echoes
	InstanceID string
	Topic      string
	// Quiet silences the exception filter
	Quiet bool
	Now   func() time.Time
}

type Gateway struct {
	instanceID string
	topic      string
	now        func() time.Time

	store    presence.Store
	bus      eventbus.Bus
	auth     Authenticator
	observer EventObserver
	metrics  metrics.Recorder
	filter   *ExceptionFilter
	log      zerolog.Logger

	mu    sync.RWMutex
	rooms map[string]map[string]*Connection // workspaceID -> connectionID -> conn
	conns map[string]*Connection

	relay    *Relay
	pending  sync.WaitGroup
	shutdown atomic.Bool
}

func NewGateway(opts Options, store presence.Store, bus eventbus.Bus, authn Authenticator, log zerolog.Logger) *Gateway {
	if opts.Topic == "" {
		opts.Topic = DefaultTopic
	}
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if bus == nil {
		bus = eventbus.Disabled{}
	}

	log = log.With().Str("component", "gateway").Str("instance_id", opts.InstanceID).Logger()
	filter := NewExceptionFilter(log, opts.Quiet)
	filter.now = opts.Now

	return &Gateway{
		instanceID: opts.InstanceID,
		topic:      opts.Topic,
		now:        opts.Now,
		store:      store,
		bus:        bus,
		auth:       authn,
		metrics:    metrics.Nop{},
		filter:     filter,
		log:        log,
		rooms:      make(map[string]map[string]*Connection),
		conns:      make(map[string]*Connection),
	}
}

func (g *Gateway) SetObserver(o EventObserver) {
	g.observer = o
}

func (g *Gateway) SetMetrics(m metrics.Recorder) {
	g.metrics = m
	g.filter.metrics = m
}

func (g *Gateway) InstanceID() string {
	return g.instanceID
}

func (g *Gateway) BusState() eventbus.State {
	return g.bus.State()
}

// OnConnect registers c. It has no room until it joins one.
func (g *Gateway) OnConnect(ctx context.Context, c *Connection) {
	g.mu.Lock()
	g.conns[c.ID] = c
	total := len(g.conns)
	g.mu.Unlock()

	go c.runEffects()
	g.metrics.ConnectionOpened()

	ev := g.log.Info().Str("connection_id", c.ID).Int("connections", total)
	if id := c.Identity(); id != nil {
		ev = ev.Str("user_id", id.UserID)
	}
	logger.WithTrace(ctx, ev).Msg("client connected")
}

// OnDisconnect leaves the current room and forgets c. Safe to call more
// than once and concurrently with LeaveWorkspace.
func (g *Gateway) OnDisconnect(ctx context.Context, c *Connection) {
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return
	}
	c.disconnected = true
	workspaceID := c.workspaceID
	c.workspaceID = ""
	member := c.member
	c.member = nil
	c.mu.Unlock()

	if workspaceID != "" {
		g.leaveRoom(ctx, c, workspaceID, member)
	}

	g.mu.Lock()
	delete(g.conns, c.ID)
	g.mu.Unlock()

	c.closeEffects()
	c.closeSend()
	g.metrics.ConnectionClosed()

	g.log.Info().Str("connection_id", c.ID).Msg("client disconnected")
}

// Authenticate attaches the identity behind cred to c
func (g *Gateway) Authenticate(c *Connection, cred auth.Credential) error {
	if g.auth == nil {
		return auth.ErrUnauthorized
	}
	id, err := g.auth.Authenticate(cred)
	if err != nil {
		return err
	}
	c.setIdentity(id, auth.ExtractToken(cred))
	return nil
}

// Dispatch decodes one client frame and runs its handler. Handler errors and
// panics end up in the exception filter; nothing escapes to the caller.
func (g *Gateway) Dispatch(ctx context.Context, c *Connection, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			g.filter.Recover(ctx, c, r)
		}
	}()

	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Event == "" {
		g.filter.Catch(ctx, c, ErrBadFrame)
		return
	}

	ctx, span := middleware.StartSpan(ctx, "Gateway."+frame.Event,
		attribute.String("connection.id", c.ID),
		attribute.Int("message.size", len(raw)),
	)
	defer span.End()

	if err := g.handle(ctx, c, frame); err != nil {
		middleware.AddSpanError(ctx, err)
		g.filter.Catch(ctx, c, err)
	}
}

func decode[T any](data json.RawMessage) (*T, error) {
	v := new(T)
	if len(data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return nil, NewWsError("malformed", "Invalid payload")
	}
	return v, nil
}

func (g *Gateway) handle(ctx context.Context, c *Connection, frame Frame) error {
	switch frame.Event {
	case EventAuthenticate:
		req, err := decode[AuthenticateRequest](frame.Data)
		if err != nil {
			return err
		}
		return g.handleAuthenticate(c, req)

	case EventHeartbeat:
		return g.Heartbeat(ctx, c)

	case EventJoinWorkspace:
		req, err := decode[JoinWorkspaceRequest](frame.Data)
		if err != nil {
			return err
		}
		return g.JoinWorkspace(ctx, c, *req)

	case EventLeaveWorkspace:
		return g.LeaveWorkspace(ctx, c)

	case EventFileChange:
		fc, err := decode[models.FileChange](frame.Data)
		if err != nil {
			return err
		}
		return g.HandleFileChange(ctx, c, fc)

	case EventCursorUpdate:
		cu, err := decode[models.CursorUpdate](frame.Data)
		if err != nil {
			return err
		}
		return g.HandleCursorUpdate(ctx, c, cu)
	}
	return NewWsError("unknown_event", "Unknown event: %s", frame.Event)
}

func (g *Gateway) handleAuthenticate(c *Connection, req *AuthenticateRequest) error {
	if err := g.Authenticate(c, auth.Credential{AuthToken: req.Token}); err != nil {
		return ErrUnauthorized
	}
	id := c.Identity()
	return g.reply(c, EventAuthenticated, AuthenticatedMessage{UserID: id.UserID, Timestamp: g.now()})
}

// verify re-checks the credential held by c. A token that no longer
// verifies, e.g. because it expired, drops the identity.
func (g *Gateway) verify(c *Connection, token string) (*models.Identity, error) {
	if token != "" {
		if err := g.Authenticate(c, auth.Credential{AuthToken: token}); err != nil {
			c.clearIdentity()
			return nil, ErrAuthRequired
		}
		return c.Identity(), nil
	}

	c.mu.Lock()
	held := c.token
	c.mu.Unlock()
	if held != "" {
		return g.verify(c, held)
	}

	id := c.Identity()
	if id == nil {
		return nil, ErrAuthRequired
	}
	return id, nil
}

// JoinWorkspace moves c into the room for req.WorkspaceID, leaving any room
// it was in before. Joining the room c is already in only re-acks.
func (g *Gateway) JoinWorkspace(ctx context.Context, c *Connection, req JoinWorkspaceRequest) error {
	identity, err := g.verify(c, req.Token)
	if err != nil {
		// an unauthenticated connection keeps no room
		_ = g.LeaveWorkspace(ctx, c)
		return err
	}
	if req.WorkspaceID == "" {
		return NewWsError("invalid_payload", "workspaceId is required")
	}
	now := g.now()

	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return nil
	}
	previous := c.workspaceID
	if previous == req.WorkspaceID {
		c.mu.Unlock()
		return g.reply(c, EventWorkspaceJoined, WorkspaceJoinedMessage{WorkspaceID: req.WorkspaceID, Timestamp: now})
	}
	previousMember := c.member
	c.workspaceID = req.WorkspaceID
	c.member = identity
	c.mu.Unlock()

	if previous != "" {
		g.leaveRoom(ctx, c, previous, previousMember)
	}

	event := models.NewEvent(uuid.NewString(), &models.UserJoin{
		WorkspaceID: req.WorkspaceID,
		Username:    identity.DisplayName(),
	}, identity.UserID, now)
	session := models.NewSession(*identity, req.WorkspaceID, c.ID, now)

	// a concurrent OnDisconnect may have taken the membership already. c.mu
	// is held until AddSession is queued so it is ordered before RemoveSession.
	g.mu.Lock()
	c.mu.Lock()
	if c.disconnected || c.workspaceID != req.WorkspaceID {
		c.mu.Unlock()
		g.mu.Unlock()
		return nil
	}
	if g.rooms[req.WorkspaceID] == nil {
		g.rooms[req.WorkspaceID] = make(map[string]*Connection)
	}
	g.rooms[req.WorkspaceID][c.ID] = c
	g.mu.Unlock()
	g.after(ctx, c, func(ctx context.Context) {
		if err := g.store.AddSession(ctx, session); err != nil {
			g.storeFailed("add_session", err)
		}
		g.publish(ctx, event)
	})
	c.mu.Unlock()

	middleware.AddSpanEvent(ctx, "room.joined",
		attribute.String("workspace.id", req.WorkspaceID),
		attribute.String("previous.workspace.id", previous),
	)
	g.deliver(event, c.ID, metrics.SourceLocal)
	if err := g.reply(c, EventWorkspaceJoined, WorkspaceJoinedMessage{WorkspaceID: req.WorkspaceID, Timestamp: now}); err != nil {
		g.log.Debug().Err(err).Str("connection_id", c.ID).Msg("join ack not delivered")
	}

	logger.WithTrace(ctx, g.log.Info()).
		Str("user_id", identity.UserID).
		Str("workspace_id", req.WorkspaceID).
		Str("connection_id", c.ID).
		Msg("user joined workspace")
	return nil
}

// LeaveWorkspace is a no-op when c has no room
func (g *Gateway) LeaveWorkspace(ctx context.Context, c *Connection) error {
	c.mu.Lock()
	workspaceID := c.workspaceID
	c.workspaceID = ""
	member := c.member
	c.member = nil
	c.mu.Unlock()

	if workspaceID == "" {
		return nil
	}
	g.leaveRoom(ctx, c, workspaceID, member)
	return nil
}

// leaveRoom runs once per membership; the caller has already cleared it on c
func (g *Gateway) leaveRoom(ctx context.Context, c *Connection, workspaceID string, identity *models.Identity) {
	g.mu.Lock()
	if room, ok := g.rooms[workspaceID]; ok {
		delete(room, c.ID)
		if len(room) == 0 {
			delete(g.rooms, workspaceID)
		}
	}
	g.mu.Unlock()

	leave := &models.UserLeave{WorkspaceID: workspaceID}
	userID := ""
	if identity != nil {
		leave.Username = identity.DisplayName()
		userID = identity.UserID
	}
	event := models.NewEvent(uuid.NewString(), leave, userID, g.now())

	g.deliver(event, c.ID, metrics.SourceLocal)
	g.after(ctx, c, func(ctx context.Context) {
		if _, err := g.store.RemoveSession(ctx, c.ID); err != nil {
			g.storeFailed("remove_session", err)
		}
		g.publish(ctx, event)
	})

	logger.WithTrace(ctx, g.log.Info()).
		Str("user_id", userID).
		Str("workspace_id", workspaceID).
		Str("connection_id", c.ID).
		Msg("user left workspace")
}

// checkRoom rejects payloads aimed at a room c has not joined
func (g *Gateway) checkRoom(c *Connection, workspaceID string) (*models.Identity, error) {
	c.mu.Lock()
	joined := c.workspaceID
	identity := c.identity
	c.mu.Unlock()

	if joined == "" || joined != workspaceID {
		return nil, ErrForbidden
	}
	if identity == nil {
		return nil, ErrAuthRequired
	}
	id := *identity
	return &id, nil
}

func invalid(err error) error {
	return NewWsError("invalid_payload", "%s", err.Error())
}

func (g *Gateway) HandleFileChange(ctx context.Context, c *Connection, fc *models.FileChange) error {
	identity, err := g.checkRoom(c, fc.WorkspaceID)
	if err != nil {
		return err
	}
	if err := fc.Validate(); err != nil {
		return invalid(err)
	}
	event := models.NewEvent(uuid.NewString(), fc, identity.UserID, g.now())
	g.relayLocal(ctx, c, event)
	return nil
}

func (g *Gateway) HandleCursorUpdate(ctx context.Context, c *Connection, cu *models.CursorUpdate) error {
	identity, err := g.checkRoom(c, cu.WorkspaceID)
	if err != nil {
		return err
	}
	if err := cu.Validate(); err != nil {
		return invalid(err)
	}
	event := models.NewEvent(uuid.NewString(), cu, identity.UserID, g.now())
	g.relayLocal(ctx, c, event)
	return nil
}

// relayLocal sends a client event to the whole room, sender included, then
// refreshes presence and fans it out.
func (g *Gateway) relayLocal(ctx context.Context, c *Connection, event models.Event) {
	g.deliver(event, "", metrics.SourceLocal)
	g.after(ctx, c, func(ctx context.Context) {
		if err := g.store.UpdateActivity(ctx, c.ID); err != nil {
			g.storeFailed("update_activity", err)
		}
		g.publish(ctx, event)
	})
}

// Heartbeat refreshes presence TTLs for c
func (g *Gateway) Heartbeat(ctx context.Context, c *Connection) error {
	if c.WorkspaceID() == "" {
		return nil
	}
	g.after(ctx, c, func(ctx context.Context) {
		if err := g.store.UpdateActivity(ctx, c.ID); err != nil {
			g.storeFailed("update_activity", err)
		}
	})
	return nil
}

// BroadcastFileChange emits a server-initiated change to workspaceID. The
// payload keeps its own userId.
func (g *Gateway) BroadcastFileChange(ctx context.Context, workspaceID string, fc *models.FileChange) error {
	if fc.WorkspaceID == "" {
		fc.WorkspaceID = workspaceID
	}
	if fc.WorkspaceID != workspaceID {
		return fmt.Errorf("%w: payload workspace %q does not match %q", models.ErrInvalidPayload, fc.WorkspaceID, workspaceID)
	}
	if err := fc.Validate(); err != nil {
		return err
	}
	g.broadcast(ctx, models.NewEvent(uuid.NewString(), fc, "", g.now()))
	return nil
}

func (g *Gateway) BroadcastCursorUpdate(ctx context.Context, workspaceID string, cu *models.CursorUpdate) error {
	if cu.WorkspaceID == "" {
		cu.WorkspaceID = workspaceID
	}
	if cu.WorkspaceID != workspaceID {
		return fmt.Errorf("%w: payload workspace %q does not match %q", models.ErrInvalidPayload, cu.WorkspaceID, workspaceID)
	}
	if err := cu.Validate(); err != nil {
		return err
	}
	g.broadcast(ctx, models.NewEvent(uuid.NewString(), cu, "", g.now()))
	return nil
}

func (g *Gateway) broadcast(ctx context.Context, event models.Event) {
	g.deliver(event, "", metrics.SourceLocal)

	ctx = context.WithoutCancel(ctx)
	g.pending.Add(1)
	go func() {
		defer g.pending.Done()
		g.publish(ctx, event)
	}()
}

// WorkspaceConnectedUsers is the size of this instance's room only
func (g *Gateway) WorkspaceConnectedUsers(workspaceID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms[workspaceID])
}

// ConnectionCount is the number of open connections on this instance
func (g *Gateway) ConnectionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// WorkspacePresence is the cluster-wide view from the presence store
func (g *Gateway) WorkspacePresence(ctx context.Context, workspaceID string) models.WorkspacePresence {
	p, err := g.store.WorkspacePresence(ctx, workspaceID)
	if err != nil {
		g.storeFailed("workspace_presence", err)
	}
	return p
}

func (g *Gateway) TotalActiveUsers(ctx context.Context) int {
	n, err := g.store.TotalActiveUsers(ctx)
	if err != nil {
		g.storeFailed("total_active_users", err)
	}
	return n
}

// deliver writes event to every local member of its room except exclude.
// Members whose buffer is full are dropped.
func (g *Gateway) deliver(event models.Event, exclude, source string) {
	frame, err := eventFrame(event)
	if err != nil {
		g.log.Error().Err(err).Str("event_id", event.ID).Msg("encoding event frame")
		return
	}

	g.mu.RLock()
	room := g.rooms[event.WorkspaceID]
	members := make([]*Connection, 0, len(room))
	for id, c := range room {
		if id != exclude {
			members = append(members, c)
		}
	}
	g.mu.RUnlock()

	for _, c := range members {
		if err := c.Send(frame); errors.Is(err, errSendBufferFull) {
			g.log.Warn().Str("connection_id", c.ID).Msg("send buffer full, closing connection")
			c.Close()
		}
	}
	g.metrics.EventDelivered(string(event.Type()), source)
}

func (g *Gateway) reply(c *Connection, event string, data any) error {
	frame, err := encodeFrame(event, data)
	if err != nil {
		return err
	}
	return c.Send(frame)
}

// after queues fn on c's effect worker. fn gets a context that outlives the
// message that triggered it.
func (g *Gateway) after(ctx context.Context, c *Connection, fn func(ctx context.Context)) {
	ctx = context.WithoutCancel(ctx)
	c.enqueue(&g.pending, func() {
		defer func() {
			if r := recover(); r != nil {
				g.log.Error().Str("connection_id", c.ID).Msgf("panic in side effect: %v", r)
			}
		}()
		fn(ctx)
	})
}

func (g *Gateway) publish(ctx context.Context, event models.Event) {
	if g.observer != nil {
		g.observer.Observe(ctx, event)
	}

	payload, err := eventbus.EncodeEvent(event, g.instanceID)
	if err != nil {
		g.log.Error().Err(err).Str("event_id", event.ID).Msg("encoding bus event")
		return
	}
	if err := g.bus.Publish(ctx, g.topic, payload); err != nil {
		g.metrics.BusPublishFailed()
		g.log.Debug().Err(err).Str("event_type", string(event.Type())).Msg("event not published")
	}
}

func (g *Gateway) storeFailed(op string, err error) {
	g.metrics.StoreCallFailed(op)
	g.log.Debug().Err(err).Str("op", op).Msg("presence update skipped")
}

func (g *Gateway) attachRelay(r *Relay) {
	g.mu.Lock()
	g.relay = r
	g.mu.Unlock()
}

// wait blocks until every queued side effect has run
func (g *Gateway) wait() {
	g.pending.Wait()
}

// Shutdown stops the relay, disconnects every client and waits for their
// presence cleanup, bounded by ctx.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if !g.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	g.log.Info().Msg("shutting down gateway")

	g.mu.RLock()
	relay := g.relay
	conns := make([]*Connection, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.RUnlock()

	if relay != nil {
		relay.Stop()
	}
	for _, c := range conns {
		g.OnDisconnect(ctx, c)
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		g.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		g.log.Info().Int("connections", len(conns)).Msg("gateway shutdown complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gateway shutdown: %w", ctx.Err())
	}
}
