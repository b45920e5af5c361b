package collaboration

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"workspace-collab/internal/auth"
	"workspace-collab/internal/eventbus"
	"workspace-collab/internal/models"
	"workspace-collab/internal/presence"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeAuth accepts "token-<user>" until the token is expired
type fakeAuth struct {
	mu      sync.Mutex
	expired map[string]bool
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{expired: make(map[string]bool)}
}

func (a *fakeAuth) expire(token string) {
	a.mu.Lock()
	a.expired[token] = true
	a.mu.Unlock()
}

func (a *fakeAuth) Authenticate(cred auth.Credential) (models.Identity, error) {
	token := auth.ExtractToken(cred)
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(token) <= len("token-") || token[:6] != "token-" || a.expired[token] {
		return models.Identity{}, auth.ErrUnauthorized
	}
	user := token[6:]
	return models.Identity{UserID: user, Email: user + "@example.com"}, nil
}

type recordingObserver struct {
	mu     sync.Mutex
	events []models.Event
}

func (o *recordingObserver) Observe(_ context.Context, e models.Event) {
	o.mu.Lock()
	o.events = append(o.events, e)
	o.mu.Unlock()
}

func (o *recordingObserver) types() []models.EventType {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]models.EventType, len(o.events))
	for i, e := range o.events {
		out[i] = e.Type()
	}
	return out
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	gw    *Gateway
	store *presence.MemoryStore
	auth  *fakeAuth
	clock *testClock
}

func newHarness(t *testing.T, bus eventbus.Bus, instance string) *harness {
	t.Helper()
	clock := &testClock{now: testNow}
	store := presence.NewMemoryStore(presence.Options{Now: clock.Now}, zerolog.Nop())
	t.Cleanup(func() { _ = store.Close() })

	fa := newFakeAuth()
	gw := NewGateway(Options{
		InstanceID: instance,
		Quiet:      true,
		Now:        clock.Now,
	}, store, bus, fa, zerolog.Nop())
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })

	return &harness{gw: gw, store: store, auth: fa, clock: clock}
}

// connect opens a socket-less connection authenticated as user ("" for
// anonymous)
func (h *harness) connect(t *testing.T, user string) *Connection {
	t.Helper()
	c := NewConnection(nil)
	if user != "" {
		require.NoError(t, h.gw.Authenticate(c, auth.Credential{QueryToken: "token-" + user}))
	}
	h.gw.OnConnect(context.Background(), c)
	return c
}

func (h *harness) send(t *testing.T, c *Connection, event string, data any) {
	t.Helper()
	raw, err := encodeFrame(event, data)
	require.NoError(t, err)
	h.gw.Dispatch(context.Background(), c, raw)
}

func (h *harness) join(t *testing.T, c *Connection, workspace string) {
	t.Helper()
	h.send(t, c, EventJoinWorkspace, JoinWorkspaceRequest{WorkspaceID: workspace})
	f := expectFrame(t, c)
	require.Equal(t, EventWorkspaceJoined, f.Event, "join of %s failed: %s", workspace, string(f.Data))
}

func expectFrame(t *testing.T, c *Connection) Frame {
	t.Helper()
	select {
	case raw, ok := <-c.send:
		require.True(t, ok, "send channel closed")
		var f Frame
		require.NoError(t, json.Unmarshal(raw, &f))
		return f
	case <-time.After(time.Second):
		t.Fatalf("no frame for connection %s", c.ID)
		return Frame{}
	}
}

// expectEvent skips frames until one named event arrives
func expectEvent(t *testing.T, c *Connection, event string, within time.Duration) Frame {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case raw, ok := <-c.send:
			require.True(t, ok, "send channel closed")
			var f Frame
			require.NoError(t, json.Unmarshal(raw, &f))
			if f.Event == event {
				return f
			}
		case <-deadline:
			t.Fatalf("no %s frame for connection %s", event, c.ID)
			return Frame{}
		}
	}
}

func expectNoFrame(t *testing.T, c *Connection) {
	t.Helper()
	select {
	case raw, ok := <-c.send:
		if ok {
			t.Fatalf("unexpected frame: %s", raw)
		}
	default:
	}
}

func decodeData[T any](t *testing.T, f Frame) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(f.Data, &v))
	return v
}

func fileChange(workspace string) *models.FileChange {
	return &models.FileChange{
		WorkspaceID: workspace,
		ProjectID:   "P1",
		FilePath:    "src/main.go",
		Changes:     models.FileChanges{Operation: models.OpInsert, Content: "hi", Position: &models.CursorPosition{Line: 1, Column: 2}},
	}
}

func TestGateway_FileChangeReachesWholeRoom(t *testing.T) {
	h := newHarness(t, eventbus.NewMemoryBroker().Client(), "i1")
	a := h.connect(t, "A")
	b := h.connect(t, "B")

	h.join(t, a, "W1")
	h.join(t, b, "W1")
	joined := expectFrame(t, a)
	assert.Equal(t, EventUserJoined, joined.Event)
	assert.Equal(t, "B", decodeData[models.UserJoin](t, joined).UserID)

	fc := fileChange("W1")
	fc.UserID = "spoofed"
	h.send(t, a, EventFileChange, fc)

	for _, c := range []*Connection{a, b} {
		f := expectFrame(t, c)
		require.Equal(t, EventFileChanged, f.Event)
		got := decodeData[models.FileChange](t, f)
		assert.Equal(t, "A", got.UserID, "acting user is stamped by the server")
		assert.Equal(t, testNow, got.Timestamp.UTC())
		assert.Equal(t, "src/main.go", got.FilePath)
	}
	assert.Equal(t, 2, h.gw.WorkspaceConnectedUsers("W1"))
}

func TestGateway_JoinWithoutIdentity(t *testing.T) {
	h := newHarness(t, eventbus.Disabled{}, "i1")
	c := h.connect(t, "")

	h.send(t, c, EventJoinWorkspace, JoinWorkspaceRequest{WorkspaceID: "W1"})

	f := expectFrame(t, c)
	require.Equal(t, EventError, f.Event)
	assert.Equal(t, "Authentication required", decodeData[ErrorMessage](t, f).Message)
	assert.Zero(t, h.gw.WorkspaceConnectedUsers("W1"))
	assert.Empty(t, c.WorkspaceID())
}

func TestGateway_ExpiredTokenCannotJoin(t *testing.T) {
	h := newHarness(t, eventbus.Disabled{}, "i1")
	c := h.connect(t, "A")
	h.auth.expire("token-A")

	h.send(t, c, EventJoinWorkspace, JoinWorkspaceRequest{WorkspaceID: "W1"})

	f := expectFrame(t, c)
	require.Equal(t, EventError, f.Event)
	assert.Equal(t, "Authentication required", decodeData[ErrorMessage](t, f).Message)
	assert.Zero(t, h.gw.WorkspaceConnectedUsers("W1"))
	assert.Nil(t, c.Identity(), "stale identity is dropped")
}

func TestGateway_ExpiredTokenOnRejoinLeavesRoomAsUser(t *testing.T) {
	h := newHarness(t, eventbus.Disabled{}, "i1")
	a := h.connect(t, "A")
	b := h.connect(t, "B")
	h.join(t, a, "W1")
	h.join(t, b, "W1")
	assert.Equal(t, EventUserJoined, expectFrame(t, a).Event)

	h.auth.expire("token-A")
	h.send(t, a, EventJoinWorkspace, JoinWorkspaceRequest{WorkspaceID: "W2"})

	f := expectFrame(t, a)
	require.Equal(t, EventError, f.Event)
	assert.Equal(t, "Authentication required", decodeData[ErrorMessage](t, f).Message)
	assert.Empty(t, a.WorkspaceID())
	assert.Equal(t, 1, h.gw.WorkspaceConnectedUsers("W1"))
	assert.Zero(t, h.gw.WorkspaceConnectedUsers("W2"))

	left := expectFrame(t, b)
	require.Equal(t, EventUserLeft, left.Event)
	leave := decodeData[models.UserLeave](t, left)
	assert.Equal(t, "A", leave.UserID)
	assert.Equal(t, "A@example.com", leave.Username)

	// A no longer sees W1 traffic and its disconnect does not leave again
	h.send(t, b, EventFileChange, fileChange("W1"))
	assert.Equal(t, EventFileChanged, expectFrame(t, b).Event)
	expectNoFrame(t, a)

	h.gw.OnDisconnect(context.Background(), a)
	h.gw.wait()
	expectNoFrame(t, b)
}

func TestGateway_JoinRacingShutdownLeavesNoSession(t *testing.T) {
	for i := 0; i < 50; i++ {
		h := newHarness(t, eventbus.Disabled{}, "i1")
		c := h.connect(t, "A")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = h.gw.JoinWorkspace(context.Background(), c, JoinWorkspaceRequest{WorkspaceID: "W1"})
		}()
		go func() {
			defer wg.Done()
			_ = h.gw.Shutdown(context.Background())
		}()
		wg.Wait()
		h.gw.wait()

		assert.Zero(t, h.gw.WorkspaceConnectedUsers("W1"), "iteration %d", i)
		active, err := h.store.WorkspaceActiveUsers(context.Background(), "W1")
		require.NoError(t, err)
		assert.Empty(t, active, "iteration %d", i)
	}
}

func TestGateway_JoinWithTokenInPayload(t *testing.T) {
	h := newHarness(t, eventbus.Disabled{}, "i1")
	c := h.connect(t, "")

	h.send(t, c, EventJoinWorkspace, JoinWorkspaceRequest{WorkspaceID: "W1", Token: "token-Z"})

	f := expectFrame(t, c)
	require.Equal(t, EventWorkspaceJoined, f.Event)
	assert.Equal(t, "W1", decodeData[WorkspaceJoinedMessage](t, f).WorkspaceID)
	require.NotNil(t, c.Identity())
	assert.Equal(t, "Z", c.Identity().UserID)
}

func TestGateway_AuthenticateOverSocket(t *testing.T) {
	h := newHarness(t, eventbus.Disabled{}, "i1")
	c := h.connect(t, "")

	h.send(t, c, EventAuthenticate, AuthenticateRequest{Token: "garbage"})
	f := expectFrame(t, c)
	require.Equal(t, EventError, f.Event)
	assert.Equal(t, "Unauthorized", decodeData[ErrorMessage](t, f).Message)

	h.send(t, c, EventAuthenticate, AuthenticateRequest{Token: "token-A"})
	f = expectFrame(t, c)
	require.Equal(t, EventAuthenticated, f.Event)
	assert.Equal(t, "A", decodeData[AuthenticatedMessage](t, f).UserID)

	h.join(t, c, "W1")
}

func TestGateway_MoveBetweenWorkspaces(t *testing.T) {
	h := newHarness(t, eventbus.Disabled{}, "i1")
	a := h.connect(t, "A")
	watcher := h.connect(t, "B")
	h.join(t, watcher, "W1")

	h.join(t, a, "W1")
	assert.Equal(t, EventUserJoined, expectFrame(t, watcher).Event)

	h.join(t, a, "W2")
	left := expectFrame(t, watcher)
	require.Equal(t, EventUserLeft, left.Event)
	assert.Equal(t, "A", decodeData[models.UserLeave](t, left).UserID)

	assert.Equal(t, "W2", a.WorkspaceID())
	assert.Equal(t, 1, h.gw.WorkspaceConnectedUsers("W1"))
	assert.Equal(t, 1, h.gw.WorkspaceConnectedUsers("W2"))

	h.gw.wait()
	ctx := context.Background()
	inW1, err := h.store.IsUserActive(ctx, "W1", "A")
	require.NoError(t, err)
	assert.False(t, inW1)
	session, err := h.store.Session(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "W2", session.WorkspaceID)
}

func TestGateway_RepeatedJoinLeaveNetEffect(t *testing.T) {
	h := newHarness(t, eventbus.Disabled{}, "i1")
	c := h.connect(t, "A")

	h.join(t, c, "W1")
	h.join(t, c, "W1")
	h.join(t, c, "W2")
	require.NoError(t, h.gw.LeaveWorkspace(context.Background(), c))
	require.NoError(t, h.gw.LeaveWorkspace(context.Background(), c))
	h.join(t, c, "W3")

	assert.Equal(t, "W3", c.WorkspaceID())
	for ws, want := range map[string]int{"W1": 0, "W2": 0, "W3": 1} {
		assert.Equal(t, want, h.gw.WorkspaceConnectedUsers(ws), ws)
	}

	h.gw.wait()
	active, err := h.store.WorkspaceActiveUsers(context.Background(), "W3")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "A", active[0].UserID)
}

func TestGateway_DisconnectAfterLeaveDoesNotRepeatLeave(t *testing.T) {
	h := newHarness(t, eventbus.Disabled{}, "i1")
	a := h.connect(t, "A")
	b := h.connect(t, "B")
	h.join(t, b, "W1")
	h.join(t, a, "W1")
	expectFrame(t, b) // user-joined

	h.send(t, a, EventLeaveWorkspace, nil)
	assert.Equal(t, EventUserLeft, expectFrame(t, b).Event)

	h.gw.OnDisconnect(context.Background(), a)
	h.gw.OnDisconnect(context.Background(), a)
	expectNoFrame(t, b)
	assert.Equal(t, 1, h.gw.ConnectionCount())
}

func TestGateway_DisconnectLeavesRoom(t *testing.T) {
	h := newHarness(t, eventbus.Disabled{}, "i1")
	a := h.connect(t, "A")
	b := h.connect(t, "B")
	h.join(t, b, "W1")
	h.join(t, a, "W1")
	expectFrame(t, b)

	h.gw.OnDisconnect(context.Background(), a)
	assert.Equal(t, EventUserLeft, expectFrame(t, b).Event)
	assert.Equal(t, 1, h.gw.WorkspaceConnectedUsers("W1"))

	h.gw.wait()
	ok, err := h.store.IsUserActive(context.Background(), "W1", "A")
	require.NoError(t, err)
	assert.False(t, ok)

	_, open := <-a.send
	assert.False(t, open, "disconnected connection gets its send buffer closed")
}

func TestGateway_RejectsMismatchedWorkspace(t *testing.T) {
	h := newHarness(t, eventbus.Disabled{}, "i1")
	a := h.connect(t, "A")
	b := h.connect(t, "B")
	h.join(t, a, "W1")
	h.join(t, b, "W2")

	h.send(t, a, EventFileChange, fileChange("W2"))
	h.send(t, a, EventCursorUpdate, models.CursorUpdate{WorkspaceID: "W2", ProjectID: "P1"})

	for i := 0; i < 2; i++ {
		f := expectFrame(t, a)
		require.Equal(t, EventError, f.Event)
		assert.Equal(t, "Not joined to this workspace", decodeData[ErrorMessage](t, f).Message)
	}
	expectNoFrame(t, b)
}

func TestGateway_RejectsBeforeJoin(t *testing.T) {
	h := newHarness(t, eventbus.Disabled{}, "i1")
	a := h.connect(t, "A")

	h.send(t, a, EventFileChange, fileChange("W1"))

	f := expectFrame(t, a)
	require.Equal(t, EventError, f.Event)
	assert.Equal(t, "Not joined to this workspace", decodeData[ErrorMessage](t, f).Message)
}

func TestGateway_InvalidPayloads(t *testing.T) {
	h := newHarness(t, eventbus.Disabled{}, "i1")
	a := h.connect(t, "A")
	h.join(t, a, "W1")

	bad := fileChange("W1")
	bad.Changes.Operation = "merge"
	h.send(t, a, EventFileChange, bad)
	h.send(t, a, EventCursorUpdate, models.CursorUpdate{WorkspaceID: "W1", ProjectID: "P1", Position: models.CursorPosition{Line: -1}})
	h.send(t, a, EventJoinWorkspace, JoinWorkspaceRequest{})

	for i := 0; i < 3; i++ {
		f := expectFrame(t, a)
		assert.Equal(t, EventError, f.Event)
		assert.NotEqual(t, internalErrorMessage, decodeData[ErrorMessage](t, f).Message)
	}
}

func TestGateway_UnknownAndMalformedFrames(t *testing.T) {
	h := newHarness(t, eventbus.Disabled{}, "i1")
	a := h.connect(t, "A")

	h.gw.Dispatch(context.Background(), a, []byte(`{not json`))
	h.gw.Dispatch(context.Background(), a, []byte(`{"event":"delete-workspace","data":{}}`))
	h.gw.Dispatch(context.Background(), a, []byte(`{"event":"file-change","data":"oops"}`))

	msgs := []string{"Malformed message", "Unknown event: delete-workspace", "Invalid payload"}
	for _, want := range msgs {
		f := expectFrame(t, a)
		require.Equal(t, EventError, f.Event)
		assert.Equal(t, want, decodeData[ErrorMessage](t, f).Message)
	}
}

func TestGateway_DegradedBusStillServesLocally(t *testing.T) {
	broker := eventbus.NewMemoryBroker()
	broker.SetAvailable(false)
	h := newHarness(t, broker.Client(), "i1")
	assert.Equal(t, eventbus.StateDegraded, h.gw.BusState())

	a := h.connect(t, "A")
	b := h.connect(t, "B")
	h.join(t, a, "W1")
	h.join(t, b, "W1")
	assert.Equal(t, EventUserJoined, expectFrame(t, a).Event)

	h.send(t, b, EventCursorUpdate, models.CursorUpdate{WorkspaceID: "W1", ProjectID: "P1", Position: models.CursorPosition{Line: 4, Column: 8}})
	f := expectFrame(t, a)
	require.Equal(t, EventCursorUpdated, f.Event)
	assert.Equal(t, "B", decodeData[models.CursorUpdate](t, f).UserID)
	assert.Equal(t, EventCursorUpdated, expectFrame(t, b).Event)
}

func TestGateway_ObserverSeesLocalEventsOnly(t *testing.T) {
	broker := eventbus.NewMemoryBroker()
	h1 := newHarness(t, broker.Client(), "i1")
	h2 := newHarness(t, broker.Client(), "i2")
	obs := &recordingObserver{}
	h2.gw.SetObserver(obs)
	require.NoError(t, NewRelay(h2.gw, broker.Client(), zerolog.Nop()).Start(context.Background()))

	a := h1.connect(t, "A")
	h1.join(t, a, "W1")
	h1.send(t, a, EventFileChange, fileChange("W1"))
	h1.gw.wait()

	assert.Empty(t, obs.types(), "relayed events are not observed")

	b := h2.connect(t, "B")
	h2.join(t, b, "W1")
	h2.gw.wait()
	assert.Equal(t, []models.EventType{models.EventUserJoin}, obs.types())
}

func TestGateway_ProgrammaticBroadcast(t *testing.T) {
	h := newHarness(t, eventbus.Disabled{}, "i1")
	a := h.connect(t, "A")
	h.join(t, a, "W1")

	fc := fileChange("")
	fc.UserID = "system"
	require.NoError(t, h.gw.BroadcastFileChange(context.Background(), "W1", fc))

	f := expectFrame(t, a)
	require.Equal(t, EventFileChanged, f.Event)
	got := decodeData[models.FileChange](t, f)
	assert.Equal(t, "system", got.UserID)
	assert.Equal(t, "W1", got.WorkspaceID)

	require.NoError(t, h.gw.BroadcastCursorUpdate(context.Background(), "W1", &models.CursorUpdate{ProjectID: "P1"}))
	assert.Equal(t, EventCursorUpdated, expectFrame(t, a).Event)

	err := h.gw.BroadcastFileChange(context.Background(), "W1", fileChange("W9"))
	assert.ErrorIs(t, err, models.ErrInvalidPayload)
}

func TestGateway_HeartbeatRefreshesActivity(t *testing.T) {
	h := newHarness(t, eventbus.Disabled{}, "i1")
	a := h.connect(t, "A")
	h.join(t, a, "W1")
	h.gw.wait()

	h.clock.Advance(time.Minute)
	h.send(t, a, EventHeartbeat, nil)
	h.gw.wait()

	expectNoFrame(t, a)
	session, err := h.store.Session(context.Background(), a.ID)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, testNow.Add(time.Minute), session.LastActivity.UTC())
	assert.Equal(t, testNow, session.JoinedAt.UTC())

	wp, err := h.store.WorkspacePresence(context.Background(), "W1")
	require.NoError(t, err)
	require.Len(t, wp.ActiveUsers, 1)
	assert.Equal(t, testNow.Add(time.Minute), wp.ActiveUsers[0].LastActivity.UTC())
}

func TestGateway_ShutdownClearsPresence(t *testing.T) {
	h := newHarness(t, eventbus.Disabled{}, "i1")
	a := h.connect(t, "A")
	b := h.connect(t, "B")
	h.join(t, a, "W1")
	h.join(t, b, "W1")

	require.NoError(t, h.gw.Shutdown(context.Background()))

	assert.Zero(t, h.gw.ConnectionCount())
	assert.Zero(t, h.gw.WorkspaceConnectedUsers("W1"))
	active, err := h.store.WorkspaceActiveUsers(context.Background(), "W1")
	require.NoError(t, err)
	assert.Empty(t, active)
}
