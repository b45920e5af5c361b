package collaboration

import (
	"context"
	"errors"
	"sync"
	"time"

	"workspace-collab/internal/models"

	"github.com/gorilla/websocket"
	"github.com/segmentio/ksuid"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
	effectsBuffer  = 64
)

var (
	errConnectionClosed = errors.New("connection closed")
	errSendBufferFull   = errors.New("send buffer full")
)

// Connection is one client socket. Messages from a connection are handled
// one at a time by its ReadPump; presence writes and bus publishes are
// queued in order on a per-connection worker so the client is acked first.
type Connection struct {
	ID string

	ws   *websocket.Conn
	send chan []byte

	mu          sync.Mutex
	identity    *models.Identity
	token       string
	workspaceID string
	// member is the identity c joined workspaceID with. It survives a later
	// failed re-verification so the leave still names the user.
	member       *models.Identity
	disconnected bool

	sendMu     sync.RWMutex
	sendClosed bool

	effects       chan func()
	effectMu      sync.Mutex
	effectsClosed bool

	closeOnce sync.Once
}

// NewConnection wraps ws. A nil ws gives a socket-less connection whose
// outbound frames stay in the send buffer.
func NewConnection(ws *websocket.Conn) *Connection {
	return &Connection{
		ID:      ksuid.New().String(),
		ws:      ws,
		send:    make(chan []byte, sendBufferSize),
		effects: make(chan func(), effectsBuffer),
	}
}

func (c *Connection) Identity() *models.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return nil
	}
	id := *c.identity
	return &id
}

func (c *Connection) WorkspaceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workspaceID
}

func (c *Connection) setIdentity(id models.Identity, token string) {
	c.mu.Lock()
	c.identity = &id
	c.token = token
	c.mu.Unlock()
}

func (c *Connection) clearIdentity() {
	c.mu.Lock()
	c.identity = nil
	c.token = ""
	c.mu.Unlock()
}

// Send queues msg without blocking
func (c *Connection) Send(msg []byte) error {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.sendClosed {
		return errConnectionClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return errSendBufferFull
	}
}

func (c *Connection) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

// Close drops the socket. ReadPump notices and runs the disconnect path.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		if c.ws != nil {
			_ = c.ws.Close()
		}
	})
}

// enqueue runs fn on the connection's effect worker. Once the queue is
// closed fn runs inline so late effects are never lost.
func (c *Connection) enqueue(pending *sync.WaitGroup, fn func()) {
	c.effectMu.Lock()
	defer c.effectMu.Unlock()

	pending.Add(1)
	if c.effectsClosed {
		defer pending.Done()
		fn()
		return
	}
	c.effects <- func() {
		defer pending.Done()
		fn()
	}
}

func (c *Connection) closeEffects() {
	c.effectMu.Lock()
	defer c.effectMu.Unlock()
	if !c.effectsClosed {
		c.effectsClosed = true
		close(c.effects)
	}
}

func (c *Connection) runEffects() {
	for fn := range c.effects {
		fn()
	}
}

// ReadPump reads frames until the socket fails, then disconnects c from g
func (c *Connection) ReadPump(ctx context.Context, g *Gateway) {
	defer func() {
		g.OnDisconnect(ctx, c)
		c.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				g.log.Debug().Err(err).Str("connection_id", c.ID).Msg("websocket read failed")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		g.Dispatch(ctx, c, message)
	}
}

// WritePump drains the send buffer to the socket and keeps it alive with pings
func (c *Connection) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
