package collaboration

import (
	"net/http"
	"strings"

	"workspace-collab/internal/auth"
	"workspace-collab/internal/middleware"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// WebSocketHandler upgrades HTTP requests and hands the socket to the gateway
type WebSocketHandler struct {
	gateway  *Gateway
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewWebSocketHandler builds a handler accepting browser origins listed in
// allowedOrigins (comma separated, "*" for any).
func NewWebSocketHandler(g *Gateway, allowedOrigins string, log zerolog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		gateway: g,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		log: log.With().Str("component", "websocket").Logger(),
	}
}

func originChecker(allowed string) func(*http.Request) bool {
	allowed = strings.TrimSpace(allowed)
	if allowed == "" || allowed == "*" {
		return func(*http.Request) bool { return true }
	}
	origins := make(map[string]struct{})
	for _, o := range strings.Split(allowed, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins[o] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := origins[origin]
		return ok
	}
}

// HandleConnection serves GET /ws. A credential in the Authorization header
// or ?token= is checked once here; failing it still connects, anonymously,
// so the client can authenticate over the socket.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cred := auth.CredentialFromRequest(r)

	spanCtx, span := middleware.StartSpan(ctx, "WebSocket.Connect",
		attribute.Bool("auth.present", auth.ExtractToken(cred) != ""),
	)

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		middleware.AddSpanError(spanCtx, err)
		span.End()
		return
	}

	c := NewConnection(ws)
	if auth.ExtractToken(cred) != "" {
		if err := h.gateway.Authenticate(c, cred); err != nil {
			h.log.Debug().Str("connection_id", c.ID).Msg("connect-time credential rejected, continuing anonymously")
		}
	}
	span.SetAttributes(attribute.String("connection.id", c.ID))
	h.gateway.OnConnect(spanCtx, c)
	span.End()

	go c.WritePump()
	c.ReadPump(ctx, h.gateway)
}
