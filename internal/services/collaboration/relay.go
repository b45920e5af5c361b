package collaboration

import (
	"context"
	"errors"
	"sync/atomic"

	"workspace-collab/internal/eventbus"
	"workspace-collab/internal/metrics"

	"github.com/rs/zerolog"
)

// Relay feeds events published by other instances into local rooms. It
// never publishes, so a relayed event cannot loop.
type Relay struct {
	gateway *Gateway
	bus     eventbus.Bus
	log     zerolog.Logger
	stopped atomic.Bool
}

func NewRelay(g *Gateway, bus eventbus.Bus, log zerolog.Logger) *Relay {
	return &Relay{
		gateway: g,
		bus:     bus,
		log:     log.With().Str("component", "relay").Logger(),
	}
}

// Start subscribes to the gateway topic. A degraded bus is not fatal: the
// error is returned for logging and the gateway keeps serving local rooms.
func (r *Relay) Start(ctx context.Context) error {
	r.gateway.attachRelay(r)
	err := r.bus.Subscribe(ctx, r.gateway.topic, r.handle)
	if errors.Is(err, eventbus.ErrBusUnavailable) {
		r.log.Warn().Err(err).Msg("relay not subscribed, cross-instance events disabled for now")
	}
	return err
}

// Stop makes the relay ignore anything still in flight
func (r *Relay) Stop() {
	r.stopped.Store(true)
}

func (r *Relay) handle(_ context.Context, payload []byte) {
	if r.stopped.Load() {
		return
	}
	msg, err := eventbus.DecodeEvent(payload)
	if err != nil {
		r.gateway.metrics.MessageRejected("relay_decode")
		r.log.Warn().Err(err).Msg("dropping undecodable bus event")
		return
	}
	if msg.Origin == r.gateway.instanceID {
		return
	}
	r.gateway.deliver(msg.Event, "", metrics.SourceRelay)
	r.log.Debug().
		Str("event_type", string(msg.Event.Type())).
		Str("workspace_id", msg.Event.WorkspaceID).
		Str("origin", msg.Origin).
		Msg("cross-instance event delivered")
}
