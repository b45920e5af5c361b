// Package eventbus carries collaboration events between server instances.
//
// A Bus moves opaque byte payloads on named topics. Delivery is best-effort
// and fan-out only: nothing is stored, nothing is retried. When the backing
// broker cannot be reached the bus reports StateDegraded and every call fails
// fast with an error wrapping ErrBusUnavailable so callers can fall back to
// single-instance behaviour.
package eventbus

import (
	"context"
	"errors"
	"time"
)

var ErrBusUnavailable = errors.New("event bus unavailable")

// State is the connectivity state of a bus
type State int32

const (
	StateUninitialized State = iota
	StateConnecting
	StateReady
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	}
	return "unknown"
}

// Handler receives a raw payload published on a subscribed topic. Handlers
// run on the bus delivery goroutine and must not block for long.
type Handler func(ctx context.Context, payload []byte)

type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, h Handler) error
	State() State
	Close() error
}

const (
	DefaultProbeTimeout  = 2 * time.Second
	DefaultRetryInterval = 15 * time.Second
)

// Options tunes the liveness probe and the reconnect loop
type Options struct {
	ProbeTimeout  time.Duration
	RetryInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	return o
}

// Disabled is the bus used when no broker is configured. It is permanently
// degraded.
type Disabled struct{}

func (Disabled) Publish(context.Context, string, []byte) error    { return ErrBusUnavailable }
func (Disabled) Subscribe(context.Context, string, Handler) error { return ErrBusUnavailable }
func (Disabled) State() State                                     { return StateDegraded }
func (Disabled) Close() error                                     { return nil }
