package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisBus is a Bus over Redis pub/sub. Redis echoes every publish back to
// the publisher's own subscriptions, so consumers must filter by origin.
type RedisBus struct {
	client redis.UniversalClient
	opts   Options
	log    zerolog.Logger

	state atomic.Int32

	mu       sync.Mutex
	handlers map[string][]Handler
	subs     map[string]*redis.PubSub

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

func NewRedisBus(client redis.UniversalClient, opts Options, log zerolog.Logger) *RedisBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisBus{
		client:   client,
		opts:     opts.withDefaults(),
		log:      log.With().Str("component", "eventbus").Str("backend", "redis").Logger(),
		handlers: make(map[string][]Handler),
		subs:     make(map[string]*redis.PubSub),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (b *RedisBus) State() State {
	return State(b.state.Load())
}

func (b *RedisBus) setState(s State) {
	b.state.Store(int32(s))
}

// Connect probes the broker and starts the reconnect loop. It never blocks
// longer than the probe timeout and never fails: an unreachable broker
// leaves the bus degraded.
func (b *RedisBus) Connect(ctx context.Context) State {
	b.setState(StateConnecting)
	if err := b.probe(ctx); err != nil {
		b.setState(StateDegraded)
		b.log.Warn().Err(err).Msg("event bus unreachable, running single-instance")
	} else {
		b.setState(StateReady)
		b.log.Info().Msg("event bus ready")
	}

	b.startOnce.Do(func() {
		b.wg.Add(1)
		go b.retryLoop()
	})
	return b.State()
}

func (b *RedisBus) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.opts.ProbeTimeout)
	defer cancel()
	return b.client.Ping(ctx).Err()
}

func (b *RedisBus) retryLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.opts.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
		}
		if b.State() != StateDegraded {
			continue
		}
		if err := b.probe(b.ctx); err != nil {
			b.log.Warn().Err(err).Msg("event bus still unavailable")
			continue
		}
		if err := b.resubscribe(); err != nil {
			b.log.Warn().Err(err).Msg("event bus reachable but resubscribe failed")
			continue
		}
		b.setState(StateReady)
		b.log.Info().Msg("event bus recovered")
	}
}

// resubscribe attaches every registered topic that has no live subscription
func (b *RedisBus) resubscribe() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic := range b.handlers {
		if _, ok := b.subs[topic]; ok {
			continue
		}
		if err := b.subscribeLocked(topic); err != nil {
			return err
		}
	}
	return nil
}

// subscribeLocked opens a pub/sub for topic and waits for the broker to
// confirm it. Caller holds mu.
func (b *RedisBus) subscribeLocked(topic string) error {
	ctx, cancel := context.WithTimeout(b.ctx, b.opts.ProbeTimeout)
	defer cancel()

	ps := b.client.Subscribe(b.ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return err
	}
	b.subs[topic] = ps

	b.wg.Add(1)
	go b.consume(topic, ps)
	return nil
}

func (b *RedisBus) consume(topic string, ps *redis.PubSub) {
	defer b.wg.Done()

	for msg := range ps.Channel() {
		b.mu.Lock()
		handlers := append([]Handler(nil), b.handlers[topic]...)
		b.mu.Unlock()

		for _, h := range handlers {
			h(b.ctx, []byte(msg.Payload))
		}
	}
}

// Subscribe registers h for topic. While degraded the handler is kept and
// attached once the broker comes back; the returned error wraps
// ErrBusUnavailable.
func (b *RedisBus) Subscribe(_ context.Context, topic string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[topic] = append(b.handlers[topic], h)
	if _, ok := b.subs[topic]; ok {
		return nil
	}
	if b.State() != StateReady {
		return fmt.Errorf("%w: subscription to %s deferred", ErrBusUnavailable, topic)
	}
	if err := b.subscribeLocked(topic); err != nil {
		b.degrade(err)
		return fmt.Errorf("%w: subscribe %s: %v", ErrBusUnavailable, topic, err)
	}
	return nil
}

// Publish is a no-op returning ErrBusUnavailable unless the bus is ready.
// The first failure moves the bus to degraded; later calls fail fast without
// logging until the retry loop recovers it.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if b.State() != StateReady {
		return ErrBusUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, b.opts.ProbeTimeout)
	defer cancel()

	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		b.degrade(err)
		return fmt.Errorf("%w: publish %s: %v", ErrBusUnavailable, topic, err)
	}
	return nil
}

func (b *RedisBus) degrade(err error) {
	if b.state.CompareAndSwap(int32(StateReady), int32(StateDegraded)) {
		b.log.Warn().Err(err).Msg("event bus degraded, falling back to local delivery")
	}
}

// Close stops the retry loop and every subscription. The client is owned by
// the caller and stays open.
func (b *RedisBus) Close() error {
	b.closeOnce.Do(func() {
		b.cancel()

		b.mu.Lock()
		for topic, ps := range b.subs {
			if err := ps.Close(); err != nil {
				b.log.Debug().Err(err).Str("topic", topic).Msg("closing subscription")
			}
			delete(b.subs, topic)
		}
		b.mu.Unlock()

		b.wg.Wait()
		b.setState(StateDegraded)
	})
	return nil
}
