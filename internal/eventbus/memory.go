package eventbus

import (
	"context"
	"sync"
)

// MemoryBroker is an in-process stand-in for a shared broker. Each
// MemoryBus obtained from Client behaves like one instance's connection:
// publishes reach every client's subscriptions, including the publisher's
// own, the same way Redis pub/sub does.
type MemoryBroker struct {
	mu        sync.RWMutex
	available bool
	nextID    uint64
	subs      map[string]map[uint64]Handler
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		available: true,
		subs:      make(map[string]map[uint64]Handler),
	}
}

// SetAvailable simulates the broker going down or coming back
func (m *MemoryBroker) SetAvailable(ok bool) {
	m.mu.Lock()
	m.available = ok
	m.mu.Unlock()
}

func (m *MemoryBroker) Client() *MemoryBus {
	return &MemoryBus{broker: m}
}

func (m *MemoryBroker) isAvailable() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.available
}

func (m *MemoryBroker) add(topic string, h Handler) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	if m.subs[topic] == nil {
		m.subs[topic] = make(map[uint64]Handler)
	}
	m.subs[topic][m.nextID] = h
	return m.nextID
}

func (m *MemoryBroker) remove(topic string, id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs[topic], id)
	if len(m.subs[topic]) == 0 {
		delete(m.subs, topic)
	}
}

type subscription struct {
	topic string
	id    uint64
}

// MemoryBus delivers synchronously on the publisher's goroutine
type MemoryBus struct {
	broker *MemoryBroker

	mu     sync.Mutex
	subs   []subscription
	closed bool
}

func (b *MemoryBus) State() State {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed || !b.broker.isAvailable() {
		return StateDegraded
	}
	return StateReady
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if b.State() != StateReady {
		return ErrBusUnavailable
	}

	b.broker.mu.RLock()
	handlers := make([]Handler, 0, len(b.broker.subs[topic]))
	for _, h := range b.broker.subs[topic] {
		handlers = append(handlers, h)
	}
	b.broker.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, append([]byte(nil), payload...))
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, topic string, h Handler) error {
	if b.State() != StateReady {
		return ErrBusUnavailable
	}
	id := b.broker.add(topic, h)

	b.mu.Lock()
	b.subs = append(b.subs, subscription{topic: topic, id: id})
	b.mu.Unlock()
	return nil
}

// Close detaches every subscription made through this client
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, s := range b.subs {
		b.broker.remove(s.topic, s.id)
	}
	b.subs = nil
	return nil
}
