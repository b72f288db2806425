package eventbus

import (
	"context"
	"sync"
)

const defaultMemoryBuffer = 256

// MemoryTransport is an in-process Transport. Every consumer group subscribed
// to a topic receives each event once; members of one group compete for
// events. It is intended for tests and single-process deployments.
type MemoryTransport struct {
	mu     sync.RWMutex
	groups map[string]*memoryGroup
	buffer int
	done   chan struct{}
	closed bool
}

type memoryGroup struct {
	ch     chan *Event
	topics map[string]bool
}

// NewMemoryTransport creates a transport whose group queues hold buffer
// events before Send blocks.
func NewMemoryTransport(buffer int) *MemoryTransport {
	if buffer <= 0 {
		buffer = defaultMemoryBuffer
	}
	return &MemoryTransport{
		groups: make(map[string]*memoryGroup),
		buffer: buffer,
		done:   make(chan struct{}),
	}
}

// Send delivers ev to every group subscribed to topic. Events sent before a
// group subscribes are not replayed.
func (t *MemoryTransport) Send(ctx context.Context, topic, _ string, ev *Event) error {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return ErrClosed
	}
	var targets []chan *Event
	for _, g := range t.groups {
		if g.topics[topic] {
			targets = append(targets, g.ch)
		}
	}
	t.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- ev:
		case <-ctx.Done():
			return ctx.Err()
		case <-t.done:
			return ErrClosed
		}
	}
	return nil
}

// Consume registers groupID for topics and runs handler for each delivered
// event until ctx is done or the transport is closed.
func (t *MemoryTransport) Consume(ctx context.Context, topics []string, groupID string, handler Handler) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	g, ok := t.groups[groupID]
	if !ok {
		g = &memoryGroup{ch: make(chan *Event, t.buffer), topics: make(map[string]bool)}
		t.groups[groupID] = g
	}
	for _, topic := range topics {
		g.topics[topic] = true
	}
	t.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.done:
			return nil
		case ev := <-g.ch:
			_ = handler(ctx, ev)
		}
	}
}

// Close stops all consumers and rejects further sends.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	return nil
}

var _ Transport = (*MemoryTransport)(nil)

func (t *MemoryTransport) hasGroup(groupID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.groups[groupID]
	return ok
}
