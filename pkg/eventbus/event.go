// Package eventbus carries domain events between services. A Bus wraps every
// payload in an Event envelope and hands it to a Transport; Kafka and an
// in-process memory transport are provided.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrClosed is returned by a transport after Close.
var ErrClosed = errors.New("event bus closed")

// Event is the envelope every message travels in. It is never mutated after
// construction; consumers deduplicate by ID.
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Timestamp     time.Time       `json:"timestamp"`
	Source        string          `json:"source"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Data          json.RawMessage `json:"data"`
}

// Decode unmarshals the event data into v.
func (e *Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Handler processes one event. A returned error is logged; the message is
// acknowledged either way.
type Handler func(ctx context.Context, ev *Event) error

// Transport moves envelopes between processes.
type Transport interface {
	// Send publishes ev on topic. key selects the partition where the
	// transport has partitions.
	Send(ctx context.Context, topic, key string, ev *Event) error

	// Consume delivers events from topics to handler as member of groupID and
	// blocks until ctx is done or the transport is closed. Each group sees
	// every event once.
	Consume(ctx context.Context, topics []string, groupID string, handler Handler) error

	Close() error
}
