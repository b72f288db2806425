package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/mihaimyh/subtrack/pkg/billing"
)

// DeliveryMode decides what Publish does when the transport fails.
type DeliveryMode string

const (
	// BestEffort logs transport failures and reports success. Events are lost
	// when the transport is down.
	BestEffort DeliveryMode = "best_effort"
	// AtLeastOnce retries with exponential backoff and returns the last error
	// so the caller can retry the triggering operation.
	AtLeastOnce DeliveryMode = "at_least_once"
)

// Config configures a Bus.
type Config struct {
	// Source is stamped on every published event.
	Source string
	Mode   DeliveryMode

	// MaxAttempts bounds AtLeastOnce delivery (default 5).
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Logger billing.Logger
}

// Bus publishes and consumes envelopes over a Transport. It implements
// billing.Publisher.
type Bus struct {
	transport Transport
	source    string
	mode      DeliveryMode

	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration

	logger billing.Logger
	now    func() time.Time
}

// New creates a Bus over transport.
func New(transport Transport, cfg Config) *Bus {
	if cfg.Mode == "" {
		cfg.Mode = BestEffort
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = &billing.NoopLogger{}
	}
	return &Bus{
		transport:      transport,
		source:         cfg.Source,
		mode:           cfg.Mode,
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		logger:         cfg.Logger,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// NewEvent builds an envelope with a fresh id.
func (b *Bus) NewEvent(eventType string, data interface{}, correlationID string) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", eventType, err)
	}
	return &Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		Timestamp:     b.now(),
		Source:        b.source,
		CorrelationID: correlationID,
		Data:          raw,
	}, nil
}

// Publish implements billing.Publisher. The partition key is the payload's
// organizationId when present.
func (b *Bus) Publish(ctx context.Context, topic, eventType string, data interface{}, correlationID string) error {
	ev, err := b.NewEvent(eventType, data, correlationID)
	if err != nil {
		return err
	}
	key := partitionKey(ev.Data)

	if b.mode == AtLeastOnce {
		return b.sendWithRetry(ctx, topic, key, ev)
	}

	if err := b.transport.Send(ctx, topic, key, ev); err != nil {
		b.logger.Error("failed to publish event",
			billing.F("topic", topic), billing.F("event_type", eventType),
			billing.F("event_id", ev.ID), billing.Err(err))
		return nil
	}
	b.logger.Debug("event published", billing.F("topic", topic), billing.F("event_type", eventType), billing.F("event_id", ev.ID))
	return nil
}

func (b *Bus) sendWithRetry(ctx context.Context, topic, key string, ev *Event) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.initialBackoff
	policy.MaxInterval = b.maxBackoff
	policy.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		err := b.transport.Send(ctx, topic, key, ev)
		if errors.Is(err, ErrClosed) {
			return backoff.Permanent(err)
		}
		if err != nil {
			b.logger.Warn("event publish attempt failed",
				billing.F("topic", topic), billing.F("event_type", ev.Type),
				billing.F("attempt", attempt), billing.Err(err))
		}
		return err
	}

	retries := uint64(b.maxAttempts - 1)
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, retries), ctx)); err != nil {
		return fmt.Errorf("failed to publish %s to %s after %d attempts: %w", ev.Type, topic, attempt, err)
	}
	return nil
}

// Subscribe consumes topics as member of groupID until ctx is done. Handler
// errors are logged and the event is acknowledged, so one poison message
// never halts the group.
func (b *Bus) Subscribe(ctx context.Context, topics []string, groupID string, handler Handler) error {
	wrapped := func(ctx context.Context, ev *Event) error {
		if err := handler(ctx, ev); err != nil {
			b.logger.Error("event handler failed",
				billing.F("group", groupID), billing.F("event_type", ev.Type),
				billing.F("event_id", ev.ID), billing.F("correlation_id", ev.CorrelationID), billing.Err(err))
		}
		return nil
	}
	b.logger.Info("subscribing to topics", billing.F("topics", topics), billing.F("group", groupID))
	return b.transport.Consume(ctx, topics, groupID, wrapped)
}

// Close closes the transport.
func (b *Bus) Close() error {
	return b.transport.Close()
}

func partitionKey(data json.RawMessage) string {
	var keyed struct {
		OrganizationID string `json:"organizationId"`
	}
	if err := json.Unmarshal(data, &keyed); err != nil {
		return ""
	}
	return keyed.OrganizationID
}

var _ billing.Publisher = (*Bus)(nil)
