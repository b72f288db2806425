// Package kafka implements eventbus.Transport on Apache Kafka using sarama.
// Events are JSON envelopes; the correlation id and event type are also
// carried as record headers.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"

	"github.com/mihaimyh/subtrack/pkg/billing"
	"github.com/mihaimyh/subtrack/pkg/eventbus"
)

// Header names set on every produced record.
const (
	HeaderCorrelationID = "correlationId"
	HeaderEventType     = "eventType"
)

// Config configures the Kafka transport.
type Config struct {
	Brokers  []string
	ClientID string
	Logger   billing.Logger
}

// groupFactory creates consumer groups; tests substitute it.
type groupFactory func(groupID string) (sarama.ConsumerGroup, error)

// newConsumeBackOff paces re-joins after a failed group session.
func newConsumeBackOff() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0
	return policy
}

// Transport implements eventbus.Transport.
type Transport struct {
	producer   sarama.SyncProducer
	newGroup   groupFactory
	newBackOff func() backoff.BackOff
	logger     billing.Logger

	mu     sync.Mutex
	groups []sarama.ConsumerGroup
	closed bool
}

// NewSaramaConfig returns the producer and consumer settings the transport uses.
func NewSaramaConfig(clientID string) *sarama.Config {
	config := sarama.NewConfig()
	if clientID != "" {
		config.ClientID = clientID
	}
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	return config
}

// New connects a sync producer to the brokers. Consumer groups are created
// lazily by Consume.
func New(cfg Config) (*Transport, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	config := NewSaramaConfig(cfg.ClientID)

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	factory := func(groupID string) (sarama.ConsumerGroup, error) {
		return sarama.NewConsumerGroup(cfg.Brokers, groupID, config)
	}
	return newTransport(producer, factory, cfg.Logger), nil
}

func newTransport(producer sarama.SyncProducer, factory groupFactory, logger billing.Logger) *Transport {
	if logger == nil {
		logger = &billing.NoopLogger{}
	}
	return &Transport{producer: producer, newGroup: factory, newBackOff: newConsumeBackOff, logger: logger}
}

// Send implements eventbus.Transport.
func (t *Transport) Send(_ context.Context, topic, key string, ev *eventbus.Event) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return eventbus.ErrClosed
	}

	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", ev.ID, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderEventType), Value: []byte(ev.Type)},
			{Key: []byte(HeaderCorrelationID), Value: []byte(ev.CorrelationID)},
		},
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}

	partition, offset, err := t.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to send message to topic %q: %w", topic, err)
	}
	t.logger.Debug("message sent to kafka",
		billing.F("topic", topic), billing.F("partition", partition), billing.F("offset", offset), billing.F("event_id", ev.ID))
	return nil
}

// Consume implements eventbus.Transport. The group session is re-joined after
// every rebalance until ctx ends. Failed sessions are retried with exponential
// backoff, reset once a session ends cleanly.
func (t *Transport) Consume(ctx context.Context, topics []string, groupID string, handler eventbus.Handler) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return eventbus.ErrClosed
	}
	t.mu.Unlock()

	group, err := t.newGroup(groupID)
	if err != nil {
		return fmt.Errorf("failed to create Kafka consumer group: %w", err)
	}

	t.mu.Lock()
	t.groups = append(t.groups, group)
	t.mu.Unlock()

	go func() {
		for err := range group.Errors() {
			t.logger.Error("kafka consumer group error", billing.F("group", groupID), billing.Err(err))
		}
	}()

	gh := &groupHandler{handler: handler, logger: t.logger}
	retry := t.newBackOff()
	for {
		err := group.Consume(ctx, topics, gh)
		if errors.Is(err, sarama.ErrClosedConsumerGroup) || ctx.Err() != nil {
			return nil
		}
		if err == nil {
			retry.Reset()
			continue
		}

		wait := retry.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("kafka consume for group %q gave up: %w", groupID, err)
		}
		t.logger.Error("kafka consume failed",
			billing.F("group", groupID), billing.F("retry_in", wait.String()), billing.Err(err))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// Close closes the consumer groups and the producer.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	var lastErr error
	for _, g := range t.groups {
		if err := g.Close(); err != nil {
			lastErr = fmt.Errorf("failed to close consumer group: %w", err)
			t.logger.Error("failed to close kafka consumer group", billing.Err(err))
		}
	}
	if err := t.producer.Close(); err != nil {
		lastErr = fmt.Errorf("failed to close producer: %w", err)
		t.logger.Error("failed to close kafka producer", billing.Err(err))
	}
	return lastErr
}

// groupHandler implements sarama.ConsumerGroupHandler.
type groupHandler struct {
	handler eventbus.Handler
	logger  billing.Logger
}

func (h *groupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		h.handle(session.Context(), msg)
		session.MarkMessage(msg, "")
	}
	return nil
}

// handle decodes one record and runs the handler. Undecodable records are
// logged and skipped.
func (h *groupHandler) handle(ctx context.Context, msg *sarama.ConsumerMessage) {
	var ev eventbus.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		h.logger.Error("dropping undecodable kafka message",
			billing.F("topic", msg.Topic), billing.F("partition", msg.Partition), billing.F("offset", msg.Offset), billing.Err(err))
		return
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = header(msg, HeaderCorrelationID)
	}
	if err := h.handler(ctx, &ev); err != nil {
		h.logger.Error("error handling kafka message", billing.F("topic", msg.Topic), billing.F("event_id", ev.ID), billing.Err(err))
	}
}

func header(msg *sarama.ConsumerMessage, key string) string {
	for _, h := range msg.Headers {
		if h != nil && string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

var _ eventbus.Transport = (*Transport)(nil)
