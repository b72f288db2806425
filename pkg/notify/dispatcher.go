package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/subtrack/pkg/billing"
	"github.com/mihaimyh/subtrack/pkg/eventbus"
)

// Delivery headers.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEvent     = "X-Webhook-Event"
	HeaderDelivery  = "X-Webhook-Delivery"
	HeaderEventID   = "X-Webhook-Event-Id"
)

const (
	defaultDeliveryTimeout = 10 * time.Second
	defaultConcurrency     = 4
	maxLoggedResponse      = 1 << 10
)

// DefaultWebhookEvents are the billing events forwarded to endpoints.
var DefaultWebhookEvents = []string{
	billing.EventSubscriptionCreated,
	billing.EventSubscriptionUpgraded,
	billing.EventSubscriptionCanceled,
	billing.EventSubscriptionUpdated,
	billing.EventInvoicePaid,
	billing.EventPaymentFailed,
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Store EndpointStore

	// HTTPClient defaults to a client with a 10s timeout.
	HTTPClient *http.Client
	// Concurrency bounds parallel deliveries per event (default 4).
	Concurrency int

	Logger billing.Logger
	Clock  billing.TimeSource
}

// Dispatcher delivers billing events to the webhook endpoints of the
// organization named in the event payload.
type Dispatcher struct {
	store       EndpointStore
	client      *http.Client
	concurrency int
	logger      billing.Logger
	clock       billing.TimeSource
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultDeliveryTimeout}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = &billing.NoopLogger{}
	}
	if cfg.Clock == nil {
		cfg.Clock = billing.SystemClock{}
	}
	return &Dispatcher{
		store:       cfg.Store,
		client:      cfg.HTTPClient,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger,
		clock:       cfg.Clock,
	}
}

// webhookBody is the JSON posted to endpoints.
type webhookBody struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Sign returns the X-Webhook-Signature value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Handle is an eventbus.Handler. Delivery failures are recorded on the
// endpoint and never returned; only store errors are. Endpoints that already
// received the event successfully are skipped, so redelivered events are not
// posted twice.
func (d *Dispatcher) Handle(ctx context.Context, ev *eventbus.Event) error {
	var target struct {
		OrganizationID string `json:"organizationId"`
	}
	if err := ev.Decode(&target); err != nil || target.OrganizationID == "" {
		d.logger.Debug("event has no organization, skipping webhooks", billing.F("event_type", ev.Type), billing.F("event_id", ev.ID))
		return nil
	}

	endpoints, err := d.store.ListEndpoints(ctx, target.OrganizationID)
	if err != nil {
		return fmt.Errorf("failed to list webhook endpoints: %w", err)
	}

	body, err := json.Marshal(webhookBody{
		ID:        ev.ID,
		Event:     ev.Type,
		Timestamp: d.clock.Now().UTC().Format(time.RFC3339Nano),
		Data:      ev.Data,
	})
	if err != nil {
		return fmt.Errorf("failed to encode webhook body: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for _, endpoint := range endpoints {
		if !endpoint.Deliverable(ev.Type) {
			continue
		}
		endpoint := endpoint
		g.Go(func() error {
			done, err := d.store.Delivered(gctx, endpoint.ID, ev.ID)
			if err != nil {
				return fmt.Errorf("failed to check webhook delivery: %w", err)
			}
			if done {
				d.logger.Debug("event already delivered to endpoint",
					billing.F("endpoint_id", endpoint.ID), billing.F("event_id", ev.ID))
				return nil
			}
			return d.store.RecordDelivery(gctx, d.deliver(gctx, endpoint, ev, body))
		})
	}
	return g.Wait()
}

// deliver posts body to one endpoint and returns the log entry.
func (d *Dispatcher) deliver(ctx context.Context, endpoint *Endpoint, ev *eventbus.Event, body []byte) *Delivery {
	start := time.Now()
	delivery := &Delivery{
		ID:         uuid.NewString(),
		EndpointID: endpoint.ID,
		EventID:    ev.ID,
		Event:      ev.Type,
		Payload:    body,
		CreatedAt:  d.clock.Now(),
	}
	defer func() { delivery.Duration = time.Since(start) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		delivery.Error = err.Error()
		return delivery
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, Sign(endpoint.Secret, body))
	req.Header.Set(HeaderEvent, ev.Type)
	req.Header.Set(HeaderDelivery, delivery.ID)
	req.Header.Set(HeaderEventID, ev.ID)

	resp, err := d.client.Do(req)
	if err != nil {
		delivery.Error = err.Error()
		d.logger.Warn("webhook delivery failed",
			billing.F("endpoint_id", endpoint.ID), billing.F("event_type", ev.Type), billing.Err(err))
		return delivery
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxLoggedResponse))

	delivery.ResponseCode = resp.StatusCode
	delivery.Delivered = resp.StatusCode >= 200 && resp.StatusCode < 300
	if !delivery.Delivered {
		delivery.Error = fmt.Sprintf("endpoint responded %d", resp.StatusCode)
		d.logger.Warn("webhook endpoint rejected delivery",
			billing.F("endpoint_id", endpoint.ID), billing.F("event_type", ev.Type), billing.F("status", resp.StatusCode))
	}
	return delivery
}
