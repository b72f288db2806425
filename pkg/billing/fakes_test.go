package billing_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subtrack/pkg/billing"
	"github.com/mihaimyh/subtrack/storage/memory"
)

const validSignature = "t=1,v1=valid"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fakeProcessor struct {
	mu sync.Mutex

	customers     []billing.CustomerRequest
	checkouts     []billing.CheckoutRequest
	updates       []billing.ItemUpdate
	canceled      []string
	subscriptions map[string]*billing.ProcessorSubscription
	methods       map[string]*billing.ProcessorPaymentMethod

	checkoutErr error
	cancelErr   error
	retrieveErr error
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{
		subscriptions: make(map[string]*billing.ProcessorSubscription),
		methods:       make(map[string]*billing.ProcessorPaymentMethod),
	}
}

func (p *fakeProcessor) Name() string { return "fake" }

func (p *fakeProcessor) CreateCustomer(_ context.Context, req billing.CustomerRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customers = append(p.customers, req)
	return fmt.Sprintf("cus_%d", len(p.customers)), nil
}

func (p *fakeProcessor) CreateCheckoutSession(_ context.Context, req billing.CheckoutRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.checkoutErr != nil {
		return "", p.checkoutErr
	}
	p.checkouts = append(p.checkouts, req)
	return fmt.Sprintf("https://checkout.test/cs_%d", len(p.checkouts)), nil
}

func (p *fakeProcessor) RetrieveSubscription(_ context.Context, ref string) (*billing.ProcessorSubscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.retrieveErr != nil {
		return nil, p.retrieveErr
	}
	sub, ok := p.subscriptions[ref]
	if !ok {
		return nil, fmt.Errorf("no such subscription: %s", ref)
	}
	return sub, nil
}

func (p *fakeProcessor) UpdateSubscriptionItem(_ context.Context, req billing.ItemUpdate) (*billing.ProcessorSubscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, req)
	sub, ok := p.subscriptions[req.SubscriptionRef]
	if !ok {
		return nil, fmt.Errorf("no such subscription: %s", req.SubscriptionRef)
	}
	sub.Items[0].PriceRef = req.PriceRef
	sub.Metadata = req.Metadata
	return sub, nil
}

func (p *fakeProcessor) CancelSubscription(_ context.Context, ref string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.canceled = append(p.canceled, ref)
	return p.cancelErr
}

func (p *fakeProcessor) ListSubscriptions(_ context.Context, customerRef string) ([]*billing.ProcessorSubscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*billing.ProcessorSubscription
	for _, s := range p.subscriptions {
		if s.CustomerRef == customerRef {
			out = append(out, s)
		}
	}
	return out, nil
}

func (p *fakeProcessor) RetrievePaymentMethod(_ context.Context, ref string) (*billing.ProcessorPaymentMethod, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pm, ok := p.methods[ref]
	if !ok {
		return nil, fmt.Errorf("no such payment method: %s", ref)
	}
	return pm, nil
}

// VerifyWebhook accepts a JSON encoded billing.ProcessorEvent signed with validSignature.
func (p *fakeProcessor) VerifyWebhook(payload []byte, signature string) (*billing.ProcessorEvent, error) {
	if signature != validSignature {
		return nil, billing.ErrInvalidWebhookSignature
	}
	var event billing.ProcessorEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	return &event, nil
}

type publishedEvent struct {
	Topic         string
	Type          string
	Data          interface{}
	CorrelationID string
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, topic, eventType string, data interface{}, correlationID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, publishedEvent{Topic: topic, Type: eventType, Data: data, CorrelationID: correlationID})
	return nil
}

func (p *recordingPublisher) ofType(eventType string) []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedEvent
	for _, e := range p.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type harness struct {
	engine    *billing.Engine
	store     *memory.Storage
	processor *fakeProcessor
	publisher *recordingPublisher
	clock     *fakeClock
}

var testNow = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	store := memory.New()
	plans, err := billing.ParseSeed(nil)
	require.NoError(t, err)
	for _, p := range plans {
		if p.Slug == "pro" {
			p.ProcessorPriceRefs = billing.PriceRefs{Monthly: "price_pro_m", Yearly: "price_pro_y"}
		}
		if p.Slug == "enterprise" {
			p.ProcessorPriceRefs = billing.PriceRefs{Monthly: "price_ent_m"}
		}
		require.NoError(t, store.UpsertPlan(ctx, p))
	}
	require.NoError(t, store.UpsertPlan(ctx, &billing.Plan{ID: "plan_legacy", Slug: "legacy", Name: "Legacy", IsActive: false}))

	clock := &fakeClock{now: testNow}
	catalog, err := billing.NewCatalog(billing.CatalogConfig{Store: store, Clock: clock})
	require.NoError(t, err)

	h := &harness{
		store:     store,
		processor: newFakeProcessor(),
		publisher: &recordingPublisher{},
		clock:     clock,
	}
	h.engine, err = billing.NewEngine(billing.Config{
		Subscriptions:  store,
		Catalog:        catalog,
		Invoices:       store,
		PaymentMethods: store,
		Processor:      h.processor,
		Publisher:      h.publisher,
		Clock:          clock,
		AppURL:         "https://app.test/",
	})
	require.NoError(t, err)
	return h
}

func (h *harness) seed(t *testing.T, sub *billing.Subscription) {
	t.Helper()
	if sub.ID == "" {
		sub.ID = "sub-" + sub.OrganizationID
	}
	if sub.BillingCycle == "" {
		sub.BillingCycle = billing.CycleMonthly
	}
	if sub.CurrentPeriod.Start.IsZero() {
		sub.CurrentPeriod = billing.NextPeriod(testNow.AddDate(0, 0, -5), sub.BillingCycle)
	}
	require.NoError(t, h.store.Upsert(context.Background(), sub))
}

func (h *harness) webhook(t *testing.T, event billing.ProcessorEvent) error {
	t.Helper()
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	return h.engine.HandleProcessorWebhook(context.Background(), payload, validSignature)
}

func identity(org string) billing.Identity {
	return billing.Identity{UserID: "user-" + org, OrganizationID: org, Email: org + "@example.com"}
}

func kindOf(err error) billing.Kind {
	return billing.Classify(err).Kind
}
