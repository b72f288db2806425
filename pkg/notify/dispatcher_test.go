package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subtrack/pkg/billing"
	"github.com/mihaimyh/subtrack/pkg/eventbus"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type capturedRequest struct {
	header http.Header
	body   []byte
}

type receiver struct {
	mu       sync.Mutex
	status   int
	requests []capturedRequest
}

func newReceiver(t *testing.T, status int) (*receiver, *httptest.Server) {
	t.Helper()
	r := &receiver{status: status}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.requests = append(r.requests, capturedRequest{header: req.Header.Clone(), body: body})
		status := r.status
		r.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return r, srv
}

func (r *receiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func testEvent(t *testing.T, eventType string, data interface{}) *eventbus.Event {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return &eventbus.Event{ID: "evt_1", Type: eventType, Timestamp: testNow, Source: "billing-service", Data: raw}
}

func newTestDispatcher(store EndpointStore) *Dispatcher {
	return NewDispatcher(DispatcherConfig{Store: store, Clock: fixedClock{testNow}})
}

func TestSignIsHexHMAC(t *testing.T) {
	// HMAC-SHA256("key", "The quick brown fox jumps over the lazy dog")
	assert.Equal(t,
		"sha256=f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8",
		Sign("key", []byte("The quick brown fox jumps over the lazy dog")))
}

func TestDispatcherDeliversSignedPayload(t *testing.T) {
	recv, srv := newReceiver(t, http.StatusOK)
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateEndpoint(ctx, &Endpoint{
		ID: "ep1", OrganizationID: "org1", URL: srv.URL, Secret: "whsec_test",
		Events: []string{billing.EventInvoicePaid}, IsActive: true, FailureCount: 3,
	}))

	ev := testEvent(t, billing.EventInvoicePaid, billing.InvoicePaidPayload{InvoiceID: "inv1", OrganizationID: "org1", Amount: 29})
	require.NoError(t, newTestDispatcher(store).Handle(ctx, ev))

	require.Equal(t, 1, recv.count())
	got := recv.requests[0]
	assert.Equal(t, Sign("whsec_test", got.body), got.header.Get(HeaderSignature))
	assert.Equal(t, billing.EventInvoicePaid, got.header.Get(HeaderEvent))
	assert.Equal(t, "application/json", got.header.Get("Content-Type"))

	assert.Equal(t, "evt_1", got.header.Get(HeaderEventID))

	var body struct {
		ID        string                     `json:"id"`
		Event     string                     `json:"event"`
		Timestamp string                     `json:"timestamp"`
		Data      billing.InvoicePaidPayload `json:"data"`
	}
	require.NoError(t, json.Unmarshal(got.body, &body))
	assert.Equal(t, "evt_1", body.ID)
	assert.Equal(t, billing.EventInvoicePaid, body.Event)
	assert.Equal(t, "2026-03-01T12:00:00Z", body.Timestamp)
	assert.Equal(t, "inv1", body.Data.InvoiceID)

	endpoints, err := store.ListEndpoints(ctx, "org1")
	require.NoError(t, err)
	assert.Equal(t, 0, endpoints[0].FailureCount)
	require.NotNil(t, endpoints[0].LastTriggeredAt)

	deliveries, err := store.ListDeliveries(ctx, "ep1")
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.True(t, deliveries[0].Delivered)
	assert.Equal(t, http.StatusOK, deliveries[0].ResponseCode)
	assert.Equal(t, got.header.Get(HeaderDelivery), deliveries[0].ID)
}

func TestDispatcherSkipsUndeliverableEndpoints(t *testing.T) {
	recv, srv := newReceiver(t, http.StatusOK)
	store := NewMemoryStore()
	ctx := context.Background()

	endpoints := []*Endpoint{
		{ID: "inactive", IsActive: false, Events: []string{billing.EventPaymentFailed}},
		{ID: "unsubscribed", IsActive: true, Events: []string{billing.EventInvoicePaid}},
		{ID: "failing", IsActive: true, FailureCount: MaxConsecutiveFailures, Events: []string{billing.EventPaymentFailed}},
		{ID: "ok", IsActive: true, FailureCount: MaxConsecutiveFailures - 1, Events: []string{billing.EventPaymentFailed}},
	}
	for _, e := range endpoints {
		e.OrganizationID = "org1"
		e.URL = srv.URL
		require.NoError(t, store.CreateEndpoint(ctx, e))
	}
	require.NoError(t, store.CreateEndpoint(ctx, &Endpoint{
		ID: "other-org", OrganizationID: "org2", URL: srv.URL, IsActive: true, Events: []string{billing.EventPaymentFailed},
	}))

	ev := testEvent(t, billing.EventPaymentFailed, billing.PaymentFailedPayload{InvoiceID: "inv1", OrganizationID: "org1"})
	require.NoError(t, newTestDispatcher(store).Handle(ctx, ev))

	assert.Equal(t, 1, recv.count())
	for _, id := range []string{"inactive", "unsubscribed", "failing", "other-org"} {
		deliveries, err := store.ListDeliveries(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, deliveries, id)
	}
}

func TestDispatcherRecordsFailures(t *testing.T) {
	tests := []struct {
		name string
		url  func(srv *httptest.Server) string
		code int
	}{
		{name: "non-2xx response", url: func(s *httptest.Server) string { return s.URL }, code: http.StatusInternalServerError},
		{name: "unreachable", url: func(*httptest.Server) string { return "http://127.0.0.1:1" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, srv := newReceiver(t, http.StatusInternalServerError)
			store := NewMemoryStore()
			ctx := context.Background()
			require.NoError(t, store.CreateEndpoint(ctx, &Endpoint{
				ID: "ep1", OrganizationID: "org1", URL: tt.url(srv), IsActive: true,
				FailureCount: 2, Events: []string{billing.EventSubscriptionCreated},
			}))

			ev := testEvent(t, billing.EventSubscriptionCreated, billing.SubscriptionCreatedPayload{OrganizationID: "org1"})
			require.NoError(t, newTestDispatcher(store).Handle(ctx, ev))

			endpoints, err := store.ListEndpoints(ctx, "org1")
			require.NoError(t, err)
			assert.Equal(t, 3, endpoints[0].FailureCount)

			deliveries, err := store.ListDeliveries(ctx, "ep1")
			require.NoError(t, err)
			require.Len(t, deliveries, 1)
			assert.False(t, deliveries[0].Delivered)
			assert.Equal(t, tt.code, deliveries[0].ResponseCode)
			assert.NotEmpty(t, deliveries[0].Error)
		})
	}
}

func TestDispatcherSkipsRedeliveredEvents(t *testing.T) {
	recv, srv := newReceiver(t, http.StatusOK)
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateEndpoint(ctx, &Endpoint{
		ID: "ep1", OrganizationID: "org1", URL: srv.URL, IsActive: true,
		Events: []string{billing.EventInvoicePaid},
	}))
	d := newTestDispatcher(store)

	ev := testEvent(t, billing.EventInvoicePaid, billing.InvoicePaidPayload{InvoiceID: "inv1", OrganizationID: "org1"})
	require.NoError(t, d.Handle(ctx, ev))
	require.NoError(t, d.Handle(ctx, ev))
	assert.Equal(t, 1, recv.count())

	next := testEvent(t, billing.EventInvoicePaid, billing.InvoicePaidPayload{InvoiceID: "inv2", OrganizationID: "org1"})
	next.ID = "evt_2"
	require.NoError(t, d.Handle(ctx, next))
	assert.Equal(t, 2, recv.count())

	deliveries, err := store.ListDeliveries(ctx, "ep1")
	require.NoError(t, err)
	assert.Len(t, deliveries, 2)
}

func TestDispatcherRetriesFailedDeliveryOnRedelivery(t *testing.T) {
	recv, srv := newReceiver(t, http.StatusServiceUnavailable)
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateEndpoint(ctx, &Endpoint{
		ID: "ep1", OrganizationID: "org1", URL: srv.URL, IsActive: true,
		Events: []string{billing.EventPaymentFailed},
	}))
	d := newTestDispatcher(store)
	ev := testEvent(t, billing.EventPaymentFailed, billing.PaymentFailedPayload{InvoiceID: "inv1", OrganizationID: "org1"})

	require.NoError(t, d.Handle(ctx, ev))
	recv.mu.Lock()
	recv.status = http.StatusOK
	recv.mu.Unlock()
	require.NoError(t, d.Handle(ctx, ev))
	require.NoError(t, d.Handle(ctx, ev))

	assert.Equal(t, 2, recv.count())
	delivered, err := store.Delivered(ctx, "ep1", "evt_1")
	require.NoError(t, err)
	assert.True(t, delivered)
}

func TestDispatcherIgnoresEventsWithoutOrganization(t *testing.T) {
	recv, srv := newReceiver(t, http.StatusOK)
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateEndpoint(ctx, &Endpoint{
		ID: "ep1", OrganizationID: "org1", URL: srv.URL, IsActive: true, Events: []string{billing.EventInvoicePaid},
	}))

	ev := testEvent(t, billing.EventInvoicePaid, billing.InvoicePaidPayload{InvoiceID: "inv1"})
	require.NoError(t, newTestDispatcher(store).Handle(ctx, ev))
	assert.Zero(t, recv.count())
}

func TestGenerateSecret(t *testing.T) {
	a, err := GenerateSecret()
	require.NoError(t, err)
	b, err := GenerateSecret()
	require.NoError(t, err)

	assert.Regexp(t, `^whsec_[0-9a-f]{48}$`, a)
	assert.NotEqual(t, a, b)
}
