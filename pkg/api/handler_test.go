package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subtrack/internal/httputil"
	"github.com/mihaimyh/subtrack/pkg/billing"
)

// fakeService records the identity and arguments of the last call.
type fakeService struct {
	id       billing.Identity
	args     []interface{}
	err      error
	payload  []byte
	sig      string
	created  *billing.CreateResult
	canceled *billing.Subscription
	view     *billing.SubscriptionView
}

func (f *fakeService) record(ctx context.Context, id billing.Identity, args ...interface{}) {
	f.id = id
	f.args = args
}

func (f *fakeService) Get(ctx context.Context, id billing.Identity) (*billing.SubscriptionView, error) {
	f.record(ctx, id)
	return f.view, f.err
}

func (f *fakeService) Create(ctx context.Context, id billing.Identity, planID string, cycle billing.BillingCycle) (*billing.CreateResult, error) {
	f.record(ctx, id, planID, cycle)
	return f.created, f.err
}

func (f *fakeService) ChangePlan(ctx context.Context, id billing.Identity, newPlanID string) (*billing.CreateResult, error) {
	f.record(ctx, id, newPlanID)
	return f.created, f.err
}

func (f *fakeService) Cancel(ctx context.Context, id billing.Identity, reason string) (*billing.Subscription, error) {
	f.record(ctx, id, reason)
	return f.canceled, f.err
}

func (f *fakeService) Sync(ctx context.Context, id billing.Identity) (*billing.Subscription, error) {
	f.record(ctx, id)
	return f.canceled, f.err
}

func (f *fakeService) Usage(ctx context.Context, id billing.Identity) (*billing.UsageReport, error) {
	f.record(ctx, id)
	return &billing.UsageReport{PlanID: "pro"}, f.err
}

func (f *fakeService) ListInvoices(ctx context.Context, id billing.Identity, page, limit int) (*billing.InvoicePage, error) {
	f.record(ctx, id, page, limit)
	return &billing.InvoicePage{Items: []*billing.Invoice{}, Page: page, Limit: limit}, f.err
}

func (f *fakeService) GetInvoice(ctx context.Context, id billing.Identity, invoiceID string) (*billing.Invoice, error) {
	f.record(ctx, id, invoiceID)
	return &billing.Invoice{ID: invoiceID}, f.err
}

func (f *fakeService) ListPaymentMethods(ctx context.Context, id billing.Identity) ([]*billing.PaymentMethod, error) {
	f.record(ctx, id)
	return []*billing.PaymentMethod{}, f.err
}

func (f *fakeService) AddPaymentMethod(ctx context.Context, id billing.Identity, externalRef string) (*billing.PaymentMethod, error) {
	f.record(ctx, id, externalRef)
	return &billing.PaymentMethod{ID: "pm_local", ExternalRef: externalRef}, f.err
}

func (f *fakeService) SetDefaultPaymentMethod(ctx context.Context, id billing.Identity, paymentMethodID string) (*billing.PaymentMethod, error) {
	f.record(ctx, id, paymentMethodID)
	return &billing.PaymentMethod{ID: paymentMethodID, IsDefault: true}, f.err
}

func (f *fakeService) RemovePaymentMethod(ctx context.Context, id billing.Identity, paymentMethodID string) error {
	f.record(ctx, id, paymentMethodID)
	return f.err
}

func (f *fakeService) HandleProcessorWebhook(_ context.Context, payload []byte, signature string) error {
	f.payload = payload
	f.sig = signature
	return f.err
}

type fakeCatalog struct {
	plans []*billing.Plan
}

func (c *fakeCatalog) List(context.Context, bool) ([]*billing.Plan, error) {
	return c.plans, nil
}

func (c *fakeCatalog) Resolve(_ context.Context, idOrSlug string) (*billing.Plan, error) {
	for _, p := range c.plans {
		if p.ID == idOrSlug || p.Slug == idOrSlug {
			return p, nil
		}
	}
	return nil, fmt.Errorf("resolve %q: %w", idOrSlug, billing.ErrPlanNotFound)
}

func newTestHandler(t *testing.T, svc *fakeService, mutate ...func(*Config)) http.Handler {
	t.Helper()
	cfg := Config{
		Service: svc,
		Catalog: &fakeCatalog{plans: []*billing.Plan{
			{ID: "plan_pro", Slug: "pro", Name: "Pro", IsActive: true, Pricing: billing.Pricing{Monthly: decimal.NewFromInt(29)}},
		}},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	h, err := NewHandler(cfg)
	require.NoError(t, err)
	return h.Routes()
}

type response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *apiError       `json:"error"`
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) (*httptest.ResponseRecorder, response) {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	var res response
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res), w.Body.String())
	}
	return w, res
}

var orgHeaders = map[string]string{
	HeaderOrgID:     "org1",
	HeaderUserID:    "user1",
	HeaderUserEmail: "owner@example.com",
}

func TestNewHandlerValidatesConfig(t *testing.T) {
	_, err := NewHandler(Config{Catalog: &fakeCatalog{}})
	assert.Error(t, err)
	_, err = NewHandler(Config{Service: &fakeService{}})
	assert.Error(t, err)
}

func TestIdentityRequired(t *testing.T) {
	paths := []struct{ method, path string }{
		{http.MethodGet, "/subscriptions"},
		{http.MethodPost, "/subscriptions/cancel"},
		{http.MethodGet, "/invoices"},
		{http.MethodGet, "/payment-methods"},
		{http.MethodDelete, "/payment-methods/pm1"},
	}
	h := newTestHandler(t, &fakeService{})
	for _, p := range paths {
		t.Run(p.method+" "+p.path, func(t *testing.T) {
			w, res := do(t, h, p.method, p.path, "", map[string]string{HeaderUserID: "user1"})
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.False(t, res.Success)
			require.NotNil(t, res.Error)
			assert.Equal(t, billing.CodeUnauthorized, res.Error.Code)
		})
	}
}

func TestPublicRoutesNeedNoIdentity(t *testing.T) {
	h := newTestHandler(t, &fakeService{})

	w, res := do(t, h, http.MethodGet, "/plans", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, res.Success)

	w, res = do(t, h, http.MethodGet, "/plans/pro", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var plan billing.Plan
	require.NoError(t, json.Unmarshal(res.Data, &plan))
	assert.Equal(t, "plan_pro", plan.ID)

	w, res = do(t, h, http.MethodGet, "/plans/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, billing.CodeNotFound, res.Error.Code)

	w, _ = do(t, h, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreateSubscriptionPassesIdentityAndBody(t *testing.T) {
	svc := &fakeService{created: &billing.CreateResult{CheckoutURL: "https://checkout.test/session"}}
	h := newTestHandler(t, svc)

	w, res := do(t, h, http.MethodPost, "/subscriptions", `{"planId":"pro","billingCycle":"yearly"}`, orgHeaders)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, res.Success)
	assert.JSONEq(t, `{"checkoutUrl":"https://checkout.test/session"}`, string(res.Data))

	assert.Equal(t, billing.Identity{UserID: "user1", OrganizationID: "org1", Email: "owner@example.com"}, svc.id)
	assert.Equal(t, []interface{}{"pro", billing.CycleYearly}, svc.args)
}

func TestCancelAcceptsEmptyBody(t *testing.T) {
	svc := &fakeService{canceled: &billing.Subscription{ID: "sub1", CancelAtPeriodEnd: true}}
	h := newTestHandler(t, svc)

	w, res := do(t, h, http.MethodPost, "/subscriptions/cancel", "", orgHeaders)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, res.Success)
	assert.Equal(t, []interface{}{""}, svc.args)

	w, _ = do(t, h, http.MethodPost, "/subscriptions/cancel", `{"reason":"too expensive"}`, orgHeaders)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []interface{}{"too expensive"}, svc.args)
}

func TestMalformedBodyIsValidationError(t *testing.T) {
	h := newTestHandler(t, &fakeService{})

	w, res := do(t, h, http.MethodPost, "/subscriptions/change", `{"planId":`, orgHeaders)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, billing.CodeValidation, res.Error.Code)
}

func TestErrorEnvelope(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantCode    string
		wantMessage string
	}{
		{
			name:        "validation",
			err:         billing.ValidationError("planId is required"),
			wantStatus:  http.StatusBadRequest,
			wantCode:    billing.CodeValidation,
			wantMessage: "planId is required",
		},
		{
			name:        "conflict",
			err:         billing.ConflictError("organization already has an active subscription"),
			wantStatus:  http.StatusConflict,
			wantCode:    billing.CodeConflict,
			wantMessage: "organization already has an active subscription",
		},
		{
			name:        "not found",
			err:         fmt.Errorf("lookup: %w", billing.ErrSubscriptionNotFound),
			wantStatus:  http.StatusNotFound,
			wantCode:    billing.CodeNotFound,
			wantMessage: "subscription not found",
		},
		{
			name:        "processor failure hides cause",
			err:         &billing.ProcessorError{Op: "create_checkout_session", Err: errors.New("sk_live key rejected")},
			wantStatus:  http.StatusInternalServerError,
			wantCode:    billing.CodeProcessor,
			wantMessage: "payment processor request failed",
		},
		{
			name:        "internal failure hides cause",
			err:         errors.New("pq: connection refused"),
			wantStatus:  http.StatusInternalServerError,
			wantCode:    billing.CodeInternal,
			wantMessage: "internal error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &fakeService{err: tt.err})
			w, res := do(t, h, http.MethodPost, "/subscriptions", `{"planId":"pro"}`, orgHeaders)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.False(t, res.Success)
			require.NotNil(t, res.Error)
			assert.Equal(t, tt.wantCode, res.Error.Code)
			assert.Equal(t, tt.wantMessage, res.Error.Message)
		})
	}
}

func TestInvoiceAndPaymentMethodRoutes(t *testing.T) {
	svc := &fakeService{}
	h := newTestHandler(t, svc)

	w, _ := do(t, h, http.MethodGet, "/invoices?page=2&limit=5", "", orgHeaders)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []interface{}{2, 5}, svc.args)

	w, _ = do(t, h, http.MethodGet, "/invoices/inv_9", "", orgHeaders)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []interface{}{"inv_9"}, svc.args)

	w, _ = do(t, h, http.MethodPost, "/payment-methods", `{"paymentMethodId":"pm_card"}`, orgHeaders)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, []interface{}{"pm_card"}, svc.args)

	w, _ = do(t, h, http.MethodPost, "/payment-methods/pm_local/default", "", orgHeaders)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []interface{}{"pm_local"}, svc.args)

	w, _ = do(t, h, http.MethodDelete, "/payment-methods/pm_local", "", orgHeaders)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []interface{}{"pm_local"}, svc.args)
}

func TestProcessorWebhook(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		limit      int64
		wantStatus int
		wantCode   string
	}{
		{name: "accepted", body: `{"id":"evt_1"}`, wantStatus: http.StatusOK},
		{name: "bad signature", body: `{"id":"evt_1"}`, err: billing.ErrInvalidWebhookSignature, wantStatus: http.StatusBadRequest, wantCode: billing.CodeInvalidSignature},
		{name: "processing failure", body: `{"id":"evt_1"}`, err: errors.New("store down"), wantStatus: http.StatusInternalServerError, wantCode: billing.CodeInternal},
		{name: "empty body", body: "", wantStatus: http.StatusBadRequest, wantCode: billing.CodeValidation},
		{name: "too large", body: strings.Repeat("x", 32), limit: 16, wantStatus: http.StatusRequestEntityTooLarge, wantCode: billing.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{err: tt.err}
			h := newTestHandler(t, svc, func(c *Config) { c.WebhookBodyLimit = tt.limit })

			w, res := do(t, h, http.MethodPost, "/webhooks/processor", tt.body, map[string]string{"Stripe-Signature": "t=1,v1=abc"})
			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantCode != "" {
				require.NotNil(t, res.Error)
				assert.Equal(t, tt.wantCode, res.Error.Code)
				return
			}
			assert.JSONEq(t, `{"received":true}`, w.Body.String())
			assert.Equal(t, tt.body, string(svc.payload))
			assert.Equal(t, "t=1,v1=abc", svc.sig)
		})
	}
}

func TestProcessorWebhookRateLimited(t *testing.T) {
	h := newTestHandler(t, &fakeService{}, func(c *Config) {
		c.WebhookLimiter = httputil.NewMemoryLimiter(2, time.Minute)
	})

	for i := 0; i < 2; i++ {
		w, _ := do(t, h, http.MethodPost, "/webhooks/processor", `{}`, nil)
		require.Equal(t, http.StatusOK, w.Code)
	}
	w, res := do(t, h, http.MethodPost, "/webhooks/processor", `{}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "RATE_LIMITED", res.Error.Code)
}

func TestCorrelationIDPropagates(t *testing.T) {
	var seen string
	h := CorrelationID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = billing.CorrelationIDFromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(HeaderCorrelationID, "corr-1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, "corr-1", seen)
	assert.Equal(t, "corr-1", w.Header().Get(HeaderCorrelationID))

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.NotEqual(t, "corr-1", seen)
}

func TestHealthReportsBackendFailure(t *testing.T) {
	h := newTestHandler(t, &fakeService{}, func(c *Config) {
		c.Health = func(context.Context) error { return errors.New("postgres down") }
	})
	w, _ := do(t, h, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsRouteServedWhenConfigured(t *testing.T) {
	h := newTestHandler(t, &fakeService{}, func(c *Config) {
		c.Metrics = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("# metrics"))
		})
	})
	w, _ := do(t, h, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "# metrics", w.Body.String())
}
