package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/subtrack/internal/httputil"
	"github.com/mihaimyh/subtrack/pkg/billing"
)

const (
	// DefaultWebhookBodyLimit caps processor webhook payloads.
	DefaultWebhookBodyLimit = 256 << 10
	defaultJSONBodyLimit    = 64 << 10
)

// Service is the billing engine as seen by the REST surface.
type Service interface {
	Get(ctx context.Context, id billing.Identity) (*billing.SubscriptionView, error)
	Create(ctx context.Context, id billing.Identity, planID string, cycle billing.BillingCycle) (*billing.CreateResult, error)
	ChangePlan(ctx context.Context, id billing.Identity, newPlanID string) (*billing.CreateResult, error)
	Cancel(ctx context.Context, id billing.Identity, reason string) (*billing.Subscription, error)
	Sync(ctx context.Context, id billing.Identity) (*billing.Subscription, error)
	Usage(ctx context.Context, id billing.Identity) (*billing.UsageReport, error)

	ListInvoices(ctx context.Context, id billing.Identity, page, limit int) (*billing.InvoicePage, error)
	GetInvoice(ctx context.Context, id billing.Identity, invoiceID string) (*billing.Invoice, error)

	ListPaymentMethods(ctx context.Context, id billing.Identity) ([]*billing.PaymentMethod, error)
	AddPaymentMethod(ctx context.Context, id billing.Identity, externalRef string) (*billing.PaymentMethod, error)
	SetDefaultPaymentMethod(ctx context.Context, id billing.Identity, paymentMethodID string) (*billing.PaymentMethod, error)
	RemovePaymentMethod(ctx context.Context, id billing.Identity, paymentMethodID string) error

	HandleProcessorWebhook(ctx context.Context, payload []byte, signature string) error
}

// PlanCatalog serves the public plan listing.
type PlanCatalog interface {
	List(ctx context.Context, activeOnly bool) ([]*billing.Plan, error)
	Resolve(ctx context.Context, idOrSlug string) (*billing.Plan, error)
}

// Config holds configuration for the REST handler.
type Config struct {
	// Service is the billing engine (required)
	Service Service

	// Catalog serves GET /plans (required)
	Catalog PlanCatalog

	// WebhookLimiter rate limits the processor webhook per client IP.
	// If nil, an in-memory limiter of 100 requests per minute is used.
	WebhookLimiter httputil.Limiter

	// WebhookBodyLimit caps webhook payloads (default 256 KiB)
	WebhookBodyLimit int64

	// Metrics is served on /metrics when set
	Metrics http.Handler

	// Health reports backend readiness for /healthz; nil always reports ok
	Health func(ctx context.Context) error

	Logger billing.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Service == nil {
		return fmt.Errorf("service is required")
	}
	if c.Catalog == nil {
		return fmt.Errorf("plan catalog is required")
	}
	return nil
}

// Handler serves the billing REST API.
type Handler struct {
	config Config
	logger billing.Logger
}

// NewHandler creates a new REST handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.WebhookLimiter == nil {
		config.WebhookLimiter = httputil.NewMemoryLimiter(100, time.Minute)
	}
	if config.WebhookBodyLimit <= 0 {
		config.WebhookBodyLimit = DefaultWebhookBodyLimit
	}
	if config.Logger == nil {
		config.Logger = &billing.NoopLogger{}
	}
	return &Handler{config: config, logger: config.Logger}, nil
}
