// Package stripe implements billing.Processor on top of the Stripe API.
package stripe

import (
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subtrack/pkg/billing"
)

const (
	providerName       = "stripe"
	defaultHTTPTimeout = 10 * time.Second
)

// Config configures the Stripe gateway.
type Config struct {
	APIKey        string
	WebhookSecret string

	// BaseURL overrides the API endpoint (tests point it at an httptest server).
	BaseURL string
	// HTTPClient defaults to a client with a 10s timeout.
	HTTPClient *http.Client
	// MaxNetworkRetries is handed to the Stripe client. Retries are disabled by
	// default because GuardProcessor owns the time budget.
	MaxNetworkRetries int64

	// WebhookTolerance bounds the accepted signature age (default 5 minutes).
	WebhookTolerance time.Duration

	Metrics billing.Metrics
	Logger  billing.Logger
}

// Gateway implements billing.Processor for Stripe.
type Gateway struct {
	client           *stripe.Client
	webhookSecret    string
	webhookTolerance time.Duration
	metrics          billing.Metrics
	logger           billing.Logger
}

// NewGateway creates a Stripe gateway.
func NewGateway(config Config) (*Gateway, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	backendConfig := &stripe.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: stripe.Int64(config.MaxNetworkRetries),
	}
	if config.BaseURL != "" {
		backendConfig.URL = stripe.String(strings.TrimRight(config.BaseURL, "/"))
	}
	client := stripe.NewClient(apiKey, stripe.WithBackends(stripe.NewBackendsWithConfig(backendConfig)))

	tolerance := config.WebhookTolerance
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &billing.NoopLogger{}
	}

	return &Gateway{
		client:           client,
		webhookSecret:    strings.TrimSpace(config.WebhookSecret),
		webhookTolerance: tolerance,
		metrics:          metrics,
		logger:           logger,
	}, nil
}

// Name returns the provider name
func (g *Gateway) Name() string {
	return providerName
}

// observe records the outcome of one API call.
func (g *Gateway) observe(endpoint string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	g.metrics.RecordAPICall(providerName, endpoint, status)
	g.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
}

var _ billing.Processor = (*Gateway)(nil)
