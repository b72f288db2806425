package billing

import (
	"context"
	"time"
)

// Topics.
const (
	TopicBillingEvents = "billing.events"
	TopicUserEvents    = "user.events"
)

// Domain event types published on TopicBillingEvents.
const (
	EventSubscriptionCreated  = "subscription.created"
	EventSubscriptionUpgraded = "subscription.upgraded"
	EventSubscriptionCanceled = "subscription.canceled"
	EventSubscriptionUpdated  = "subscription.updated"
	EventInvoicePaid          = "invoice.paid"
	EventPaymentFailed        = "payment.failed"
)

// EventOrgCreated is consumed from TopicUserEvents.
const EventOrgCreated = "org.created"

// PaymentFailedCode is the error code carried by payment.failed events.
const PaymentFailedCode = "payment_failed"

// Publisher publishes domain events. Implementations decide whether a
// transport failure is returned or only logged.
type Publisher interface {
	Publish(ctx context.Context, topic, eventType string, data interface{}, correlationID string) error
}

// PlanRef identifies a plan inside event payloads.
type PlanRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SubscriptionCreatedPayload is the data of subscription.created.
type SubscriptionCreatedPayload struct {
	SubscriptionID string       `json:"subscriptionId"`
	OrganizationID string       `json:"organizationId"`
	PlanID         string       `json:"planId"`
	PlanName       string       `json:"planName"`
	Status         Status       `json:"status"`
	BillingCycle   BillingCycle `json:"billingCycle"`
}

// SubscriptionUpgradedPayload is the data of subscription.upgraded.
type SubscriptionUpgradedPayload struct {
	SubscriptionID string  `json:"subscriptionId"`
	OrganizationID string  `json:"organizationId"`
	OldPlan        PlanRef `json:"oldPlan"`
	NewPlan        PlanRef `json:"newPlan"`
}

// SubscriptionCanceledPayload is the data of subscription.canceled.
type SubscriptionCanceledPayload struct {
	SubscriptionID string    `json:"subscriptionId"`
	OrganizationID string    `json:"organizationId"`
	CancelAt       time.Time `json:"cancelAt"`
	Reason         string    `json:"reason,omitempty"`
}

// SubscriptionUpdatedPayload is the data of subscription.updated.
type SubscriptionUpdatedPayload struct {
	SubscriptionID   string    `json:"subscriptionId"`
	OrganizationID   string    `json:"organizationId"`
	PreviousStatus   Status    `json:"previousStatus"`
	Status           Status    `json:"status"`
	CurrentPeriodEnd time.Time `json:"currentPeriodEnd"`
}

// InvoicePaidPayload is the data of invoice.paid.
type InvoicePaidPayload struct {
	InvoiceID      string    `json:"invoiceId"`
	OrganizationID string    `json:"organizationId,omitempty"`
	Amount         float64   `json:"amount"`
	Currency       string    `json:"currency,omitempty"`
	PaidAt         time.Time `json:"paidAt"`
}

// PaymentFailedPayload is the data of payment.failed.
type PaymentFailedPayload struct {
	InvoiceID      string  `json:"invoiceId"`
	OrganizationID string  `json:"organizationId,omitempty"`
	Amount         float64 `json:"amount"`
	ErrorCode      string  `json:"errorCode"`
}

// OrgCreatedPayload is the data of org.created.
type OrgCreatedPayload struct {
	OrganizationID string `json:"organizationId"`
	Name           string `json:"name,omitempty"`
	OwnerID        string `json:"ownerId,omitempty"`
}

type correlationKey struct{}

// WithCorrelationID returns a context carrying the correlation id used on published events.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationIDFromContext returns the correlation id stored by WithCorrelationID.
func CorrelationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
