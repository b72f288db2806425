package billing

import (
	"context"
	"time"
)

// SubscriptionStore persists subscription records, one per organization.
// Lookups that miss return ErrSubscriptionNotFound.
type SubscriptionStore interface {
	FindByOrganization(ctx context.Context, organizationID string) (*Subscription, error)
	FindByExternalSubscriptionRef(ctx context.Context, ref string) (*Subscription, error)
	FindByCustomerRef(ctx context.Context, customerRef string) (*Subscription, error)

	// Upsert inserts or replaces the record keyed by OrganizationID. An existing
	// record keeps its ID and CreatedAt; sub is updated in place to match.
	Upsert(ctx context.Context, sub *Subscription) error

	// Save replaces an existing record by ID.
	Save(ctx context.Context, sub *Subscription) error

	// ListDueForCancellation returns active records flagged to cancel at period
	// end whose period ended at or before the given time.
	ListDueForCancellation(ctx context.Context, before time.Time) ([]*Subscription, error)
}

// PlanStore persists the plan catalog. Lookups that miss return ErrPlanNotFound.
type PlanStore interface {
	ListPlans(ctx context.Context, activeOnly bool) ([]*Plan, error)
	GetPlan(ctx context.Context, id string) (*Plan, error)
	GetPlanBySlug(ctx context.Context, slug string) (*Plan, error)
	UpsertPlan(ctx context.Context, plan *Plan) error
}

// InvoiceStore persists invoice projections.
type InvoiceStore interface {
	ListInvoices(ctx context.Context, organizationID string, page, limit int) ([]*Invoice, int, error)
	GetInvoice(ctx context.Context, id string) (*Invoice, error)
	GetInvoiceByExternalRef(ctx context.Context, ref string) (*Invoice, error)

	// UpsertInvoiceByExternalRef inserts or updates the invoice keyed by
	// ExternalInvoiceRef, keeping the existing ID and InvoiceNumber.
	UpsertInvoiceByExternalRef(ctx context.Context, inv *Invoice) error

	// NextInvoiceSequence returns the next local invoice sequence for a year, starting at 1.
	NextInvoiceSequence(ctx context.Context, year int) (int, error)
}

// PaymentMethodStore persists payment method references.
type PaymentMethodStore interface {
	ListPaymentMethods(ctx context.Context, organizationID string) ([]*PaymentMethod, error)
	GetPaymentMethod(ctx context.Context, id string) (*PaymentMethod, error)
	CreatePaymentMethod(ctx context.Context, pm *PaymentMethod) error
	DeletePaymentMethod(ctx context.Context, id string) error

	// SetDefaultPaymentMethod marks id as the organization's only default method.
	SetDefaultPaymentMethod(ctx context.Context, organizationID, id string) error
}

// Dedup remembers processed webhook event ids.
type Dedup interface {
	// MarkProcessed records id and reports whether it was seen before.
	MarkProcessed(ctx context.Context, id string) (alreadySeen bool, err error)
	// Forget removes id so a failed event can be retried by the processor.
	Forget(ctx context.Context, id string) error
}

// UsageReporter reports current consumption of limited resources.
type UsageReporter interface {
	CurrentUsage(ctx context.Context, organizationID string, period Period) (map[string]int, error)
}

// TimeSource abstracts the clock.
type TimeSource interface {
	Now() time.Time
}

// SystemClock is the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// noUsage reports zero consumption for every resource.
type noUsage struct{}

func (noUsage) CurrentUsage(context.Context, string, Period) (map[string]int, error) {
	return map[string]int{}, nil
}
